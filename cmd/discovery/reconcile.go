package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// newReconcileCmd fails requests a crashed process left in processing.
// serve does the same on start; this is for running it from a deploy hook.
func newReconcileCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark requests stuck in processing as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			repo, db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}
			n, err := repo.Reconcile(ctx, domain.StatusProcessing, domain.StatusFailed, "interrupted by restart", time.Now().UTC())
			if err != nil {
				return err
			}
			log.Info("reconciled", zap.Int64("requests", n))
			fmt.Fprintf(cmd.OutOrStdout(), "%d request(s) marked failed\n", n)
			return nil
		},
	}
}
