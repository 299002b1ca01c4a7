package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kyoulho/p-roro-sub011/internal/domain/classify"
)

func newClassifyCmd(root *rootOptions) *cobra.Command {
	var rules string
	cmd := &cobra.Command{
		Use:   "classify <command line>",
		Short: "Show which resource type a process command line maps to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rules == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				rules = cfg.Paths.Rules
			}
			c, err := classify.Load(rules)
			if err != nil {
				return err
			}
			tokens := classify.SplitCommandLine(strings.Join(args, " "))
			t, ok := c.Classify(tokens)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "unclassified")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().StringVar(&rules, "rules", "", "classification rules file (default from config)")
	return cmd
}
