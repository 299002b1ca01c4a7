package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

func newDialectCmd(root *rootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "dialect <operation> <os-family> [params...]",
		Short: "Render the command an operation resolves to for an OS family",
		Args:  cobra.RangeArgs(1, 10),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			reg, err := loadDialects(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				for _, op := range reg.Operations(domain.OSFamily(args[0])) {
					fmt.Fprintln(out, op)
				}
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("need an operation and an os family")
			}
			params := make([]any, 0, len(args)-2)
			for _, p := range args[2:] {
				params = append(params, p)
			}
			s, err := reg.Resolve(dialect.OperationID(args[0]), domain.OSFamily(args[1]), params...)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list the operations known for the family given as first argument")
	return cmd
}
