package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newOrphansCmd() *cobra.Command {
	var sweep bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List packages no installed model needs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !sweep {
				orphans, err := a.Manager.Orphans()
				if err != nil {
					return err
				}
				if len(orphans) == 0 {
					_, _ = fmt.Fprintln(out, "no orphaned packages")
					return nil
				}
				_, _ = fmt.Fprintln(out, strings.Join(orphans, "\n"))
				return nil
			}
			removed, ok := a.Manager.SweepOrphans(ctx, progressCallbacks(out))
			if !ok {
				return fmt.Errorf("orphan sweep failed")
			}
			_, _ = fmt.Fprintf(out, "removed %d package(s)\n", len(removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "Uninstall the orphaned packages")
	return cmd
}
