package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"smelter/internal/config"
	"smelter/internal/state"
)

func newResetCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all progress tracking and start fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !force {
				fmt.Fprintln(out, "This discards all run history, statistics, and per-file progress.")
				fmt.Fprintln(out, "Re-run with --force to confirm.")
				return nil
			}
			return ctx.withStore(func(cfg *config.Config, store *state.Store) error {
				if err := store.Reset(); err != nil {
					return fmt.Errorf("reset state: %w", err)
				}
				fmt.Fprintf(out, "State reset; fresh document written to %s\n", store.Path())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation message")
	return cmd
}
