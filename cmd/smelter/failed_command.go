package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"smelter/internal/config"
	"smelter/internal/state"
)

func newFailedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List files whose last attempt failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *state.Store) error {
				renderFailed(cmd.OutOrStdout(), store.FailedItems())
				return nil
			})
		},
	}
}

func renderFailed(out io.Writer, items []state.FailedItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No failed files.")
		return
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		when := ""
		if item.LastFailedAt != nil {
			when = item.LastFailedAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			item.Item,
			string(item.FailedPhase),
			fmt.Sprintf("%d/%d", item.Attempts, item.MaxRetries),
			truncate(item.LastError, 60),
			when,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]column{
			{title: "File"},
			{title: "Phase"},
			{title: "Attempts", numeric: true},
			{title: "Error"},
			{title: "Last failure"},
		},
		rows,
	))
}

// truncate shortens s to at most max runes, never splitting a multibyte
// character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
