package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"smelter/internal/config"
	"smelter/internal/state"
)

func newSummaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show aggregate progress across all runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *state.Store) error {
				renderSummary(cmd.OutOrStdout(), store)
				return nil
			})
		},
	}
}

func renderSummary(out io.Writer, store *state.Store) {
	summary := store.Summary()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Progress", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Files tracked", statusInfo, fmt.Sprintf("%d", summary.TotalFiles), colorize))
	fmt.Fprintln(out, renderStatusLine("Runs", statusInfo, fmt.Sprintf("%d", summary.TotalRuns), colorize))
	fmt.Fprintln(out, renderStatusLine("Open run", statusInfo, yesNo(summary.OpenRun), colorize))
	if summary.PendingRetryable > 0 {
		fmt.Fprintln(out, renderStatusLine("Pending retries", statusInfo, fmt.Sprintf("%d", summary.PendingRetryable), colorize))
	}
	if last := summary.LastRun; last != nil {
		detail := fmt.Sprintf("#%d started %s, %d files, %d PRs",
			last.RunID, last.StartedAt.Format(time.RFC3339), last.FilesProcessed, last.PRsCreated)
		fmt.Fprintln(out, renderStatusLine("Last run", statusInfo, detail, colorize))
	}
	fmt.Fprintln(out)

	stats := summary.Statistics
	rows := [][]string{
		{"Completed", fmt.Sprintf("%d", stats.Completed)},
		{"Failed", fmt.Sprintf("%d", stats.Failed)},
		{"Skipped", fmt.Sprintf("%d", stats.Skipped)},
		{"PRs created", fmt.Sprintf("%d", stats.PRsCreated)},
		{"Code refactorings", fmt.Sprintf("%d", stats.CodeRefactorings)},
		{"Advisory refactorings", fmt.Sprintf("%d", stats.AdvisoryRefactorings)},
		{"Processing time", (time.Duration(stats.ProcessingSeconds) * time.Second).String()},
	}
	for _, call := range sortedKeys(stats.APICalls) {
		rows = append(rows, []string{"API calls (" + call + ")", fmt.Sprintf("%d", stats.APICalls[call])})
	}
	fmt.Fprintln(out, renderTable(
		[]column{{title: "Metric"}, {title: "Value", numeric: true}},
		rows,
	))

	if len(stats.SmellBreakdown) == 0 {
		return
	}
	fmt.Fprintln(out)
	smellRows := make([][]string, 0, len(stats.SmellBreakdown))
	for _, smell := range sortedKeys(stats.SmellBreakdown) {
		stat := stats.SmellBreakdown[smell]
		smellRows = append(smellRows, []string{
			smellDisplayName(smell),
			fmt.Sprintf("%d", stat.Count),
			fmt.Sprintf("%d", stat.Severity.Low),
			fmt.Sprintf("%d", stat.Severity.Medium),
			fmt.Sprintf("%d", stat.Severity.High),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]column{
			{title: "Smell"},
			{title: "Count", numeric: true},
			{title: "Low", numeric: true},
			{title: "Medium", numeric: true},
			{title: "High", numeric: true},
		},
		smellRows,
	))
}

// smellDisplayName turns a category key like "long_method" into "Long Method".
func smellDisplayName(key string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(key, "_", " "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
