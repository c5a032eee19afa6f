package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/internal/observability"
)

var (
	metricsJSON  bool
	metricsSince string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Display session metrics",
	Long: `Display aggregated metrics derived from the event log.

Metrics include sessions created and started, stories completed, context
rotations, gutters, failures, completions, tokens spent and the latest
status of every session seen in the window.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if MetricsCalc == nil {
			return fmt.Errorf("metrics calculator not initialized (observability may be disabled)")
		}

		since := strings.TrimSpace(metricsSince)
		if since == "" {
			since = "7d"
		}
		sinceTime, err := observability.ParseSince(since, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}

		metrics, err := MetricsCalc.Calculate(sinceTime)
		if err != nil {
			return fmt.Errorf("calculating metrics: %w", err)
		}

		out := cmd.OutOrStdout()
		if metricsJSON {
			data, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return fmt.Errorf("formatting metrics as JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintf(out, "Metrics (since %s)\n\n", sinceTime.Format("2006-01-02 15:04"))
		fmt.Fprintf(out, "  %-24s %d\n", "Events recorded:", metrics.EventCount)
		fmt.Fprintf(out, "  %-24s %d\n", "Sessions created:", metrics.SessionsCreated)
		fmt.Fprintf(out, "  %-24s %d\n", "Sessions started:", metrics.SessionsStarted)
		fmt.Fprintf(out, "  %-24s %d\n", "Stories completed:", metrics.StoriesCompleted)
		fmt.Fprintf(out, "  %-24s %d\n", "Context rotations:", metrics.Rotations)
		fmt.Fprintf(out, "  %-24s %d\n", "Gutters:", metrics.Gutters)
		fmt.Fprintf(out, "  %-24s %d\n", "Failures:", metrics.Failures)
		fmt.Fprintf(out, "  %-24s %d\n", "Completions:", metrics.Completions)
		fmt.Fprintf(out, "  %-24s %d\n", "Tokens spent:", metrics.TokensSpent)

		if len(metrics.SessionsByStatus) > 0 {
			statuses := make([]string, 0, len(metrics.SessionsByStatus))
			for status := range metrics.SessionsByStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			fmt.Fprintln(out, "\n  Sessions by status:")
			for _, status := range statuses {
				fmt.Fprintf(out, "    %-22s %d\n", status+":", metrics.SessionsByStatus[status])
			}
		}

		if metrics.OldestEvent != nil {
			fmt.Fprintf(out, "\n  %-24s %s\n", "Oldest event:", metrics.OldestEvent.Format(time.RFC3339))
		}
		if metrics.NewestEvent != nil {
			fmt.Fprintf(out, "  %-24s %s\n", "Newest event:", metrics.NewestEvent.Format(time.RFC3339))
		}

		return nil
	},
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Output metrics as JSON")
	metricsCmd.Flags().StringVar(&metricsSince, "since", "7d", "Time window for metrics (e.g. 7d, 30d, 24h)")
	rootCmd.AddCommand(metricsCmd)
}
