package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	ralphmcp "github.com/valter-silva-au/ralph/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
	Long:  "Commands for running the Ralph MCP (Model Context Protocol) server.",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Ralph MCP server on stdio",
	Long: `Start the Ralph MCP server on stdio transport.

The server exposes Ralph as MCP tools that AI coding assistants can call:
create_session, get_session, list_sessions, start_session, pause_session,
stop_session, set_prd, convert_prd, list_guardrails, add_guardrail,
get_metrics, get_alerts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sessions == nil {
			return fmt.Errorf("session manager not initialized")
		}

		srv := ralphmcp.NewServer(ralphmcp.ServerDeps{
			Sessions:   Sessions,
			Guardrails: Guardrails,
			Metrics:    MetricsCalc,
			Alerts:     AlertEngine,
			Defaults:   SessionDefaults,
		}, appVersion)

		if err := srv.Run(cmd.Context()); err != nil {
			return fmt.Errorf("running MCP server: %w", err)
		}
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
