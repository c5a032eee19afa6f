package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/ralph/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Ralph HTTP API",
	Long: `Serve the session API over HTTP until interrupted.

Endpoints:
  GET  /health
  GET  /sessions                 list sessions (?state= filters)
  POST /sessions                 create a session
  GET  /sessions/{id}
  POST /sessions/{id}/start|pause|stop
  PUT  /sessions/{id}/prd        replace the PRD
  GET  /sessions/{id}/activity   Server-Sent Events activity stream
  POST /prd/convert              markdown PRD to JSON
  GET  /guardrails, POST /guardrails
  GET  /metrics                  (?since=7d)

The listen address defaults to server.addr from .ralphconfig.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sessions == nil {
			return fmt.Errorf("session manager not initialized")
		}
		addr := serveAddr
		if addr == "" {
			addr = ServerAddr
		}
		if addr == "" {
			return fmt.Errorf("no listen address (set --addr or server.addr)")
		}

		router := api.NewRouter(api.Deps{
			Sessions:   Sessions,
			Guardrails: Guardrails,
			Metrics:    MetricsCalc,
			Defaults:   SessionDefaults,
			Version:    appVersion,
		}, logger())

		err := api.Serve(cmd.Context(), addr, router, logger())
		// Let run-loops observe the cancelled context and settle their status.
		Sessions.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	rootCmd.AddCommand(serveCmd)
}
