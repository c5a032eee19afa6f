// Package api exposes the session manager over HTTP: a chi router with JSON
// endpoints and a Server-Sent-Events activity stream.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/observability"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// Deps groups the services served by the router. Metrics and Guardrails may
// be nil; their routes then answer 503.
type Deps struct {
	Sessions   core.SessionManager
	Guardrails storage.GuardrailManager
	Metrics    observability.MetricsCalculator
	// Defaults returns the SessionConfig a new session in projectPath starts
	// from. Nil means models.DefaultSessionConfig.
	Defaults func(projectPath string) (models.SessionConfig, error)
	Version  string
}

// NewRouter builds the HTTP handler for the given services.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Defaults == nil {
		deps.Defaults = func(string) (models.SessionConfig, error) { return models.DefaultSessionConfig(), nil }
	}

	sh := &sessionHandler{sessions: deps.Sessions, defaults: deps.Defaults, logger: logger}
	ph := &projectHandler{guardrails: deps.Guardrails, metrics: deps.Metrics}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  deps.Version,
			"sessions": len(deps.Sessions.List()),
		})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", sh.list)
		r.Post("/", sh.create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", sh.get)
			r.Post("/start", sh.start)
			r.Post("/pause", sh.pause)
			r.Post("/stop", sh.stop)
			r.Put("/prd", sh.setPrd)
			r.Get("/activity", sh.activity)
		})
	})

	r.Post("/prd/convert", ph.convertPrd)
	r.Get("/guardrails", ph.listGuardrails)
	r.Post("/guardrails", ph.addGuardrail)
	r.Get("/metrics", ph.metricsSummary)

	return r
}
