package cli

import (
	"log/slog"

	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/integration"
	"github.com/valter-silva-au/ralph/internal/observability"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// Service instances, set during app initialization in app.go.
var (
	BasePath   string
	ServerAddr string
	Logger     *slog.Logger

	ConfigMgr  core.ConfigurationManager
	Sessions   core.SessionManager
	Projects   storage.ProjectStore
	Guardrails storage.GuardrailManager

	// SessionDefaults returns the SessionConfig for a new session in a
	// project, with .ralphrc overrides applied.
	SessionDefaults func(projectPath string) (models.SessionConfig, error)

	// NewGit opens the git/gh wrapper for a repository.
	NewGit func(repoPath string) integration.GitOperations
)

// Observability service instances, set during app initialization in app.go.
var (
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
)

func logger() *slog.Logger {
	if Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return Logger
}
