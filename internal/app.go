// Package internal provides the App struct that wires all components of
// Ralph together and initializes the CLI layer.
package internal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/valter-silva-au/ralph/internal/cli"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/integration"
	"github.com/valter-silva-au/ralph/internal/observability"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// EventLogFileName is the JSONL lifecycle log kept in the base directory.
const EventLogFileName = ".ralph_events.jsonl"

// Options controls process-level concerns of the App.
type Options struct {
	// LogOutput receives structured logs; nil means os.Stderr.
	LogOutput io.Writer
	// JSONLogs selects the JSON handler instead of the text handler.
	JSONLogs bool
}

// App holds all service dependencies of Ralph.
type App struct {
	BasePath string
	Config   *models.GlobalConfig
	Logger   *slog.Logger

	// Configuration
	ConfigMgr core.ConfigurationManager

	// Storage layer
	Projects   storage.ProjectStore
	Guardrails storage.GuardrailManager

	// Integration services
	Runner integration.AgentRunner

	// Core services
	Registry *core.SessionRegistry
	Sessions core.SessionManager

	// Observability
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// NewApp creates and wires all components. Cancelling ctx kills running
// agent processes and ends every session run-loop. basePath is the directory
// holding .ralphconfig and the event log (see ResolveBasePath).
func NewApp(ctx context.Context, basePath string, opts Options) (*App, error) {
	app := &App{BasePath: basePath}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	globalCfg, cfgErr := app.ConfigMgr.LoadGlobalConfig()
	if cfgErr == nil {
		cfgErr = app.ConfigMgr.ValidateConfig(globalCfg)
	}
	if cfgErr != nil {
		// Fall back to defaults so commands like init and version keep working.
		globalCfg = core.DefaultGlobalConfig()
	}
	app.Config = globalCfg

	// --- Logging ---
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	app.Logger = NewLogger(out, globalCfg.LogLevel, opts.JSONLogs)
	if cfgErr != nil {
		app.Logger.Warn("using default configuration", "error", cfgErr)
	}

	// --- Storage layer ---
	app.Projects = storage.NewProjectStore()
	app.Guardrails = storage.NewGuardrailManager()

	// --- Integration services ---
	app.Runner = integration.NewAgentRunner(integration.AgentRunnerConfig{
		Command:      globalCfg.Agent.Command,
		Timeout:      globalCfg.Agent.Timeout,
		SpawnRetries: globalCfg.Agent.SpawnRetries,
		SpawnBackoff: globalCfg.Agent.SpawnBackoff,
		Classify:     core.ClassifyLine,
		Logger:       app.Logger.With("component", "agent"),
	})

	// --- Observability ---
	var err error
	app.EventLog, err = observability.NewJSONLEventLog(filepath.Join(basePath, EventLogFileName))
	if err != nil {
		// Non-fatal: run without lifecycle events.
		app.Logger.Warn("event log disabled", "error", err)
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, observability.DefaultAlertThresholds())
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	if globalCfg.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(globalCfg.SlackWebhookURL)
	}

	// --- Core services ---
	var evtAdapter core.EventLogger
	if app.EventLog != nil {
		evtAdapter = &eventLogAdapter{log: app.EventLog}
	}
	var notifier core.OutcomeNotifier
	if app.Notifier != nil {
		notifier = app.Notifier
	}
	app.Registry = core.NewSessionRegistry()
	app.Sessions = core.NewSessionManager(ctx, core.SessionManagerDeps{
		Registry:   app.Registry,
		Runner:     app.Runner,
		Projects:   app.Projects,
		Guardrails: app.Guardrails,
		Repos:      integration.RepoChecker{},
		Events:     evtAdapter,
		Notifier:   notifier,
		Gutter: core.GutterThresholds{
			FailCount:    globalCfg.Gutter.FailCount,
			ThrashCount:  globalCfg.Gutter.ThrashCount,
			ThrashWindow: globalCfg.Gutter.ThrashWindow,
		},
		Logger: app.Logger.With("component", "sessions"),
	})

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.ServerAddr = globalCfg.ServerAddr
	cli.Logger = app.Logger
	cli.ConfigMgr = app.ConfigMgr
	cli.Sessions = app.Sessions
	cli.Projects = app.Projects
	cli.Guardrails = app.Guardrails
	cli.SessionDefaults = app.SessionDefaults
	cli.NewGit = integration.NewGitOperations

	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Notifier = app.Notifier

	return app, nil
}

// SessionDefaults merges the global config with the project's .ralphrc and
// returns the SessionConfig a new session in projectPath starts from.
func (a *App) SessionDefaults(projectPath string) (models.SessionConfig, error) {
	merged, err := a.ConfigMgr.GetMergedConfig(projectPath)
	if err != nil {
		return models.SessionConfig{}, err
	}
	if err := a.ConfigMgr.ValidateConfig(merged); err != nil {
		return models.SessionConfig{}, err
	}
	return merged.SessionDefaults(), nil
}

// Close waits for run-loops to exit and releases the event log file handle.
// The context passed to NewApp must be cancelled first, or Close blocks
// until every session stops on its own.
func (a *App) Close() error {
	if a.Sessions != nil {
		a.Sessions.Wait()
	}
	if a.EventLog != nil {
		return a.EventLog.Close()
	}
	return nil
}

// ResolveBasePath determines the Ralph home directory: RALPH_HOME when set,
// otherwise ~/.ralph, falling back to .ralph in the current directory when
// the home directory is unknown.
func ResolveBasePath() string {
	if home := os.Getenv("RALPH_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".ralph")
	}
	return ".ralph"
}

// NewLogger builds the process logger. Unknown levels mean info.
func NewLogger(w io.Writer, level string, jsonFormat bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// --- Adapters ---

// eventLogAdapter adapts observability.EventLog to core.EventLogger.
type eventLogAdapter struct {
	log observability.EventLog
	now func() time.Time
}

func (a *eventLogAdapter) LogEvent(eventType string, data map[string]any) error {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return a.log.Write(observability.Event{
		Time:    now().UTC(),
		Level:   eventLevel(eventType),
		Type:    eventType,
		Message: eventType,
		Data:    data,
	})
}

func eventLevel(eventType string) string {
	switch eventType {
	case core.EventSessionFailed:
		return observability.LevelError
	case core.EventSessionGutter:
		return observability.LevelWarn
	default:
		return observability.LevelInfo
	}
}
