// Package mcp provides an MCP (Model Context Protocol) server that exposes
// Ralph sessions, PRDs and guardrails as MCP tools for AI coding assistants.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/observability"
	"github.com/valter-silva-au/ralph/internal/storage"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// SessionDefaultsFunc returns the SessionConfig a new session in projectPath
// starts from, with .ralphrc overrides applied.
type SessionDefaultsFunc func(projectPath string) (models.SessionConfig, error)

// ServerDeps groups the services exposed by the MCP server. Metrics and
// Alerts may be nil when observability is disabled.
type ServerDeps struct {
	Sessions   core.SessionManager
	Guardrails storage.GuardrailManager
	Metrics    observability.MetricsCalculator
	Alerts     observability.AlertEngine
	Defaults   SessionDefaultsFunc
}

// Server wraps Ralph services and exposes them as MCP tools.
type Server struct {
	server      *gomcp.Server
	sessions    core.SessionManager
	guardrails  storage.GuardrailManager
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
	defaults    SessionDefaultsFunc
}

// NewServer creates a new MCP server over the given services.
func NewServer(deps ServerDeps, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{
		sessions:    deps.Sessions,
		guardrails:  deps.Guardrails,
		metricsCalc: deps.Metrics,
		alertEngine: deps.Alerts,
		defaults:    deps.Defaults,
	}
	if s.defaults == nil {
		s.defaults = func(string) (models.SessionConfig, error) { return models.DefaultSessionConfig(), nil }
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "ralph", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects
// or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type sessionIDInput struct {
	SessionID string `json:"session_id" jsonschema:"the session identifier returned by create_session"`
}

type createSessionInput struct {
	ProjectPath     string `json:"project_path" jsonschema:"absolute path of the git repository the agent works in"`
	ExecutionModel  string `json:"execution_model,omitempty" jsonschema:"model used for iterations, defaults to the configured execution model"`
	MaxIterations   int    `json:"max_iterations,omitempty" jsonschema:"iteration cap, defaults to the configured value"`
	WarnThreshold   int    `json:"warn_threshold,omitempty" jsonschema:"token count at which context health turns to warning"`
	RotateThreshold int    `json:"rotate_threshold,omitempty" jsonschema:"token count at which the context is rotated"`
}

type storyOutput struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	Passes   bool   `json:"passes"`
}

type sessionOutput struct {
	ID               string        `json:"id"`
	ProjectPath      string        `json:"project_path"`
	Status           string        `json:"status"`
	State            string        `json:"state"`
	StoryID          string        `json:"story_id,omitempty"`
	ExecutionModel   string        `json:"execution_model"`
	MaxIterations    int           `json:"max_iterations"`
	CurrentIteration int           `json:"current_iteration"`
	TokensUsed       int           `json:"tokens_used"`
	Health           string        `json:"health"`
	Project          string        `json:"project,omitempty"`
	BranchName       string        `json:"branch_name,omitempty"`
	StoriesRemaining int           `json:"stories_remaining"`
	Stories          []storyOutput `json:"stories,omitempty"`
	Created          string        `json:"created"`
	Updated          string        `json:"updated"`
}

type listSessionsInput struct {
	State string `json:"state,omitempty" jsonschema:"filter by state (idle, running, paused, waiting_for_rotation, gutter, complete, failed)"`
}

type listSessionsOutput struct {
	Sessions []sessionOutput `json:"sessions"`
	Count    int             `json:"count"`
}

type setPrdInput struct {
	SessionID string `json:"session_id" jsonschema:"the session identifier"`
	PrdPath   string `json:"prd_path,omitempty" jsonschema:"path to a prd.json or YAML PRD file"`
	PrdJSON   string `json:"prd_json,omitempty" jsonschema:"the PRD as a JSON document, used when prd_path is empty"`
}

type convertPrdInput struct {
	Markdown    string `json:"markdown" jsonschema:"PRD markdown with a User Stories section of ### ID: Title headers"`
	ProjectPath string `json:"project_path,omitempty" jsonschema:"repository path, used for the default project name"`
	BranchName  string `json:"branch_name,omitempty" jsonschema:"branch for the work, defaults to ralph/<project>"`
}

type convertPrdOutput struct {
	Prd models.Prd `json:"prd"`
}

type projectInput struct {
	ProjectPath string `json:"project_path" jsonschema:"repository path holding the .ralph workspace"`
}

type guardrailOutput struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Trigger     string `json:"trigger"`
	Instruction string `json:"instruction"`
	AddedAfter  string `json:"added_after"`
}

type listGuardrailsOutput struct {
	Guardrails []guardrailOutput `json:"guardrails"`
	Count      int               `json:"count"`
}

type addGuardrailInput struct {
	ProjectPath string `json:"project_path" jsonschema:"repository path holding the .ralph workspace"`
	Title       string `json:"title" jsonschema:"short name of the sign"`
	Trigger     string `json:"trigger" jsonschema:"situation in which the sign applies"`
	Instruction string `json:"instruction" jsonschema:"what the agent must do in that situation"`
	AddedAfter  string `json:"added_after,omitempty" jsonschema:"what happened that made the sign necessary"`
}

type messageOutput struct {
	Message string `json:"message"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window for metrics (e.g. 7d, 30d, 24h). Defaults to 7d."`
}

type metricsOutput struct {
	SessionsCreated  int            `json:"sessions_created"`
	SessionsStarted  int            `json:"sessions_started"`
	StoriesCompleted int            `json:"stories_completed"`
	Rotations        int            `json:"rotations"`
	Gutters          int            `json:"gutters"`
	Failures         int            `json:"failures"`
	Completions      int            `json:"completions"`
	TokensSpent      int            `json:"tokens_spent"`
	SessionsByStatus map[string]int `json:"sessions_by_status"`
	EventCount       int            `json:"event_count"`
	OldestEvent      string         `json:"oldest_event,omitempty"`
	NewestEvent      string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_session",
		Description: "Create an idle session for a git repository. Unset thresholds and models come from configuration.",
	}, s.handleCreateSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_session",
		Description: "Get a session by ID, including status, iteration, token usage, context health and story progress.",
	}, s.handleGetSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_sessions",
		Description: "List sessions ordered by creation time, with an optional state filter.",
	}, s.handleListSessions)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "start_session",
		Description: "Start or resume the run-loop of an idle or paused session that has a PRD with stories.",
	}, s.handleStartSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "pause_session",
		Description: "Pause a running session. The loop stops before its next iteration.",
	}, s.handlePauseSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "stop_session",
		Description: "Stop a session and return it to idle. The loop stops before its next iteration.",
	}, s.handleStopSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "set_prd",
		Description: "Attach a PRD to a session that is not running, from a file path or inline JSON. The PRD is written to the project's prd.json.",
	}, s.handleSetPrd)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "convert_prd",
		Description: "Convert PRD markdown into the structured PRD used by sessions.",
	}, s.handleConvertPrd)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_guardrails",
		Description: "List the guardrails (signs) recorded for a project.",
	}, s.handleListGuardrails)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_guardrail",
		Description: "Record a guardrail (sign) for a project. Future iteration prompts include it.",
	}, s.handleAddGuardrail)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get session metrics from the event log: sessions, stories completed, rotations, gutters, failures.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (stuck, failed and stalled sessions, excessive rotations).",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleCreateSession(_ context.Context, _ *gomcp.CallToolRequest, input createSessionInput) (*gomcp.CallToolResult, sessionOutput, error) {
	if input.ProjectPath == "" {
		return errorResult("project_path is required"), sessionOutput{}, nil
	}

	cfg, err := s.defaults(input.ProjectPath)
	if err != nil {
		return errorResult(fmt.Sprintf("loading configuration: %s", err)), sessionOutput{}, nil
	}
	if input.ExecutionModel != "" {
		cfg.ExecutionModel = input.ExecutionModel
	}
	if input.MaxIterations > 0 {
		cfg.MaxIterations = input.MaxIterations
	}
	if input.WarnThreshold > 0 {
		cfg.WarnThreshold = input.WarnThreshold
	}
	if input.RotateThreshold > 0 {
		cfg.RotateThreshold = input.RotateThreshold
	}

	session, err := s.sessions.Create(input.ProjectPath, cfg)
	if err != nil {
		return errorResult(fmt.Sprintf("creating session: %s", err)), sessionOutput{}, nil
	}
	return nil, sessionToOutput(session), nil
}

func (s *Server) handleGetSession(_ context.Context, _ *gomcp.CallToolRequest, input sessionIDInput) (*gomcp.CallToolResult, sessionOutput, error) {
	if input.SessionID == "" {
		return errorResult("session_id is required"), sessionOutput{}, nil
	}

	session, err := s.sessions.Get(input.SessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting session %s: %s", input.SessionID, err)), sessionOutput{}, nil
	}
	return nil, sessionToOutput(session), nil
}

func (s *Server) handleListSessions(_ context.Context, _ *gomcp.CallToolRequest, input listSessionsInput) (*gomcp.CallToolResult, listSessionsOutput, error) {
	out := listSessionsOutput{Sessions: []sessionOutput{}}
	for _, session := range s.sessions.List() {
		if input.State != "" && string(session.Status.State) != input.State {
			continue
		}
		out.Sessions = append(out.Sessions, sessionToOutput(session))
	}
	out.Count = len(out.Sessions)
	return nil, out, nil
}

func (s *Server) handleStartSession(_ context.Context, _ *gomcp.CallToolRequest, input sessionIDInput) (*gomcp.CallToolResult, sessionOutput, error) {
	return s.transition("starting", s.sessions.Start, input.SessionID)
}

func (s *Server) handlePauseSession(_ context.Context, _ *gomcp.CallToolRequest, input sessionIDInput) (*gomcp.CallToolResult, sessionOutput, error) {
	return s.transition("pausing", s.sessions.Pause, input.SessionID)
}

func (s *Server) handleStopSession(_ context.Context, _ *gomcp.CallToolRequest, input sessionIDInput) (*gomcp.CallToolResult, sessionOutput, error) {
	return s.transition("stopping", s.sessions.Stop, input.SessionID)
}

func (s *Server) transition(verb string, fn func(string) (models.Session, error), id string) (*gomcp.CallToolResult, sessionOutput, error) {
	if id == "" {
		return errorResult("session_id is required"), sessionOutput{}, nil
	}
	session, err := fn(id)
	if err != nil {
		return errorResult(fmt.Sprintf("%s session %s: %s", verb, id, err)), sessionOutput{}, nil
	}
	return nil, sessionToOutput(session), nil
}

func (s *Server) handleSetPrd(_ context.Context, _ *gomcp.CallToolRequest, input setPrdInput) (*gomcp.CallToolResult, sessionOutput, error) {
	if input.SessionID == "" {
		return errorResult("session_id is required"), sessionOutput{}, nil
	}

	var prd models.Prd
	switch {
	case input.PrdPath != "":
		loaded, err := storage.LoadPrdFile(input.PrdPath)
		if err != nil {
			return errorResult(fmt.Sprintf("loading PRD: %s", err)), sessionOutput{}, nil
		}
		prd = *loaded
	case input.PrdJSON != "":
		if err := json.Unmarshal([]byte(input.PrdJSON), &prd); err != nil {
			return errorResult(fmt.Sprintf("decoding prd_json: %s", err)), sessionOutput{}, nil
		}
	default:
		return errorResult("one of prd_path or prd_json is required"), sessionOutput{}, nil
	}

	session, err := s.sessions.SetPrd(input.SessionID, prd)
	if err != nil {
		return errorResult(fmt.Sprintf("setting PRD on session %s: %s", input.SessionID, err)), sessionOutput{}, nil
	}
	return nil, sessionToOutput(session), nil
}

func (s *Server) handleConvertPrd(_ context.Context, _ *gomcp.CallToolRequest, input convertPrdInput) (*gomcp.CallToolResult, convertPrdOutput, error) {
	if input.Markdown == "" {
		return errorResult("markdown is required"), convertPrdOutput{}, nil
	}
	prd, err := core.ConvertMarkdown(input.Markdown, input.ProjectPath, input.BranchName)
	if err != nil {
		return errorResult(fmt.Sprintf("converting PRD: %s", err)), convertPrdOutput{}, nil
	}
	return nil, convertPrdOutput{Prd: prd}, nil
}

func (s *Server) handleListGuardrails(_ context.Context, _ *gomcp.CallToolRequest, input projectInput) (*gomcp.CallToolResult, listGuardrailsOutput, error) {
	if input.ProjectPath == "" {
		return errorResult("project_path is required"), listGuardrailsOutput{}, nil
	}
	guardrails, err := s.guardrails.Load(input.ProjectPath)
	if err != nil {
		return errorResult(fmt.Sprintf("loading guardrails: %s", err)), listGuardrailsOutput{}, nil
	}

	out := listGuardrailsOutput{
		Guardrails: make([]guardrailOutput, len(guardrails)),
		Count:      len(guardrails),
	}
	for i, g := range guardrails {
		out.Guardrails[i] = guardrailOutput(g)
	}
	return nil, out, nil
}

func (s *Server) handleAddGuardrail(_ context.Context, _ *gomcp.CallToolRequest, input addGuardrailInput) (*gomcp.CallToolResult, messageOutput, error) {
	if input.ProjectPath == "" {
		return errorResult("project_path is required"), messageOutput{}, nil
	}
	g := models.Guardrail{
		Title:       input.Title,
		Trigger:     input.Trigger,
		Instruction: input.Instruction,
		AddedAfter:  input.AddedAfter,
	}
	if err := s.guardrails.Add(input.ProjectPath, g); err != nil {
		return errorResult(err.Error()), messageOutput{}, nil
	}
	return nil, messageOutput{Message: fmt.Sprintf("guardrail %q added", input.Title)}, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (observability may be disabled)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := observability.ParseSince(sinceStr, time.Now().UTC())
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		SessionsCreated:  metrics.SessionsCreated,
		SessionsStarted:  metrics.SessionsStarted,
		StoriesCompleted: metrics.StoriesCompleted,
		Rotations:        metrics.Rotations,
		Gutters:          metrics.Gutters,
		Failures:         metrics.Failures,
		Completions:      metrics.Completions,
		TokensSpent:      metrics.TokensSpent,
		SessionsByStatus: metrics.SessionsByStatus,
		EventCount:       metrics.EventCount,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

func (s *Server) handleGetAlerts(_ context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available (observability may be disabled)"), getAlertsOutput{}, nil
	}

	alerts, err := s.alertEngine.Evaluate()
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}

	return nil, out, nil
}

// --- Helpers ---

func sessionToOutput(s models.Session) sessionOutput {
	out := sessionOutput{
		ID:               s.ID,
		ProjectPath:      s.ProjectPath,
		Status:           s.Status.String(),
		State:            string(s.Status.State),
		StoryID:          s.Status.StoryID,
		ExecutionModel:   s.Config.ExecutionModel,
		MaxIterations:    s.Config.MaxIterations,
		CurrentIteration: s.CurrentIteration,
		TokensUsed:       s.TokenUsage.Total,
		Health:           string(s.Health()),
		Created:          s.CreatedAt.Format(time.RFC3339),
		Updated:          s.UpdatedAt.Format(time.RFC3339),
	}
	if s.Prd != nil {
		out.Project = s.Prd.Project
		out.BranchName = s.Prd.BranchName
		out.StoriesRemaining = s.Prd.Remaining()
		for _, st := range s.Prd.Stories {
			out.Stories = append(out.Stories, storyOutput{
				ID:       st.ID,
				Title:    st.Title,
				Priority: st.Priority,
				Passes:   st.Passes,
			})
		}
	}
	return out
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		SessionsByStatus: make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
