package models

import (
	"fmt"
	"time"
)

// SessionState names the externally observable phase of a session's run-loop.
type SessionState string

const (
	StateIdle               SessionState = "idle"
	StateRunning            SessionState = "running"
	StatePaused             SessionState = "paused"
	StateWaitingForRotation SessionState = "waiting_for_rotation"
	StateGutter             SessionState = "gutter"
	StateComplete           SessionState = "complete"
	StateFailed             SessionState = "failed"
)

// SessionStatus is the tagged status of a session. StoryID is set for
// Running, Reason for Gutter and Error for Failed.
type SessionStatus struct {
	State   SessionState `json:"state" yaml:"state"`
	StoryID string       `json:"story_id,omitempty" yaml:"story_id,omitempty"`
	Reason  string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error   string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// InitializingStoryID is the placeholder story reported by start before the
// run-loop has selected a real story.
const InitializingStoryID = "initializing"

func IdleStatus() SessionStatus   { return SessionStatus{State: StateIdle} }
func PausedStatus() SessionStatus { return SessionStatus{State: StatePaused} }
func CompleteStatus() SessionStatus {
	return SessionStatus{State: StateComplete}
}
func WaitingForRotationStatus() SessionStatus {
	return SessionStatus{State: StateWaitingForRotation}
}

func RunningStatus(storyID string) SessionStatus {
	return SessionStatus{State: StateRunning, StoryID: storyID}
}

func GutterStatus(reason string) SessionStatus {
	return SessionStatus{State: StateGutter, Reason: reason}
}

func FailedStatus(err string) SessionStatus {
	return SessionStatus{State: StateFailed, Error: err}
}

// IsTerminal reports whether the status ends the session for good.
func (s SessionStatus) IsTerminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// Startable reports whether start is allowed from this status.
func (s SessionStatus) Startable() bool {
	return s.State == StateIdle || s.State == StatePaused
}

// Halted reports whether the status asks a running loop to stop at its next poll.
func (s SessionStatus) Halted() bool {
	return s.State == StateIdle || s.State == StatePaused
}

func (s SessionStatus) String() string {
	switch s.State {
	case StateRunning:
		return fmt.Sprintf("running (%s)", s.StoryID)
	case StateGutter:
		return fmt.Sprintf("gutter: %s", s.Reason)
	case StateFailed:
		return fmt.Sprintf("failed: %s", s.Error)
	default:
		return string(s.State)
	}
}

// SessionConfig is fixed at session creation.
type SessionConfig struct {
	PrdModel        string `json:"prd_model" yaml:"prd_model" mapstructure:"prd_model"`
	ExecutionModel  string `json:"execution_model" yaml:"execution_model" mapstructure:"execution_model"`
	MaxIterations   int    `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	WarnThreshold   int    `json:"warn_threshold" yaml:"warn_threshold" mapstructure:"warn_threshold"`
	RotateThreshold int    `json:"rotate_threshold" yaml:"rotate_threshold" mapstructure:"rotate_threshold"`
	BranchName      string `json:"branch_name,omitempty" yaml:"branch_name,omitempty" mapstructure:"branch_name"`
	OpenPR          bool   `json:"open_pr" yaml:"open_pr" mapstructure:"open_pr"`
}

// DefaultSessionConfig returns the stock thresholds and models.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PrdModel:        "sonnet-4.5-thinking",
		ExecutionModel:  "opus-4.5-thinking",
		MaxIterations:   20,
		WarnThreshold:   70_000,
		RotateThreshold: 80_000,
	}
}

// Validate checks the threshold ordering and iteration cap.
func (c SessionConfig) Validate() error {
	if c.ExecutionModel == "" {
		return fmt.Errorf("execution_model must not be empty")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.WarnThreshold <= 0 {
		return fmt.Errorf("warn_threshold must be positive, got %d", c.WarnThreshold)
	}
	if c.WarnThreshold >= c.RotateThreshold {
		return fmt.Errorf("warn_threshold (%d) must be less than rotate_threshold (%d)", c.WarnThreshold, c.RotateThreshold)
	}
	return nil
}

// Session is the registry's unit of state. It is always handled by value;
// Clone must be used before handing a copy to another goroutine.
type Session struct {
	ID               string        `json:"id" yaml:"id"`
	ProjectPath      string        `json:"project_path" yaml:"project_path"`
	Status           SessionStatus `json:"status" yaml:"status"`
	Config           SessionConfig `json:"config" yaml:"config"`
	Prd              *Prd          `json:"prd,omitempty" yaml:"prd,omitempty"`
	CurrentIteration int           `json:"current_iteration" yaml:"current_iteration"`
	TokenUsage       TokenUsage    `json:"token_usage" yaml:"token_usage"`
	CreatedAt        time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy so the PRD is never shared between holders.
func (s Session) Clone() Session {
	cp := s
	if s.Prd != nil {
		prd := s.Prd.Clone()
		cp.Prd = &prd
	}
	return cp
}

// Health derives the context health from the session's token usage.
func (s Session) Health() ContextHealth {
	return s.TokenUsage.Health(s.Config.WarnThreshold, s.Config.RotateThreshold)
}

// IterationOutcome is how the run-loop interprets a finished iteration.
type IterationOutcome string

const (
	OutcomeStoryComplete IterationOutcome = "story_complete"
	OutcomeRotate        IterationOutcome = "rotate"
	OutcomeGutter        IterationOutcome = "gutter"
)

// IterationResult carries the outcome of one iteration. Reason is set for
// OutcomeGutter.
type IterationResult struct {
	Outcome IterationOutcome `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
}
