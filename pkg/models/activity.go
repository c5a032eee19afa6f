package models

import (
	"fmt"
	"time"
)

// ShellTokenEstimate is the fixed token cost charged for every shell call.
const ShellTokenEstimate = 100

// TokenUsage counts the context budget consumed in the current rotation epoch.
// Every sub-counter increment also adds into Total.
type TokenUsage struct {
	Total     int `json:"total" yaml:"total"`
	Read      int `json:"read" yaml:"read"`
	Write     int `json:"write" yaml:"write"`
	Assistant int `json:"assistant" yaml:"assistant"`
	Shell     int `json:"shell" yaml:"shell"`
}

// Percentage returns Total as a percentage of threshold, capped at 100.
func (u TokenUsage) Percentage(threshold int) float64 {
	if threshold <= 0 {
		return 100
	}
	p := float64(u.Total) / float64(threshold) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Health classifies the usage against the two thresholds. Comparisons are
// done on integers so the boundaries are exact: Total == warn is Warning and
// Total == rotate is Critical.
func (u TokenUsage) Health(warnThreshold, rotateThreshold int) ContextHealth {
	switch {
	case u.Total >= rotateThreshold:
		return HealthCritical
	case u.Total >= warnThreshold:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// ContextHealth is a derived view of TokenUsage.
type ContextHealth string

const (
	HealthHealthy  ContextHealth = "healthy"
	HealthWarning  ContextHealth = "warning"
	HealthCritical ContextHealth = "critical"
)

// SignalType discriminates Signal values.
type SignalType string

const (
	SignalWarn          SignalType = "warn"
	SignalRotate        SignalType = "rotate"
	SignalGutter        SignalType = "gutter"
	SignalComplete      SignalType = "complete"
	SignalStoryComplete SignalType = "story_complete"
)

// Signal is a control event derived from activity. Reason is set for Gutter
// and StoryID for StoryComplete.
type Signal struct {
	Type    SignalType `json:"type" yaml:"type"`
	Reason  string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	StoryID string     `json:"story_id,omitempty" yaml:"story_id,omitempty"`
}

func WarnSignal() Signal     { return Signal{Type: SignalWarn} }
func RotateSignal() Signal   { return Signal{Type: SignalRotate} }
func CompleteSignal() Signal { return Signal{Type: SignalComplete} }

func GutterSignal(reason string) Signal {
	return Signal{Type: SignalGutter, Reason: reason}
}

func StoryCompleteSignal(storyID string) Signal {
	return Signal{Type: SignalStoryComplete, StoryID: storyID}
}

// Format renders the signal for humans.
func (s Signal) Format() string {
	switch s.Type {
	case SignalWarn:
		return "WARN: Approaching token limit. Wrap up current work and commit."
	case SignalRotate:
		return "ROTATE: Token limit reached. Committing and starting fresh iteration."
	case SignalGutter:
		return fmt.Sprintf("GUTTER: Stuck state detected. %s", s.Reason)
	case SignalComplete:
		return "COMPLETE: All stories have passed!"
	case SignalStoryComplete:
		return fmt.Sprintf("Story %s completed", s.StoryID)
	default:
		return string(s.Type)
	}
}

// ActivityType discriminates ActivityKind values.
type ActivityType string

const (
	ActivityRead        ActivityType = "read"
	ActivityWrite       ActivityType = "write"
	ActivityShell       ActivityType = "shell"
	ActivityTokenUpdate ActivityType = "token_update"
	ActivitySignal      ActivityType = "signal"
	ActivityError       ActivityType = "error"
)

// ActivityKind is a closed tagged variant: only the fields belonging to Type
// are meaningful. Use the constructors rather than building it by hand.
type ActivityKind struct {
	Type     ActivityType `json:"type"`
	Path     string       `json:"path,omitempty"`
	Lines    int          `json:"lines,omitempty"`
	Bytes    int          `json:"bytes,omitempty"`
	Command  string       `json:"command,omitempty"`
	ExitCode int          `json:"exit_code"`
	Message  string       `json:"message,omitempty"`
	Usage    *TokenUsage  `json:"usage,omitempty"`
	Signal   *Signal      `json:"signal,omitempty"`
}

func ReadActivity(path string, lines, bytes int) ActivityKind {
	return ActivityKind{Type: ActivityRead, Path: path, Lines: lines, Bytes: bytes}
}

func WriteActivity(path string, lines, bytes int) ActivityKind {
	return ActivityKind{Type: ActivityWrite, Path: path, Lines: lines, Bytes: bytes}
}

func ShellActivity(command string, exitCode int) ActivityKind {
	return ActivityKind{Type: ActivityShell, Command: command, ExitCode: exitCode}
}

func TokenUpdateActivity(usage TokenUsage) ActivityKind {
	return ActivityKind{Type: ActivityTokenUpdate, Usage: &usage}
}

func SignalActivity(sig Signal) ActivityKind {
	return ActivityKind{Type: ActivitySignal, Signal: &sig}
}

func ErrorActivity(message string) ActivityKind {
	return ActivityKind{Type: ActivityError, Message: message}
}

// Clone copies the kind including its pointed-to payloads.
func (k ActivityKind) Clone() ActivityKind {
	cp := k
	if k.Usage != nil {
		u := *k.Usage
		cp.Usage = &u
	}
	if k.Signal != nil {
		s := *k.Signal
		cp.Signal = &s
	}
	return cp
}

// Describe renders a one-line human summary of the activity.
func (k ActivityKind) Describe() string {
	switch k.Type {
	case ActivityRead:
		return fmt.Sprintf("read %s (%d lines, %d bytes)", k.Path, k.Lines, k.Bytes)
	case ActivityWrite:
		return fmt.Sprintf("write %s (%d lines, %d bytes)", k.Path, k.Lines, k.Bytes)
	case ActivityShell:
		return fmt.Sprintf("$ %s (exit %d)", k.Command, k.ExitCode)
	case ActivityTokenUpdate:
		if k.Usage == nil {
			return "tokens"
		}
		return fmt.Sprintf("tokens: %d total", k.Usage.Total)
	case ActivitySignal:
		if k.Signal == nil {
			return "signal"
		}
		return k.Signal.Format()
	case ActivityError:
		return "error: " + k.Message
	default:
		return string(k.Type)
	}
}

// ActivityEntry is one broadcast unit. Entries are never persisted.
type ActivityEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Iteration int           `json:"iteration"`
	Kind      ActivityKind  `json:"kind"`
	Health    ContextHealth `json:"health"`
}

// Clone returns a copy that shares nothing with the receiver.
func (e ActivityEntry) Clone() ActivityEntry {
	cp := e
	cp.Kind = e.Kind.Clone()
	return cp
}
