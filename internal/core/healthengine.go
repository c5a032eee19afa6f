package core

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// GutterThresholds tunes stuck-state detection.
type GutterThresholds struct {
	// FailCount is how many failures of the same shell command trigger a gutter.
	FailCount int
	// ThrashCount is how many writes to one path within ThrashWindow trigger a gutter.
	ThrashCount  int
	ThrashWindow time.Duration
}

// DefaultGutterThresholds returns 3 failures, 5 writes per 10 minutes.
func DefaultGutterThresholds() GutterThresholds {
	return GutterThresholds{
		FailCount:    3,
		ThrashCount:  5,
		ThrashWindow: 10 * time.Minute,
	}
}

// HealthEngine consumes the activity of one iteration, accumulates token
// usage and derives control signals. It is owned by a single goroutine.
type HealthEngine struct {
	iteration       int
	usage           models.TokenUsage
	warnThreshold   int
	rotateThreshold int
	gutter          GutterThresholds

	commandFailures map[string]int
	fileWrites      map[string][]time.Time

	now func() time.Time
}

// NewHealthEngine starts an engine for the given iteration, carrying over the
// usage accumulated so far in the current rotation epoch.
func NewHealthEngine(iteration int, usage models.TokenUsage, warnThreshold, rotateThreshold int, gutter GutterThresholds) *HealthEngine {
	return &HealthEngine{
		iteration:       iteration,
		usage:           usage,
		warnThreshold:   warnThreshold,
		rotateThreshold: rotateThreshold,
		gutter:          gutter,
		commandFailures: make(map[string]int),
		fileWrites:      make(map[string][]time.Time),
		now:             time.Now,
	}
}

// SetClock replaces the time source used for entry timestamps and the
// thrash window.
func (h *HealthEngine) SetClock(now func() time.Time) {
	h.now = now
}

// TokenUsage returns the accumulated usage.
func (h *HealthEngine) TokenUsage() models.TokenUsage {
	return h.usage
}

// ResetTokens zeroes the usage counters.
func (h *HealthEngine) ResetTokens() {
	h.usage = models.TokenUsage{}
}

// ParseActivity accounts for one activity and returns the finished entry plus
// at most one signal. Gutter detection runs before the threshold checks and
// the first match wins; Rotate takes priority over Warn.
func (h *HealthEngine) ParseActivity(kind models.ActivityKind) (models.ActivityEntry, *models.Signal) {
	now := h.now()
	h.account(kind)

	sig := h.detectGutter(kind, now)
	if sig == nil && kind.Type == models.ActivitySignal && kind.Signal != nil {
		forwarded := *kind.Signal
		sig = &forwarded
	}
	if sig == nil {
		switch {
		case h.usage.Total >= h.rotateThreshold:
			s := models.RotateSignal()
			sig = &s
		case h.usage.Total >= h.warnThreshold:
			s := models.WarnSignal()
			sig = &s
		}
	}

	entry := models.ActivityEntry{
		Timestamp: now,
		Iteration: h.iteration,
		Kind:      kind,
		Health:    h.usage.Health(h.warnThreshold, h.rotateThreshold),
	}
	return entry, sig
}

func (h *HealthEngine) account(kind models.ActivityKind) {
	switch kind.Type {
	case models.ActivityRead:
		h.usage.Read += kind.Bytes
		h.usage.Total += kind.Bytes
	case models.ActivityWrite:
		h.usage.Write += kind.Bytes
		h.usage.Total += kind.Bytes
	case models.ActivityShell:
		h.usage.Shell += models.ShellTokenEstimate
		h.usage.Total += models.ShellTokenEstimate
	}
}

func (h *HealthEngine) detectGutter(kind models.ActivityKind, now time.Time) *models.Signal {
	switch kind.Type {
	case models.ActivityShell:
		if kind.ExitCode == 0 {
			return nil
		}
		// The counter is never reset, so every later failure of the same
		// command fires again.
		h.commandFailures[kind.Command]++
		count := h.commandFailures[kind.Command]
		if count >= h.gutter.FailCount {
			s := models.GutterSignal(fmt.Sprintf("Command failed %d times: %s", count, kind.Command))
			return &s
		}
	case models.ActivityWrite:
		cutoff := now.Add(-h.gutter.ThrashWindow)
		writes := append(h.fileWrites[kind.Path], now)
		kept := writes[:0]
		for _, t := range writes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		h.fileWrites[kind.Path] = kept
		if len(kept) >= h.gutter.ThrashCount {
			s := models.GutterSignal(fmt.Sprintf("File thrashing detected: %s (%d writes in %s)", kind.Path, len(kept), formatWindow(h.gutter.ThrashWindow)))
			return &s
		}
	}
	return nil
}

func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	}
	return d.String()
}
