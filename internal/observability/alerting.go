package observability

import (
	"fmt"
	"sort"
	"time"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts should fire.
type AlertThresholds struct {
	// StalledMinutes is how long a running session may go without any
	// event before it counts as stalled.
	StalledMinutes int `yaml:"stalled_threshold_minutes" json:"stalled_threshold_minutes"`
	// MaxRotations is how many context rotations one session may need
	// before it is flagged.
	MaxRotations int `yaml:"max_rotations" json:"max_rotations"`
}

// DefaultAlertThresholds returns sensible defaults for alert thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		StalledMinutes: 30,
		MaxRotations:   5,
	}
}

// AlertEngine evaluates alert conditions against the event log.
type AlertEngine interface {
	Evaluate() ([]Alert, error)
}

// alertEngine implements AlertEngine by reading events and checking thresholds.
type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates a new AlertEngine with the given EventLog and thresholds.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// sessionState is the alerting view of one session, rebuilt from events.
type sessionState struct {
	status    string
	lastEvent time.Time
	rotations int
	reason    string
	failure   string
}

// Evaluate reads events and checks all alert conditions, returning any
// triggered alerts ordered by ID.
func (ae *alertEngine) Evaluate() ([]Alert, error) {
	events, err := ae.eventLog.Read(EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading events for alerts: %w", err)
	}

	now := ae.now()
	sessions := replaySessions(events)

	var alerts []Alert
	alerts = append(alerts, ae.checkGutters(sessions, now)...)
	alerts = append(alerts, ae.checkFailures(sessions, now)...)
	alerts = append(alerts, ae.checkStalled(sessions, now)...)
	alerts = append(alerts, ae.checkRotations(sessions, now)...)

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts, nil
}

// replaySessions folds the event stream into the latest state per session.
func replaySessions(events []Event) map[string]*sessionState {
	sessions := make(map[string]*sessionState)
	for _, event := range events {
		id := event.SessionID()
		if id == "" {
			continue
		}
		st, ok := sessions[id]
		if !ok {
			st = &sessionState{status: "idle"}
			sessions[id] = st
		}
		if event.Time.After(st.lastEvent) {
			st.lastEvent = event.Time
		}

		switch event.Type {
		case "session.status_changed":
			if status, ok := event.Data["new_status"].(string); ok {
				st.status = status
			}
		case "context.rotated":
			st.rotations++
		case "session.gutter":
			st.reason, _ = event.Data["reason"].(string)
		case "session.failed":
			st.failure, _ = event.Data["error"].(string)
		}
	}
	return sessions
}

// checkGutters reports sessions whose last status is gutter.
func (ae *alertEngine) checkGutters(sessions map[string]*sessionState, now time.Time) []Alert {
	var alerts []Alert
	for id, st := range sessions {
		if st.status != "gutter" {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          fmt.Sprintf("gutter-%s", id),
			Condition:   "session_gutter",
			Severity:    SeverityHigh,
			Message:     fmt.Sprintf("session %s is stuck: %s", id, st.reason),
			TriggeredAt: now,
		})
	}
	return alerts
}

// checkFailures reports sessions whose last status is failed.
func (ae *alertEngine) checkFailures(sessions map[string]*sessionState, now time.Time) []Alert {
	var alerts []Alert
	for id, st := range sessions {
		if st.status != "failed" {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          fmt.Sprintf("failed-%s", id),
			Condition:   "session_failed",
			Severity:    SeverityHigh,
			Message:     fmt.Sprintf("session %s failed: %s", id, st.failure),
			TriggeredAt: now,
		})
	}
	return alerts
}

// checkStalled looks for running sessions with no event for longer than the
// threshold.
func (ae *alertEngine) checkStalled(sessions map[string]*sessionState, now time.Time) []Alert {
	threshold := time.Duration(ae.thresholds.StalledMinutes) * time.Minute
	var alerts []Alert
	for id, st := range sessions {
		if st.status != "running" && st.status != "waiting_for_rotation" {
			continue
		}
		if now.Sub(st.lastEvent) <= threshold {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          fmt.Sprintf("stalled-%s", id),
			Condition:   "session_stalled",
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("session %s has had no activity for more than %d minutes", id, ae.thresholds.StalledMinutes),
			TriggeredAt: now,
		})
	}
	return alerts
}

// checkRotations flags sessions that needed more context rotations than
// allowed, which usually means stories are too large.
func (ae *alertEngine) checkRotations(sessions map[string]*sessionState, now time.Time) []Alert {
	var alerts []Alert
	for id, st := range sessions {
		if st.rotations <= ae.thresholds.MaxRotations {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          fmt.Sprintf("rotations-%s", id),
			Condition:   "too_many_rotations",
			Severity:    SeverityLow,
			Message:     fmt.Sprintf("session %s rotated context %d times, exceeding the maximum of %d", id, st.rotations, ae.thresholds.MaxRotations),
			TriggeredAt: now,
		})
	}
	return alerts
}
