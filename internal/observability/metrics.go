package observability

import (
	"fmt"
	"time"
)

// Metrics holds session metrics derived from the event log.
type Metrics struct {
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
	OldestEvent      *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent      *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

// metricsCalculator implements MetricsCalculator by reading from an EventLog.
type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a new MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them.
// SessionsByStatus counts each session once, under the last status it was
// seen moving to.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		SessionsByStatus: make(map[string]int),
	}
	m.EventCount = len(events)

	latest := make(map[string]string)
	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case "session.created":
			m.SessionsCreated++
			if id := event.SessionID(); id != "" {
				latest[id] = "idle"
			}
		case "session.started":
			m.SessionsStarted++
		case "story.completed":
			m.StoriesCompleted++
			m.TokensSpent += intField(event.Data, "tokens")
		case "context.rotated":
			m.Rotations++
			m.TokensSpent += intField(event.Data, "tokens")
		case "session.gutter":
			m.Gutters++
		case "session.failed":
			m.Failures++
		case "session.complete":
			m.Completions++
		case "session.status_changed":
			if status, ok := event.Data["new_status"].(string); ok {
				if id := event.SessionID(); id != "" {
					latest[id] = status
				}
			}
		}
	}

	for _, status := range latest {
		m.SessionsByStatus[status]++
	}
	return m, nil
}

// intField reads a numeric data field. Values decoded from JSON are float64.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ParseSince parses a human-friendly window like "7d", "30d", or "24h" into
// the corresponding time before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d or h)", string(suffix))
	}
}
