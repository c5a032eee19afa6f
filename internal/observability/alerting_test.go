package observability

import (
	"testing"
	"time"
)

func newTestEngine(t *testing.T, log EventLog, now time.Time) AlertEngine {
	t.Helper()
	ae := NewAlertEngine(log, DefaultAlertThresholds()).(*alertEngine)
	ae.now = func() time.Time { return now }
	return ae
}

func findAlert(alerts []Alert, id string) (Alert, bool) {
	for _, a := range alerts {
		if a.ID == id {
			return a, true
		}
	}
	return Alert{}, false
}

func TestAlertEngine_GutterAlert(t *testing.T) {
	log := newTestLog(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writeEvents(t, log,
		Event{Time: now.Add(-time.Hour), Type: "session.created", Data: map[string]any{"session_id": "s1"}},
		Event{Time: now.Add(-time.Minute), Type: "session.status_changed", Data: map[string]any{"session_id": "s1", "new_status": "gutter"}},
		Event{Time: now.Add(-time.Minute), Type: "session.gutter", Data: map[string]any{"session_id": "s1", "reason": "Same command failed 3 times"}},
	)

	alerts, err := newTestEngine(t, log, now).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	a, ok := findAlert(alerts, "gutter-s1")
	if !ok {
		t.Fatalf("expected gutter alert, got %+v", alerts)
	}
	if a.Severity != SeverityHigh || a.Condition != "session_gutter" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.Message != "session s1 is stuck: Same command failed 3 times" {
		t.Errorf("Message = %q", a.Message)
	}
}

func TestAlertEngine_RestartClearsGutter(t *testing.T) {
	log := newTestLog(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writeEvents(t, log,
		Event{Time: now.Add(-10 * time.Minute), Type: "session.status_changed", Data: map[string]any{"session_id": "s1", "new_status": "gutter"}},
		Event{Time: now.Add(-5 * time.Minute), Type: "session.status_changed", Data: map[string]any{"session_id": "s1", "new_status": "idle"}},
	)

	alerts, err := newTestEngine(t, log, now).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", alerts)
	}
}

func TestAlertEngine_FailedAlert(t *testing.T) {
	log := newTestLog(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writeEvents(t, log,
		Event{Time: now, Type: "session.status_changed", Data: map[string]any{"session_id": "s2", "new_status": "failed"}},
		Event{Time: now, Type: "session.failed", Data: map[string]any{"session_id": "s2", "error": "Max iterations reached"}},
	)

	alerts, err := newTestEngine(t, log, now).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	a, ok := findAlert(alerts, "failed-s2")
	if !ok {
		t.Fatalf("expected failed alert, got %+v", alerts)
	}
	if a.Message != "session s2 failed: Max iterations reached" {
		t.Errorf("Message = %q", a.Message)
	}
}

func TestAlertEngine_StalledRunningSession(t *testing.T) {
	log := newTestLog(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writeEvents(t, log,
		Event{Time: now.Add(-2 * time.Hour), Type: "session.status_changed", Data: map[string]any{"session_id": "old", "new_status": "running"}},
		Event{Time: now.Add(-5 * time.Minute), Type: "session.status_changed", Data: map[string]any{"session_id": "fresh", "new_status": "running"}},
	)

	alerts, err := newTestEngine(t, log, now).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	if _, ok := findAlert(alerts, "stalled-old"); !ok {
		t.Errorf("expected stalled alert for old session, got %+v", alerts)
	}
	if _, ok := findAlert(alerts, "stalled-fresh"); ok {
		t.Error("fresh session must not be reported as stalled")
	}
}

func TestAlertEngine_TooManyRotations(t *testing.T) {
	log := newTestLog(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		writeEvents(t, log, Event{Time: now, Type: "context.rotated", Data: map[string]any{"session_id": "s3"}})
	}

	alerts, err := newTestEngine(t, log, now).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	a, ok := findAlert(alerts, "rotations-s3")
	if !ok {
		t.Fatalf("expected rotations alert, got %+v", alerts)
	}
	if a.Severity != SeverityLow {
		t.Errorf("Severity = %s, want low", a.Severity)
	}
}

func TestAlertEngine_IgnoresEventsWithoutSession(t *testing.T) {
	log := newTestLog(t)
	writeEvents(t, log, Event{Time: time.Now().UTC(), Type: "server.started"})

	alerts, err := NewAlertEngine(log, DefaultAlertThresholds()).Evaluate()
	if err != nil {
		t.Fatalf("evaluating alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", alerts)
	}
}
