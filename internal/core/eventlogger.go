package core

// EventLogger records session lifecycle events. The observability event log
// implements it through an adapter in the app wiring, so core does not
// import observability.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) error
}

// Lifecycle event types written by the session manager.
const (
	EventSessionCreated       = "session.created"
	EventSessionStarted       = "session.started"
	EventSessionPaused        = "session.paused"
	EventSessionStopped       = "session.stopped"
	EventSessionStatusChanged = "session.status_changed"
	EventStoryCompleted       = "story.completed"
	EventContextRotated       = "context.rotated"
	EventSessionGutter        = "session.gutter"
	EventSessionFailed        = "session.failed"
	EventSessionComplete      = "session.complete"
)
