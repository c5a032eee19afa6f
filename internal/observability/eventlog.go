package observability

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is one session lifecycle record, e.g. "session.created" or
// "story.completed". Data carries at least "session_id".
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Type    string         `json:"type"`
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}

// SessionID returns the "session_id" data field of the event, if any.
func (e Event) SessionID() string {
	id, _ := e.Data["session_id"].(string)
	return id
}

// EventFilter selects events. Zero fields match everything; Types matches
// any of the listed types.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	Types     []string
	Level     string
	SessionID string
}

func (f EventFilter) match(e Event) bool {
	switch {
	case f.Since != nil && e.Time.Before(*f.Since):
		return false
	case f.Until != nil && e.Time.After(*f.Until):
		return false
	case len(f.Types) > 0 && !slices.Contains(f.Types, e.Type):
		return false
	case f.Level != "" && e.Level != f.Level:
		return false
	case f.SessionID != "" && e.SessionID() != f.SessionID:
		return false
	}
	return true
}

// ErrEventLogClosed is returned by Write after Close.
var ErrEventLogClosed = errors.New("event log closed")

// maxEventLineSize bounds one encoded event; agent error messages can be long.
const maxEventLineSize = 1024 * 1024

// EventLog appends and queries lifecycle events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

// jsonlEventLog keeps one JSON object per line. Every event is written with a
// single O_APPEND write so several ralph processes can share the file.
type jsonlEventLog struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewJSONLEventLog opens (or creates) the JSONL log at path.
func NewJSONLEventLog(path string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{path: path, file: f}, nil
}

func (l *jsonlEventLog) Write(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event.Type, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrEventLogClosed
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("appending %s event: %w", event.Type, err)
	}
	return nil
}

// Read returns the matching events in file order. Lines that do not decode,
// such as a record cut short by a crash, are skipped.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	events, err := decodeEvents(f, filter)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.path, err)
	}
	return events, nil
}

func decodeEvents(r io.Reader, filter EventFilter) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	for sc.Scan() {
		var e Event
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		if filter.match(e) {
			events = append(events, e)
		}
	}
	return events, sc.Err()
}

// Close releases the file. Later writes fail with ErrEventLogClosed; reads
// keep working.
func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}
