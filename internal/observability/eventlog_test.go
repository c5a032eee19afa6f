package observability

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openLog(t *testing.T) (EventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	log, err := NewJSONLEventLog(path)
	if err != nil {
		t.Fatalf("NewJSONLEventLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log, path
}

func sessionEvent(at time.Time, typ, level, session string) Event {
	return Event{Time: at, Level: level, Type: typ, Message: typ, Data: map[string]any{"session_id": session}}
}

func TestEventLog_Filters(t *testing.T) {
	log, _ := openLog(t)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for _, e := range []Event{
		sessionEvent(base, "session.created", LevelInfo, "a"),
		sessionEvent(base.Add(time.Minute), "story.completed", LevelInfo, "a"),
		sessionEvent(base.Add(2*time.Minute), "session.gutter", LevelWarn, "b"),
		sessionEvent(base.Add(3*time.Minute), "session.failed", LevelError, "a"),
	} {
		if err := log.Write(e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	since, until := base.Add(time.Minute), base.Add(2*time.Minute)
	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"all", EventFilter{}, []string{"session.created", "story.completed", "session.gutter", "session.failed"}},
		{"window", EventFilter{Since: &since, Until: &until}, []string{"story.completed", "session.gutter"}},
		{"types", EventFilter{Types: []string{"session.gutter", "session.failed"}}, []string{"session.gutter", "session.failed"}},
		{"level", EventFilter{Level: LevelWarn}, []string{"session.gutter"}},
		{"session", EventFilter{SessionID: "a", Since: &since}, []string{"story.completed", "session.failed"}},
		{"nothing", EventFilter{SessionID: "zzz"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := log.Read(tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var types []string
			for _, e := range got {
				types = append(types, e.Type)
			}
			if strings.Join(types, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Read = %v, want %v", types, tt.want)
			}
		})
	}
}

func TestEventLog_FillsTimeAndLevel(t *testing.T) {
	log, _ := openLog(t)
	before := time.Now().UTC().Add(-time.Second)

	if err := log.Write(Event{Type: "session.started", Data: map[string]any{"session_id": "s"}}); err != nil {
		t.Fatal(err)
	}
	got, err := log.Read(EventFilter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("Read = %v, %v", got, err)
	}
	if got[0].Level != LevelInfo || got[0].Time.Before(before) || got[0].SessionID() != "s" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestEventLog_SkipsDamagedLines(t *testing.T) {
	log, path := openLog(t)
	if err := log.Write(sessionEvent(time.Now(), "session.created", LevelInfo, "a")); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("not json\n\n{\"time\":\"2025-")
	_ = f.Close()

	got, err := log.Read(EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("Read returned %d events, want only the intact one", len(got))
	}
}

func TestEventLog_LongMessages(t *testing.T) {
	log, _ := openLog(t)
	long := strings.Repeat("x", 200*1024)
	e := sessionEvent(time.Now(), "session.failed", LevelError, "a")
	e.Data["error"] = long
	if err := log.Write(e); err != nil {
		t.Fatal(err)
	}
	got, err := log.Read(EventFilter{})
	if err != nil || len(got) != 1 || got[0].Data["error"] != long {
		t.Errorf("long event not read back: %d events, %v", len(got), err)
	}
}

func TestEventLog_MissingFileReadsEmpty(t *testing.T) {
	log, path := openLog(t)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	got, err := log.Read(EventFilter{})
	if err != nil || got != nil {
		t.Errorf("Read = %v, %v; want nil, nil", got, err)
	}
}

func TestEventLog_WriteAfterClose(t *testing.T) {
	log, _ := openLog(t)
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := log.Write(Event{Type: "session.created"}); !errors.Is(err, ErrEventLogClosed) {
		t.Errorf("Write after Close = %v, want ErrEventLogClosed", err)
	}
	if _, err := log.Read(EventFilter{}); err != nil {
		t.Errorf("Read after Close = %v", err)
	}
}

func TestEventLog_ConcurrentWriters(t *testing.T) {
	log, _ := openLog(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = log.Write(sessionEvent(time.Now(), "context.rotated", LevelInfo, "s"))
			}
		}()
	}
	wg.Wait()

	got, err := log.Read(EventFilter{Types: []string{"context.rotated"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 400 {
		t.Errorf("Read returned %d events, want 400", len(got))
	}
}
