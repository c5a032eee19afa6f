package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/ralph/pkg/models"
)

func testSession(id string, created time.Time) models.Session {
	prd := models.Prd{Project: "demo", Stories: []models.Story{{ID: "US-001", Title: "First", Priority: 1}}}
	return models.Session{
		ID:          id,
		ProjectPath: "/tmp/" + id,
		Status:      models.IdleStatus(),
		Config:      models.DefaultSessionConfig(),
		Prd:         &prd,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func receive(t *testing.T, ch <-chan models.ActivityEntry) models.ActivityEntry {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activity")
	}
	return models.ActivityEntry{}
}

func TestRegistry_AddGetList(t *testing.T) {
	r := NewSessionRegistry()
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	if err := r.Add(testSession("b", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(testSession("a", base)); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(testSession("a", base)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("duplicate add error = %v, want invalid state", err)
	}

	got, err := r.Get("b")
	if err != nil || got.ID != "b" {
		t.Fatalf("Get(b) = %+v, %v", got, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("List order = %v, want oldest first", []string{list[0].ID, list[1].ID})
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := NewSessionRegistry()
	s := testSession("s1", time.Now())
	if err := r.Add(s); err != nil {
		t.Fatal(err)
	}

	// Mutating the original or a returned copy must not leak into the registry.
	s.Prd.Stories[0].Passes = true
	got, _ := r.Get("s1")
	if got.Prd.Stories[0].Passes {
		t.Fatal("registry shares the PRD with the caller of Add")
	}
	got.Prd.Stories[0].Title = "changed"
	again, _ := r.Get("s1")
	if again.Prd.Stories[0].Title != "First" {
		t.Fatal("registry shares the PRD with the caller of Get")
	}
}

func TestRegistry_ModifyAndUpdate(t *testing.T) {
	r := NewSessionRegistry()
	if err := r.Add(testSession("s1", time.Now())); err != nil {
		t.Fatal(err)
	}

	got, err := r.Modify("s1", func(s *models.Session) error {
		s.CurrentIteration = 3
		return nil
	})
	if err != nil || got.CurrentIteration != 3 {
		t.Fatalf("Modify = %+v, %v", got, err)
	}

	boom := errors.New("boom")
	if _, err := r.Modify("s1", func(s *models.Session) error {
		s.CurrentIteration = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Modify error = %v", err)
	}
	if s, _ := r.Get("s1"); s.CurrentIteration != 3 {
		t.Errorf("failed Modify changed the session: iteration %d", s.CurrentIteration)
	}

	if _, err := r.Modify("missing", func(*models.Session) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Modify(missing) error = %v", err)
	}

	got.Status = models.PausedStatus()
	if err := r.Update(got); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Get("s1"); s.Status.State != models.StatePaused {
		t.Errorf("Update not stored, status %s", s.Status.State)
	}
	if err := r.Update(testSession("missing", time.Now())); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
}

func TestRegistry_BroadcastFanOut(t *testing.T) {
	r := NewSessionRegistry()
	ch1, cancel1 := r.Subscribe("s1")
	ch2, cancel2 := r.Subscribe("s1")
	other, cancelOther := r.Subscribe("s2")
	defer cancel2()
	defer cancelOther()

	if n := r.SubscriberCount("s1"); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	for i := 1; i <= 3; i++ {
		r.Broadcast("s1", models.ActivityEntry{Iteration: i, Kind: models.ShellActivity("ls", 0)})
	}
	for _, ch := range []<-chan models.ActivityEntry{ch1, ch2} {
		for i := 1; i <= 3; i++ {
			if e := receive(t, ch); e.Iteration != i {
				t.Fatalf("entry %d has iteration %d, out of order", i, e.Iteration)
			}
		}
	}

	select {
	case e := <-other:
		t.Fatalf("subscriber of another session received %+v", e)
	default:
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("cancelled channel still open")
	}
	if n := r.SubscriberCount("s1"); n != 1 {
		t.Errorf("SubscriberCount after cancel = %d, want 1", n)
	}
}

func TestRegistry_SlowSubscriberNeverBlocks(t *testing.T) {
	r := NewSessionRegistry()
	ch, cancel := r.Subscribe("s1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			r.Broadcast("s1", models.ActivityEntry{Iteration: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a subscriber that is not reading")
	}

	for i := 0; i < 10_000; i++ {
		if e := receive(t, ch); e.Iteration != i {
			t.Fatalf("entry %d has iteration %d", i, e.Iteration)
		}
	}
}

func TestRegistry_LateSubscriberSeesNoHistory(t *testing.T) {
	r := NewSessionRegistry()
	r.Broadcast("s1", models.ActivityEntry{Iteration: 1})

	ch, cancel := r.Subscribe("s1")
	defer cancel()
	r.Broadcast("s1", models.ActivityEntry{Iteration: 2})

	if e := receive(t, ch); e.Iteration != 2 {
		t.Errorf("first entry iteration = %d, want 2", e.Iteration)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewSessionRegistry()
	if err := r.Add(testSession("s1", time.Now())); err != nil {
		t.Fatal(err)
	}
	ch, cancel := r.Subscribe("s1")
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = r.Modify("s1", func(s *models.Session) error {
					s.CurrentIteration++
					return nil
				})
				_, _ = r.Get("s1")
				_ = r.List()
				r.Broadcast("s1", models.ActivityEntry{Iteration: i})
			}
		}()
	}
	go func() {
		for range ch {
		}
	}()
	wg.Wait()

	if s, _ := r.Get("s1"); s.CurrentIteration != 800 {
		t.Errorf("CurrentIteration = %d, want 800", s.CurrentIteration)
	}
}
