package core

import (
	"sort"
	"sync"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// SessionRegistry is the in-memory table of sessions plus the per-session
// activity subscribers. It is constructed once at startup and shared by
// handle; each table has its own reader-writer lock and no I/O ever happens
// while a lock is held.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]models.Session

	subMu       sync.RWMutex
	subscribers map[string][]*activityQueue
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:    make(map[string]models.Session),
		subscribers: make(map[string][]*activityQueue),
	}
}

// Add admits a new session. It fails with InvalidState if the id is taken.
func (r *SessionRegistry) Add(session models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return InvalidState("session %s already exists", session.ID)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

// Get returns a copy of the session.
func (r *SessionRegistry) Get(id string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, SessionNotFound(id)
	}
	return s.Clone(), nil
}

// List returns copies of all sessions, oldest first.
func (r *SessionRegistry) List() []models.Session {
	r.mu.RLock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces the stored session wholesale.
func (r *SessionRegistry) Update(session models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return SessionNotFound(session.ID)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

// Modify runs fn on a copy of the session and stores the result, all under
// the write lock. fn must not block or do I/O. If fn returns an error the
// stored session is left unchanged.
func (r *SessionRegistry) Modify(id string, fn func(*models.Session) error) (models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, SessionNotFound(id)
	}
	s = s.Clone()
	if err := fn(&s); err != nil {
		return models.Session{}, err
	}
	r.sessions[id] = s
	return s.Clone(), nil
}

// Subscribe registers a new activity receiver for the session. Entries
// broadcast before the call are not replayed. The returned cancel func
// detaches the receiver and closes the channel; it is safe to call twice.
func (r *SessionRegistry) Subscribe(id string) (<-chan models.ActivityEntry, func()) {
	q := newActivityQueue()

	r.subMu.Lock()
	r.subscribers[id] = append(r.subscribers[id], q)
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		subs := r.subscribers[id]
		for i, s := range subs {
			if s == q {
				r.subscribers[id] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(r.subscribers[id]) == 0 {
			delete(r.subscribers, id)
		}
		r.subMu.Unlock()
		q.close()
	}
	return q.out, cancel
}

// Broadcast hands a copy of entry to every live subscriber of the session.
// Queues are unbounded, so a slow or abandoned subscriber never blocks the
// caller.
func (r *SessionRegistry) Broadcast(id string, entry models.ActivityEntry) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, q := range r.subscribers[id] {
		q.push(entry.Clone())
	}
}

// SubscriberCount reports how many receivers are attached to the session.
func (r *SessionRegistry) SubscriberCount(id string) int {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return len(r.subscribers[id])
}

// activityQueue is an unbounded FIFO feeding a channel. A pump goroutine
// moves buffered entries to out until the queue is closed.
type activityQueue struct {
	mu     sync.Mutex
	buf    []models.ActivityEntry
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan models.ActivityEntry
}

func newActivityQueue() *activityQueue {
	q := &activityQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan models.ActivityEntry),
	}
	go q.pump()
	return q
}

func (q *activityQueue) push(e models.ActivityEntry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *activityQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *activityQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-q.done:
				return
			}
			continue
		}
		e := q.buf[0]
		q.buf[0] = models.ActivityEntry{}
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}
