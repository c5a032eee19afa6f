package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// maxIterationsReached is the Failed reason when the iteration cap is hit
// before every story passes.
const maxIterationsReached = "Max iterations reached"

// SessionManager defines the operations callers use to drive sessions.
type SessionManager interface {
	Create(projectPath string, config models.SessionConfig) (models.Session, error)
	Get(id string) (models.Session, error)
	List() []models.Session
	Start(id string) (models.Session, error)
	Pause(id string) (models.Session, error)
	Stop(id string) (models.Session, error)
	SetPrd(id string, prd models.Prd) (models.Session, error)
	// SubscribeActivity returns a stream of the session's activity from now
	// on and a func that detaches it.
	SubscribeActivity(id string) (<-chan models.ActivityEntry, func(), error)
	// Wait blocks until every run-loop has exited.
	Wait()
}

// SessionManagerDeps groups the collaborators of the session manager.
// Events and Notifier may be nil.
type SessionManagerDeps struct {
	Registry   *SessionRegistry
	Runner     IterationRunner
	Projects   ProjectStore
	Guardrails GuardrailProvider
	Repos      RepositoryChecker
	Events     EventLogger
	Notifier   OutcomeNotifier
	Gutter     GutterThresholds
	Logger     *slog.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// sessionManager implements SessionManager. One run-loop goroutine exists per
// started session; loops record themselves in loops while alive so that start
// never spawns a second loop for the same session.
type sessionManager struct {
	shutdown   context.Context
	registry   *SessionRegistry
	runner     IterationRunner
	projects   ProjectStore
	guardrails GuardrailProvider
	repos      RepositoryChecker
	events     EventLogger
	notifier   OutcomeNotifier
	gutter     GutterThresholds
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	loops map[string]bool
	wg    sync.WaitGroup
}

// NewSessionManager creates a SessionManager. Cancelling shutdown kills any
// in-flight agent process and ends every run-loop.
func NewSessionManager(shutdown context.Context, deps SessionManagerDeps) SessionManager {
	m := &sessionManager{
		shutdown:   shutdown,
		registry:   deps.Registry,
		runner:     deps.Runner,
		projects:   deps.Projects,
		guardrails: deps.Guardrails,
		repos:      deps.Repos,
		events:     deps.Events,
		notifier:   deps.Notifier,
		gutter:     deps.Gutter,
		logger:     deps.Logger,
		now:        deps.Now,
		loops:      make(map[string]bool),
	}
	if m.registry == nil {
		m.registry = NewSessionRegistry()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.gutter == (GutterThresholds{}) {
		m.gutter = DefaultGutterThresholds()
	}
	return m
}

// Create validates the project directory and admits an Idle session for it.
func (m *sessionManager) Create(projectPath string, config models.SessionConfig) (models.Session, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return models.Session{}, IOError("resolving project path "+projectPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.Session{}, IOError("project path does not exist: "+abs, err)
	}
	if !info.IsDir() {
		return models.Session{}, IOError("project path is not a directory: "+abs, nil)
	}
	if !m.repos.IsRepository(abs) {
		return models.Session{}, GitError("not a git repository: "+abs, nil)
	}
	if err := config.Validate(); err != nil {
		return models.Session{}, InvalidState("invalid session config: %v", err)
	}
	if err := m.projects.InitWorkspace(abs); err != nil {
		return models.Session{}, IOError("initialising .ralph workspace", err)
	}

	now := m.now()
	session := models.Session{
		ID:          uuid.NewString(),
		ProjectPath: abs,
		Status:      models.IdleStatus(),
		Config:      config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.registry.Add(session); err != nil {
		return models.Session{}, err
	}

	m.logger.Info("session created", "session", session.ID, "project", abs)
	m.logEvent(EventSessionCreated, map[string]any{
		"session_id": session.ID,
		"project":    abs,
		"model":      config.ExecutionModel,
	})
	return session, nil
}

func (m *sessionManager) Get(id string) (models.Session, error) {
	return m.registry.Get(id)
}

func (m *sessionManager) List() []models.Session {
	return m.registry.List()
}

// Start moves an Idle or Paused session to Running and makes sure a run-loop
// is alive for it. The returned session carries the placeholder story id
// until the loop selects a real story.
func (m *sessionManager) Start(id string) (models.Session, error) {
	m.mu.Lock()
	if m.shutdown.Err() != nil {
		m.mu.Unlock()
		return models.Session{}, InvalidState("cannot start session %s, shutting down", id)
	}
	var prev models.SessionStatus
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		if !s.Status.Startable() {
			return InvalidState("cannot start session in state %s", s.Status)
		}
		if s.Prd == nil {
			return InvalidState("cannot start session without a PRD, set a PRD first")
		}
		if len(s.Prd.Stories) == 0 {
			return InvalidState("cannot start session with an empty PRD, it must contain at least one story")
		}
		prev = s.Status
		s.Status = models.RunningStatus(models.InitializingStoryID)
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		m.mu.Unlock()
		return models.Session{}, err
	}
	spawned := false
	if !m.loops[id] {
		m.loops[id] = true
		m.wg.Add(1)
		go m.runLoop(id)
		spawned = true
	}
	m.mu.Unlock()

	m.logger.Info("session started", "session", id, "stories", len(session.Prd.Stories), "resumed_loop", !spawned)
	m.logEvent(EventSessionStarted, map[string]any{"session_id": id})
	m.statusChanged(id, prev, session.Status)
	return session, nil
}

// Pause asks the run-loop to stop at its next poll. The in-flight iteration,
// if any, runs to completion.
func (m *sessionManager) Pause(id string) (models.Session, error) {
	var prev models.SessionStatus
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		switch s.Status.State {
		case models.StateRunning, models.StateWaitingForRotation, models.StatePaused:
		default:
			return InvalidState("cannot pause session in state %s", s.Status)
		}
		prev = s.Status
		s.Status = models.PausedStatus()
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	m.logger.Info("session paused", "session", id)
	m.logEvent(EventSessionPaused, map[string]any{"session_id": id})
	m.statusChanged(id, prev, session.Status)
	return session, nil
}

// Stop returns the session to Idle from any state. Like Pause it is observed
// by the run-loop at its next poll.
func (m *sessionManager) Stop(id string) (models.Session, error) {
	var prev models.SessionStatus
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		prev = s.Status
		s.Status = models.IdleStatus()
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	m.logger.Info("session stopped", "session", id)
	m.logEvent(EventSessionStopped, map[string]any{"session_id": id})
	m.statusChanged(id, prev, session.Status)
	return session, nil
}

// SetPrd writes prd.json into the project and attaches the PRD to the
// session. It is refused while the session is actively running.
func (m *sessionManager) SetPrd(id string, prd models.Prd) (models.Session, error) {
	current, err := m.registry.Get(id)
	if err != nil {
		return models.Session{}, err
	}
	if st := current.Status.State; st == models.StateRunning || st == models.StateWaitingForRotation {
		return models.Session{}, InvalidState("cannot replace the PRD while the session is %s", current.Status)
	}
	if err := m.projects.SavePrd(current.ProjectPath, prd); err != nil {
		return models.Session{}, IOError("writing prd.json", err)
	}

	session, err := m.registry.Modify(id, func(s *models.Session) error {
		p := prd.Clone()
		s.Prd = &p
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	m.logger.Info("prd set", "session", id, "stories", len(prd.Stories))
	return session, nil
}

func (m *sessionManager) SubscribeActivity(id string) (<-chan models.ActivityEntry, func(), error) {
	if _, err := m.registry.Get(id); err != nil {
		return nil, nil, err
	}
	ch, cancel := m.registry.Subscribe(id)
	return ch, cancel, nil
}

func (m *sessionManager) Wait() {
	// A Start that got past its shutdown check holds mu until its loop is
	// counted; later ones see the cancelled context.
	m.mu.Lock()
	m.mu.Unlock()
	m.wg.Wait()
}

// runLoop is the body of the per-session goroutine.
func (m *sessionManager) runLoop(id string) {
	defer m.wg.Done()

	// Every exit path removes the loop from m.loops exactly once, under m.mu:
	// poll on a clean exit, finish on a final status.
	err := m.loop(id)
	if err == nil {
		return
	}
	if m.shutdown.Err() != nil {
		m.mu.Lock()
		delete(m.loops, id)
		m.mu.Unlock()
		m.logger.Info("run-loop interrupted by shutdown", "session", id, "error", err)
		return
	}
	m.logger.Error("run-loop failed", "session", id, "error", err)
	m.finish(id, models.FailedStatus(err.Error()), models.ErrorActivity(err.Error()), models.HealthHealthy, EventSessionFailed, nil)
}

func (m *sessionManager) loop(id string) error {
	for {
		session, proceed, err := m.poll(id)
		if err != nil || !proceed {
			return err
		}

		story, ok := session.Prd.NextStory()
		if !ok {
			m.logger.Info("all stories pass", "session", id)
			m.finish(id, models.CompleteStatus(), models.SignalActivity(models.CompleteSignal()), session.Health(), EventSessionComplete, nil)
			return nil
		}
		if session.CurrentIteration >= session.Config.MaxIterations {
			m.logger.Warn("max iterations reached without completion", "session", id, "max", session.Config.MaxIterations)
			m.finish(id, models.FailedStatus(maxIterationsReached), models.ErrorActivity(maxIterationsReached), session.Health(), EventSessionFailed, nil)
			return nil
		}

		running, applied, err := m.setLoopStatus(id, models.RunningStatus(story.ID))
		if err != nil {
			return err
		}
		if !applied {
			// Paused or stopped since the poll; the next poll exits.
			continue
		}

		m.logger.Info("working on story", "session", id, "story", story.ID, "iteration", running.CurrentIteration)
		result, usage, err := m.runIteration(running, story)
		if err != nil {
			return err
		}

		switch result.Outcome {
		case models.OutcomeGutter:
			m.logger.Warn("gutter detected", "session", id, "reason", result.Reason)
			health := usage.Health(running.Config.WarnThreshold, running.Config.RotateThreshold)
			m.finish(id, models.GutterStatus(result.Reason), models.SignalActivity(models.GutterSignal(result.Reason)), health, EventSessionGutter, &usage)
			return nil
		case models.OutcomeRotate:
			if err := m.rotate(id, usage); err != nil {
				return err
			}
		default:
			if err := m.completeStory(id, story.ID, usage); err != nil {
				return err
			}
		}
	}
}

// poll re-reads the session at the top of every iteration. The loop exits
// when the session has been paused or stopped; the decision and the removal
// from loops happen under m.mu so a concurrent Start either sees the loop
// alive and resumes it, or sees it gone and spawns a new one.
func (m *sessionManager) poll(id string) (models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.registry.Get(id)
	if err != nil {
		return models.Session{}, false, err
	}
	if session.Status.Halted() || session.Status.IsTerminal() || session.Status.State == models.StateGutter {
		m.logger.Info("run-loop exiting", "session", id, "status", session.Status.String())
		delete(m.loops, id)
		return session, false, nil
	}
	if session.Prd == nil {
		return session, false, InvalidState("session has no PRD")
	}
	return session, true, nil
}

// setLoopStatus writes a status chosen by the loop itself. It never
// overrides a pause or stop requested from outside.
func (m *sessionManager) setLoopStatus(id string, next models.SessionStatus) (models.Session, bool, error) {
	var prev models.SessionStatus
	applied := false
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		prev = s.Status
		if s.Status.Halted() {
			return nil
		}
		s.Status = next
		s.UpdatedAt = m.now()
		applied = true
		return nil
	})
	if err != nil {
		return models.Session{}, false, err
	}
	if applied {
		m.statusChanged(id, prev, next)
	}
	return session, applied, nil
}

// runIteration runs the agent once and classifies the result. Activity is
// consumed from the runner's channel, passed through the health engine and
// broadcast in arrival order.
func (m *sessionManager) runIteration(session models.Session, story models.Story) (models.IterationResult, models.TokenUsage, error) {
	guardrails, err := m.guardrails.FormatForPrompt(session.ProjectPath)
	if err != nil {
		m.logger.Warn("loading guardrails", "session", session.ID, "error", err)
		guardrails = ""
	}
	prompt, err := BuildIterationPrompt(*session.Prd, story, session.CurrentIteration, guardrails)
	if err != nil {
		return models.IterationResult{}, session.TokenUsage, err
	}

	cfg := session.Config
	engine := NewHealthEngine(session.CurrentIteration, session.TokenUsage, cfg.WarnThreshold, cfg.RotateThreshold, m.gutter)
	engine.SetClock(m.now)

	out := make(chan models.ActivityKind, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- m.runner.Run(m.shutdown, prompt, session.ProjectPath, cfg.ExecutionModel, out)
		close(out)
	}()

	var gutterReason string
	sawGutter, sawComplete := false, false
	for kind := range out {
		entry, sig := engine.ParseActivity(kind)
		m.registry.Broadcast(session.ID, entry)
		if sig == nil {
			continue
		}
		switch sig.Type {
		case models.SignalGutter:
			sawGutter = true
			gutterReason = sig.Reason
		case models.SignalComplete:
			sawComplete = true
		case models.SignalWarn:
			m.logger.Debug("token usage warning", "session", session.ID, "total", engine.TokenUsage().Total)
		case models.SignalRotate:
			m.logger.Debug("rotation threshold reached", "session", session.ID, "total", engine.TokenUsage().Total)
		}
	}
	usage := engine.TokenUsage()
	if err := <-errc; err != nil {
		return models.IterationResult{}, usage, AgentError(fmt.Sprintf("iteration %d on story %s", session.CurrentIteration+1, story.ID), err)
	}

	switch {
	case sawGutter:
		return models.IterationResult{Outcome: models.OutcomeGutter, Reason: gutterReason}, usage, nil
	case usage.Total >= cfg.RotateThreshold:
		return models.IterationResult{Outcome: models.OutcomeRotate}, usage, nil
	case sawComplete:
		m.logger.Info("agent reported completion", "session", session.ID, "story", story.ID)
		return models.IterationResult{Outcome: models.OutcomeStoryComplete}, usage, nil
	default:
		// A clean exit without an explicit marker counts as the story being done.
		return models.IterationResult{Outcome: models.OutcomeStoryComplete}, usage, nil
	}
}

// completeStory marks the story passing, persists prd.json and the progress
// log, then broadcasts. The disk write happens before the broadcast.
func (m *sessionManager) completeStory(id, storyID string, usage models.TokenUsage) error {
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		if s.Prd != nil && !s.Prd.MarkPassed(storyID) {
			m.logger.Warn("story not found or already passing", "session", id, "story", storyID)
		}
		s.CurrentIteration++
		s.TokenUsage = usage
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	if session.Prd != nil {
		if err := m.projects.SavePrd(session.ProjectPath, *session.Prd); err != nil {
			return IOError("writing prd.json", err)
		}
	}
	line := fmt.Sprintf("- %s: story %s completed (iteration %d, %d tokens)", m.now().UTC().Format(time.RFC3339), storyID, session.CurrentIteration, usage.Total)
	if err := m.projects.AppendProgress(session.ProjectPath, line); err != nil {
		return IOError("appending progress log", err)
	}

	m.logger.Info("story completed", "session", id, "story", storyID, "iteration", session.CurrentIteration)
	m.logEvent(EventStoryCompleted, map[string]any{
		"session_id": id,
		"story_id":   storyID,
		"iteration":  session.CurrentIteration,
		"tokens":     usage.Total,
	})
	m.registry.Broadcast(id, models.ActivityEntry{
		Timestamp: m.now(),
		Iteration: session.CurrentIteration,
		Kind:      models.SignalActivity(models.StoryCompleteSignal(storyID)),
		Health:    session.Health(),
	})
	return nil
}

// rotate starts a fresh context epoch for the same story.
func (m *sessionManager) rotate(id string, usage models.TokenUsage) error {
	var prev models.SessionStatus
	applied := false
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		s.CurrentIteration++
		s.TokenUsage = models.TokenUsage{}
		s.UpdatedAt = m.now()
		if !s.Status.Halted() {
			prev = s.Status
			s.Status = models.WaitingForRotationStatus()
			applied = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		m.statusChanged(id, prev, session.Status)
	}

	m.logger.Info("context rotated", "session", id, "iteration", session.CurrentIteration, "tokens", usage.Total)
	m.logEvent(EventContextRotated, map[string]any{
		"session_id": id,
		"iteration":  session.CurrentIteration,
		"tokens":     usage.Total,
	})
	m.registry.Broadcast(id, models.ActivityEntry{
		Timestamp: m.now(),
		Iteration: session.CurrentIteration,
		Kind:      models.SignalActivity(models.RotateSignal()),
		Health:    models.HealthCritical,
	})
	return nil
}

// finish writes a final status for the loop, which overrides a pending
// pause or stop, then broadcasts the closing entry and notifies.
func (m *sessionManager) finish(id string, status models.SessionStatus, kind models.ActivityKind, health models.ContextHealth, eventType string, usage *models.TokenUsage) {
	var prev models.SessionStatus
	m.mu.Lock()
	session, err := m.registry.Modify(id, func(s *models.Session) error {
		prev = s.Status
		s.Status = status
		if usage != nil {
			s.TokenUsage = *usage
		}
		s.UpdatedAt = m.now()
		return nil
	})
	delete(m.loops, id)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("recording final status", "session", id, "status", status.String(), "error", err)
		return
	}

	m.statusChanged(id, prev, status)
	data := map[string]any{"session_id": id, "iteration": session.CurrentIteration}
	switch status.State {
	case models.StateGutter:
		data["reason"] = status.Reason
	case models.StateFailed:
		data["error"] = status.Error
	}
	m.logEvent(eventType, data)

	m.registry.Broadcast(id, models.ActivityEntry{
		Timestamp: m.now(),
		Iteration: session.CurrentIteration,
		Kind:      kind,
		Health:    health,
	})

	if m.notifier != nil {
		if err := m.notifier.NotifyOutcome(session); err != nil {
			m.logger.Warn("sending notification", "session", id, "error", err)
		}
	}
}

func (m *sessionManager) statusChanged(id string, prev, next models.SessionStatus) {
	if prev == next {
		return
	}
	m.logEvent(EventSessionStatusChanged, map[string]any{
		"session_id": id,
		"old_status": string(prev.State),
		"new_status": string(next.State),
	})
}

func (m *sessionManager) logEvent(eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.LogEvent(eventType, data); err != nil {
		m.logger.Warn("writing event", "type", eventType, "error", err)
	}
}
