package cli

import (
	"fmt"
	"sync"
	"time"

	"github.com/valter-silva-au/ralph/internal/core"
	"github.com/valter-silva-au/ralph/internal/integration"
	"github.com/valter-silva-au/ralph/pkg/models"
)

// fakeSessions is an in-memory SessionManager. Start jumps straight to
// finalStatus and marks every story passing when that status is complete.
type fakeSessions struct {
	mu          sync.Mutex
	sessions    map[string]models.Session
	finalStatus models.SessionStatus
	activity    []models.ActivityEntry
	calls       []string
	createErr   error
	detached    bool
}

func newFakeSessions(final models.SessionStatus) *fakeSessions {
	return &fakeSessions{sessions: make(map[string]models.Session), finalStatus: final}
}

func (f *fakeSessions) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeSessions) Create(projectPath string, cfg models.SessionConfig) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.createErr != nil {
		return models.Session{}, f.createErr
	}
	s := models.Session{
		ID:          fmt.Sprintf("sess-%d", len(f.sessions)+1),
		ProjectPath: projectPath,
		Status:      models.IdleStatus(),
		Config:      cfg,
		CreatedAt:   time.Now(),
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessions) Get(id string) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, core.SessionNotFound(id)
	}
	return s.Clone(), nil
}

func (f *fakeSessions) List() []models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out
}

func (f *fakeSessions) Start(id string) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, core.SessionNotFound(id)
	}
	started := s.Clone()
	started.Status = models.RunningStatus(models.InitializingStoryID)

	s.Status = f.finalStatus
	s.CurrentIteration = 1
	if f.finalStatus.State == models.StateComplete && s.Prd != nil {
		for i := range s.Prd.Stories {
			s.Prd.Stories[i].Passes = true
		}
	}
	f.sessions[id] = s
	return started, nil
}

func (f *fakeSessions) Pause(id string) (models.Session, error) {
	return f.setStatus(id, "pause", models.PausedStatus())
}

func (f *fakeSessions) Stop(id string) (models.Session, error) {
	return f.setStatus(id, "stop", models.IdleStatus())
}

func (f *fakeSessions) setStatus(id, call string, status models.SessionStatus) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(call)
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, core.SessionNotFound(id)
	}
	s.Status = status
	f.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeSessions) SetPrd(id string, prd models.Prd) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_prd")
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, core.SessionNotFound(id)
	}
	cp := prd.Clone()
	s.Prd = &cp
	f.sessions[id] = s
	return s.Clone(), nil
}

func (f *fakeSessions) SubscribeActivity(id string) (<-chan models.ActivityEntry, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("subscribe")
	if _, ok := f.sessions[id]; !ok {
		return nil, nil, core.SessionNotFound(id)
	}
	ch := make(chan models.ActivityEntry, len(f.activity))
	for _, e := range f.activity {
		ch <- e
	}
	return ch, func() {
		f.mu.Lock()
		f.detached = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeSessions) Wait() {}

func (f *fakeSessions) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeGit records the git operations the CLI performs.
type fakeGit struct {
	branches  []integration.Branch
	remotes   []string
	dirty     bool
	calls     []string
	prTitle   string
	prBody    string
	pushErr   error
	branchErr error
}

var _ integration.GitOperations = (*fakeGit)(nil)

func (g *fakeGit) Fetch() error { g.calls = append(g.calls, "fetch"); return nil }

func (g *fakeGit) CurrentBranch() (string, error) {
	for _, b := range g.branches {
		if b.IsCurrent {
			return b.Name, nil
		}
	}
	return "main", nil
}

func (g *fakeGit) ListBranches() ([]integration.Branch, error) { return g.branches, nil }

func (g *fakeGit) ListRemoteBranches() ([]string, error) { return g.remotes, nil }

func (g *fakeGit) Checkout(branch string) error {
	g.calls = append(g.calls, "checkout "+branch)
	return nil
}

func (g *fakeGit) CreateBranch(name string) error {
	g.calls = append(g.calls, "branch "+name)
	return g.branchErr
}

func (g *fakeGit) Merge(source string) error { return nil }

func (g *fakeGit) Commit(message string) error {
	g.calls = append(g.calls, "commit "+message)
	return nil
}

func (g *fakeGit) Push(branch string) error {
	g.calls = append(g.calls, "push "+branch)
	return g.pushErr
}

func (g *fakeGit) HasChanges() (bool, error) { return g.dirty, nil }

func (g *fakeGit) LastCommitMessage() (string, error) { return "", nil }

func (g *fakeGit) CreatePR(branch, title, body string) (string, error) {
	g.calls = append(g.calls, "pr "+branch)
	g.prTitle, g.prBody = title, body
	return "https://github.com/acme/app/pull/7", nil
}

func samplePrd() models.Prd {
	return models.Prd{
		Project:     "todo-app",
		BranchName:  "ralph/todo-app",
		Description: "A small todo service",
		Stories: []models.Story{
			{ID: "US-001", Title: "Add task model", Priority: 1},
			{ID: "US-002", Title: "List tasks", Priority: 2},
		},
	}
}
