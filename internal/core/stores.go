package core

import (
	"context"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// IterationRunner runs a single coding-agent invocation. Recognised activity
// is sent on out in the order the agent produced it; the runner never closes
// out. Implemented by integration.AgentRunner.
type IterationRunner interface {
	Run(ctx context.Context, prompt, projectDir, model string, out chan<- models.ActivityKind) error
}

// ProjectStore is the subset of storage.ProjectStore the session manager
// needs. Defining it here keeps core independent of the storage package.
type ProjectStore interface {
	InitWorkspace(projectPath string) error
	SavePrd(projectPath string, prd models.Prd) error
	AppendProgress(projectPath, line string) error
}

// GuardrailProvider renders the learned guardrails of a project for
// inclusion in the iteration prompt. An empty string means none.
type GuardrailProvider interface {
	FormatForPrompt(projectPath string) (string, error)
}

// RepositoryChecker reports whether a directory is a git work tree.
// Defining it here avoids importing the integration package.
type RepositoryChecker interface {
	IsRepository(path string) bool
}

// OutcomeNotifier is told when a session reaches an outcome that needs a
// human: gutter, failure or completion.
type OutcomeNotifier interface {
	NotifyOutcome(session models.Session) error
}
