package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Branch is a git branch as listed by ListBranches.
type Branch struct {
	Name      string `json:"name"`
	IsCurrent bool   `json:"is_current"`
	IsRemote  bool   `json:"is_remote"`
}

// GitCommandError reports a failed git or gh invocation.
type GitCommandError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *GitCommandError) Error() string {
	sub := ""
	if len(e.Args) > 0 {
		sub = " " + e.Args[0]
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s%s failed: %s", e.Tool, sub, e.Stderr)
	}
	return fmt.Sprintf("%s%s failed: %v", e.Tool, sub, e.Err)
}

func (e *GitCommandError) Unwrap() error { return e.Err }

// GitOperations wraps the git and gh CLIs for one repository.
type GitOperations interface {
	Fetch() error
	CurrentBranch() (string, error)
	ListBranches() ([]Branch, error)
	// ListRemoteBranches fetches first, then lists remote-tracking branches.
	ListRemoteBranches() ([]string, error)
	Checkout(branch string) error
	// CreateBranch checks out the branch, creating it from HEAD when missing.
	CreateBranch(name string) error
	Merge(source string) error
	// Commit stages every change and commits it.
	Commit(message string) error
	// Push pushes branch to origin with upstream tracking, or the current
	// branch when branch is empty.
	Push(branch string) error
	HasChanges() (bool, error)
	LastCommitMessage() (string, error)
	// CreatePR opens a pull request with gh and returns its URL.
	CreatePR(branch, title, body string) (string, error)
}

// gitOperations implements GitOperations using git and gh CLI commands.
type gitOperations struct {
	repoPath string
}

// NewGitOperations creates GitOperations for the repository at repoPath.
func NewGitOperations(repoPath string) GitOperations {
	return &gitOperations{repoPath: repoPath}
}

// IsRepository reports whether path is the root of a git work tree. A .git
// entry may be a directory or, for worktrees and submodules, a file.
func IsRepository(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// RepoChecker adapts IsRepository to an interface value.
type RepoChecker struct{}

func (RepoChecker) IsRepository(path string) bool { return IsRepository(path) }

func (g *gitOperations) Fetch() error {
	_, err := g.git("fetch", "--all", "--prune")
	return err
}

func (g *gitOperations) CurrentBranch() (string, error) {
	out, err := g.git("branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitOperations) ListBranches() ([]Branch, error) {
	out, err := g.git("branch")
	if err != nil {
		return nil, err
	}
	return parseBranchList(out), nil
}

func (g *gitOperations) ListRemoteBranches() ([]string, error) {
	if err := g.Fetch(); err != nil {
		return nil, err
	}
	out, err := g.git("branch", "-r")
	if err != nil {
		return nil, err
	}
	return parseRemoteBranchList(out), nil
}

func (g *gitOperations) Checkout(branch string) error {
	_, err := g.git("checkout", branch)
	return err
}

func (g *gitOperations) CreateBranch(name string) error {
	out, err := g.git("branch", "--list", name)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		_, err = g.git("checkout", "-b", name)
		return err
	}
	return g.Checkout(name)
}

func (g *gitOperations) Merge(source string) error {
	_, err := g.git("merge", source)
	return err
}

func (g *gitOperations) Commit(message string) error {
	if _, err := g.git("add", "-A"); err != nil {
		return err
	}
	_, err := g.git("commit", "-m", message)
	return err
}

func (g *gitOperations) Push(branch string) error {
	args := []string{"push"}
	if branch != "" {
		args = append(args, "-u", "origin", branch)
	}
	_, err := g.git(args...)
	return err
}

func (g *gitOperations) HasChanges() (bool, error) {
	out, err := g.git("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *gitOperations) LastCommitMessage() (string, error) {
	out, err := g.git("log", "-1", "--pretty=%B")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitOperations) CreatePR(branch, title, body string) (string, error) {
	out, err := g.run("gh", "pr", "create", "--head", branch, "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *gitOperations) git(args ...string) (string, error) {
	return g.run("git", args...)
}

// run executes tool in the repository and returns its stdout.
func (g *gitOperations) run(tool string, args ...string) (string, error) {
	cmd := exec.Command(tool, args...)
	cmd.Dir = g.repoPath
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", &GitCommandError{
			Tool:   tool,
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return string(out), nil
}

// parseBranchList parses `git branch` output, where the current branch is
// prefixed with "* ".
func parseBranchList(out string) []Branch {
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r ")
		if strings.TrimSpace(line) == "" {
			continue
		}
		current := strings.HasPrefix(line, "*")
		name := strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if name == "" {
			continue
		}
		branches = append(branches, Branch{Name: name, IsCurrent: current})
	}
	return branches
}

// parseRemoteBranchList parses `git branch -r` output, skipping symbolic refs
// such as "origin/HEAD -> origin/main".
func parseRemoteBranchList(out string) []string {
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "->") {
			continue
		}
		branches = append(branches, line)
	}
	return branches
}
