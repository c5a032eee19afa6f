package integration

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/valter-silva-au/ralph/pkg/models"
)

// Failure classes of an agent run. Every error returned by AgentRunner.Run
// is an *AgentError matching exactly one of them with errors.Is.
var (
	ErrSpawn          = errors.New("spawning agent")
	ErrAgentTimeout   = errors.New("agent timed out")
	ErrAgentCancelled = errors.New("agent cancelled")
	ErrAgentExit      = errors.New("agent exited with non-zero status")
)

// AgentError describes a failed agent run. ExitCode is set for ErrAgentExit.
type AgentError struct {
	Kind     error
	ExitCode int
	Err      error
}

func (e *AgentError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrAgentExit):
		return fmt.Sprintf("%v: exit status %d", e.Kind, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *AgentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AgentRunnerConfig configures how the coding-agent CLI is invoked.
type AgentRunnerConfig struct {
	// Command is the agent executable, cursor-agent by default.
	Command string
	// Timeout bounds one whole invocation, streaming and exit included.
	Timeout time.Duration
	// SpawnRetries is how many times a transient spawn failure is retried.
	// Zero means the default, a negative value disables retries.
	SpawnRetries int
	// SpawnBackoff is the first retry delay; it doubles on every attempt.
	SpawnBackoff time.Duration
	// Classify turns one stdout line into an activity. Lines it rejects
	// are ignored.
	Classify func(line []byte) (models.ActivityKind, bool)
	Logger   *slog.Logger
}

// AgentRunner runs one non-interactive coding-agent invocation.
type AgentRunner interface {
	Run(ctx context.Context, prompt, projectDir, model string, out chan<- models.ActivityKind) error
}

type agentRunner struct {
	command  string
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	classify func([]byte) (models.ActivityKind, bool)
	logger   *slog.Logger

	// Replaced in tests.
	start func(*exec.Cmd) error
	sleep func(context.Context, time.Duration) error
}

// NewAgentRunner creates an AgentRunner. Zero fields in cfg take the
// defaults: cursor-agent, 10 minutes, 3 retries, 100ms.
func NewAgentRunner(cfg AgentRunnerConfig) AgentRunner {
	return newAgentRunner(cfg)
}

func newAgentRunner(cfg AgentRunnerConfig) *agentRunner {
	r := &agentRunner{
		command:  cfg.Command,
		timeout:  cfg.Timeout,
		retries:  cfg.SpawnRetries,
		backoff:  cfg.SpawnBackoff,
		classify: cfg.Classify,
		logger:   cfg.Logger,
		start:    (*exec.Cmd).Start,
		sleep:    sleepContext,
	}
	if r.command == "" {
		r.command = "cursor-agent"
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Minute
	}
	if r.retries < 0 {
		r.retries = 0
	} else if r.retries == 0 {
		r.retries = 3
	}
	if r.backoff <= 0 {
		r.backoff = 100 * time.Millisecond
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.classify == nil {
		r.classify = func([]byte) (models.ActivityKind, bool) { return models.ActivityKind{}, false }
	}
	return r
}

// AgentArgs returns the command-line arguments for a non-interactive run
// that streams JSON lines.
func AgentArgs(prompt, model string) []string {
	return []string{"-p", "--output-format", "stream-json", "--force", "--model", model, prompt}
}

// BuildAgentEnv appends RALPH_* variables describing the run to base.
func BuildAgentEnv(base []string, projectDir, model string) []string {
	env := make([]string, len(base), len(base)+2)
	copy(env, base)
	return append(env,
		"RALPH_PROJECT_PATH="+projectDir,
		"RALPH_MODEL="+model,
	)
}

// Run spawns the agent in projectDir and streams classified activity to out
// until the process exits, ctx is cancelled or the timeout elapses. On
// cancellation or timeout the process is killed.
func (r *agentRunner) Run(ctx context.Context, prompt, projectDir, model string, out chan<- models.ActivityKind) error {
	logger := r.logger.With("dir", projectDir, "model", model)

	cmd, stdout, err := r.spawn(ctx, logger, prompt, projectDir, model)
	if err != nil {
		return err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan []byte)
	go readLines(stdout, lines, done, logger)

	abort := func(kind error, cause error) error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		logger.Warn("agent killed", "reason", kind)
		return &AgentError{Kind: kind, Err: cause}
	}

	for streaming := true; streaming; {
		select {
		case <-ctx.Done():
			return abort(ErrAgentCancelled, ctx.Err())
		case <-timer.C:
			return abort(ErrAgentTimeout, fmt.Errorf("no exit after %s", r.timeout))
		case line, ok := <-lines:
			if !ok {
				streaming = false
				break
			}
			kind, ok := r.classify(line)
			if !ok {
				continue
			}
			select {
			case out <- kind:
			case <-ctx.Done():
				return abort(ErrAgentCancelled, ctx.Err())
			case <-timer.C:
				return abort(ErrAgentTimeout, fmt.Errorf("no exit after %s", r.timeout))
			}
		}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return &AgentError{Kind: ErrAgentCancelled, Err: ctx.Err()}
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-waitErr
		return &AgentError{Kind: ErrAgentTimeout, Err: fmt.Errorf("no exit after %s", r.timeout)}
	case err := <-waitErr:
		if err == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("agent exited with failure", "exit_code", exitErr.ExitCode())
			return &AgentError{Kind: ErrAgentExit, ExitCode: exitErr.ExitCode(), Err: err}
		}
		return &AgentError{Kind: ErrAgentExit, ExitCode: -1, Err: err}
	}
}

// spawn starts the agent, retrying transient failures with exponential
// backoff. A fresh exec.Cmd is built for every attempt.
func (r *agentRunner) spawn(ctx context.Context, logger *slog.Logger, prompt, projectDir, model string) (*exec.Cmd, io.ReadCloser, error) {
	delay := r.backoff
	for attempt := 0; ; attempt++ {
		cmd := exec.Command(r.command, AgentArgs(prompt, model)...)
		cmd.Dir = projectDir
		cmd.Env = BuildAgentEnv(os.Environ(), projectDir, model)
		cmd.Stderr = &stderrLogger{logger: logger}
		cmd.WaitDelay = 5 * time.Second

		stdout, err := cmd.StdoutPipe()
		if err == nil {
			err = r.start(cmd)
		}
		if err == nil {
			logger.Debug("agent started", "pid", cmd.Process.Pid, "attempt", attempt+1)
			return cmd, stdout, nil
		}
		if stdout != nil {
			_ = stdout.Close()
		}

		if !isTransientSpawnError(err) || attempt >= r.retries {
			return nil, nil, &AgentError{Kind: ErrSpawn, Err: fmt.Errorf("starting %s: %w", r.command, err)}
		}
		logger.Warn("transient spawn failure, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, nil, &AgentError{Kind: ErrAgentCancelled, Err: err}
		}
		delay *= 2
	}
}

// isTransientSpawnError matches resource exhaustion errors that may clear up
// on their own.
func isTransientSpawnError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// readLines scans r and hands each line to lines until EOF or done closes.
func readLines(r io.Reader, lines chan<- []byte, done <-chan struct{}, logger *slog.Logger) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Debug("reading agent stdout", "error", err)
	}
}

// stderrLogger drains agent stderr into the logger one line at a time. It is
// only written to by the exec package's copying goroutine.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.logger.Debug("agent stderr", "line", string(line))
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.logger.Debug("agent stderr", "line", string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
