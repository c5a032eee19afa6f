package core

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{SessionNotFound("abc"), "Session not found: abc"},
		{InvalidState("cannot start session in state %s", "running"), "Invalid session state: cannot start session in state running"},
		{ParseError("no stories"), "Parse error: no stories"},
		{IOError("writing prd.json", fs.ErrPermission), "IO error: writing prd.json: permission denied"},
		{GitError("not a git repository: /x", nil), "Git error: not a git repository: /x"},
		{&Error{Kind: KindAgent, Err: errors.New("exit 1")}, "Agent error: exit 1"},
		{&Error{Kind: KindAgent}, "Agent error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestError_IsAndKindOf(t *testing.T) {
	wrapped := fmt.Errorf("starting: %w", InvalidState("no PRD"))

	if !errors.Is(wrapped, ErrInvalidState) {
		t.Error("wrapped invalid state should match ErrInvalidState")
	}
	if errors.Is(wrapped, ErrSessionNotFound) {
		t.Error("invalid state must not match ErrSessionNotFound")
	}
	if KindOf(wrapped) != KindInvalidState {
		t.Errorf("KindOf = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("plain errors have no kind")
	}

	io := IOError("reading", fs.ErrNotExist)
	if !errors.Is(io, fs.ErrNotExist) {
		t.Error("cause should stay reachable through Unwrap")
	}
}
