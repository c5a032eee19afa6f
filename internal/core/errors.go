package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the session manager.
type ErrorKind int

const (
	KindIO ErrorKind = iota + 1
	KindGit
	KindAgent
	KindParse
	KindSessionNotFound
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "IO error"
	case KindGit:
		return "Git error"
	case KindAgent:
		return "Agent error"
	case KindParse:
		return "Parse error"
	case KindSessionNotFound:
		return "Session not found"
	case KindInvalidState:
		return "Invalid session state"
	default:
		return "error"
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrIO              = &Error{Kind: KindIO}
	ErrGit             = &Error{Kind: KindGit}
	ErrAgent           = &Error{Kind: KindAgent}
	ErrParse           = &Error{Kind: KindParse}
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
)

// Error is the typed error returned by core operations.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IOError(msg string, err error) error    { return &Error{Kind: KindIO, Message: msg, Err: err} }
func GitError(msg string, err error) error   { return &Error{Kind: KindGit, Message: msg, Err: err} }
func AgentError(msg string, err error) error { return &Error{Kind: KindAgent, Message: msg, Err: err} }
func ParseError(msg string) error            { return &Error{Kind: KindParse, Message: msg} }

func SessionNotFound(id string) error {
	return &Error{Kind: KindSessionNotFound, Message: id}
}

func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}
