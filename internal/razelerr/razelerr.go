// Package razelerr defines the error kinds named in the error handling
// design: each wraps an underlying cause while carrying a Kind a caller
// can switch on without string-matching messages.
package razelerr

import "fmt"

// Kind classifies an error by which part of the pipeline produced it and
// how the scheduler should react.
type Kind int

const (
	// LoadError: malformed build file, cycle, duplicate output owner, name
	// collision, unreadable input. Fatal at load.
	LoadError Kind = iota
	// ExecutionFailure: action exited non-zero or a declared output was
	// missing. Fatal unless the action carries the condition tag.
	ExecutionFailure
	// TimeoutFailure: action exceeded its timeout:<seconds> tag. Treated
	// the same as ExecutionFailure by the scheduler.
	TimeoutFailure
	// OOMFailure: heuristically detected out-of-memory kill, triggers a
	// retry after the controller reduces concurrency.
	OOMFailure
	// CacheIOError: local disk error reading or writing the cache. Fails
	// the affected action without corrupting existing entries.
	CacheIOError
	// RemoteCacheError: either transient (retried once) or terminal (the
	// remote is disabled for the rest of the run); never fatal to the
	// pipeline, since the local cache and re-execution remain available.
	RemoteCacheError
	// SandboxError: a filesystem operation failed while preparing or
	// cleaning an action's sandbox directory. Fails the action.
	SandboxError
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case LoadError:
		return "LoadError"
	case ExecutionFailure:
		return "ExecutionFailure"
	case TimeoutFailure:
		return "TimeoutFailure"
	case OOMFailure:
		return "OOMFailure"
	case CacheIOError:
		return "CacheIOError"
	case RemoteCacheError:
		return "RemoteCacheError"
	case SandboxError:
		return "SandboxError"
	default:
		return "UnknownError"
	}
}

// Error is a Kind-tagged error, wrapping whatever underlying cause
// produced it.
type Error struct {
	Kind   Kind
	Action string
	Err    error
}

// New wraps err as a razelerr.Error of the given kind, attributed to
// action (empty if the error isn't action-specific, e.g. a LoadError
// before any action exists).
func New(kind Kind, action string, err error) *Error {
	return &Error{Kind: kind, Action: action, Err: err}
}

func (e *Error) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Action, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether kind must stop the whole run (subject to the
// condition-tag exception the scheduler applies to ExecutionFailure and
// TimeoutFailure itself).
func (k Kind) Fatal() bool {
	switch k {
	case LoadError, ExecutionFailure, TimeoutFailure:
		return true
	default:
		return false
	}
}
