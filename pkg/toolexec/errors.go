package toolexec

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotMapped        = errors.New("toolexec: tool not mapped")
	ErrServerUnavailable    = errors.New("toolexec: server unavailable")
	ErrInvalidArguments     = errors.New("toolexec: invalid tool arguments")
	ErrToolExecutionFailed  = errors.New("toolexec: tool execution failed")
	ErrToolExecutionTimeout = errors.New("toolexec: tool execution timed out")
	ErrRefreshSuperseded    = errors.New("toolexec: refresh superseded by a newer one")
)

// ExecError describes a failed tool execution. errors.Is matches both its
// Kind and the underlying cause.
type ExecError struct {
	// Kind is one of the Err* sentinels of this package.
	Kind     error
	Tool     string
	ServerID string
	// Detail is safe to hand back to the model.
	Detail string
	Err    error
}

func (e *ExecError) Error() string {
	msg := e.Kind.Error()
	if e.Tool != "" {
		msg += fmt.Sprintf(" (tool %q", e.Tool)
		if e.ServerID != "" {
			msg += fmt.Sprintf(" on %q", e.ServerID)
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
