package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned when adding a task whose id already exists.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrUnknownTask is returned when an operation references a missing task.
	ErrUnknownTask = errors.New("unknown task")
	// ErrCycleDetected is returned when an edge would close a dependency cycle.
	// The graph is left unchanged.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrInvalidStateTransition is returned for lifecycle transitions outside
	// pending -> running -> {completed, failed}.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInvalidSnapshot is returned when an imported snapshot is malformed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// ResolverError wraps a sentinel error with the operation and task context.
type ResolverError struct {
	Op   string
	Kind error
	Msg  string
}

func (e *ResolverError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind.Error(), e.Msg)
}

func (e *ResolverError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, format string, args ...any) error {
	return &ResolverError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
