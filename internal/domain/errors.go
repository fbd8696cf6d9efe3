// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check for them; the typed errors below
// match the corresponding sentinel.
var (
	// ErrInvalidConfiguration is returned when a dispatcher or config value is
	// out of range, e.g. a pool size below one.
	ErrInvalidConfiguration = errors.New("taskpool: invalid configuration")

	// ErrPoolUnavailable is returned for submissions made once teardown has begun.
	ErrPoolUnavailable = errors.New("taskpool: pool unavailable")

	// ErrSerialization is matched by every *SerializationError.
	ErrSerialization = errors.New("taskpool: serialization error")

	// ErrWorkerFailure is matched by every *WorkerFailure.
	ErrWorkerFailure = errors.New("taskpool: worker failure")
)

// Failure kinds produced by the runtime itself. Task functions pick their own
// kinds through TaskError.
const (
	KindError      = "Error"
	KindPanic      = "Panic"
	KindWorkerLost = "WorkerLost"
)

// TaskError is returned by task functions that want the caller to observe a
// specific failure kind.
type TaskError struct {
	Kind    string
	Message string
}

// NewTaskError creates a TaskError with a formatted message.
func NewTaskError(kind, format string, args ...any) error {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	return e.Kind + ": " + e.Message
}

// KindAndMessage splits an error returned by a task function into the kind
// and message sent back to the caller.
func KindAndMessage(err error) (string, string) {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Kind, taskErr.Message
	}
	return KindError, err.Error()
}

// WorkerFailure is a failure raised by a function while it ran in a worker.
// Unwrap yields a *TaskError with the same kind and message.
type WorkerFailure struct {
	Function string
	WorkerID string
	Kind     string
	Message  string
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("%s failed in worker %s: %s: %s", e.Function, e.WorkerID, e.Kind, e.Message)
}

func (e *WorkerFailure) Unwrap() error {
	return &TaskError{Kind: e.Kind, Message: e.Message}
}

func (e *WorkerFailure) Is(target error) bool {
	return target == ErrWorkerFailure
}

// SerializationError reports a call, argument or result that could not cross
// the process boundary.
type SerializationError struct {
	Function string
	What     string
	Err      error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot transfer %s of %q across process boundary", e.What, e.Function)
	}
	return fmt.Sprintf("cannot transfer %s of %q across process boundary: %v", e.What, e.Function, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}
