// internal/domain/task.go
package domain

import "context"

// Function is a unit of work a worker process can execute. Functions are
// referenced across the process boundary by the name they are registered
// under, never by value.
type Function func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Call is one submission of a registered function with its arguments.
// Calls are ephemeral and are not retained once their result is returned.
type Call struct {
	ID       string         `json:"id"`
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

type taskIDKey struct{}

// WithTaskID returns a copy of ctx carrying the task ID. A dispatcher reuses
// it for the call it submits, and a worker sets it on the context passed to
// the function it runs.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFrom returns the task ID carried by ctx, if any.
func TaskIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey{}).(string)
	return id, ok && id != ""
}
