// internal/domain/dispatcher.go
package domain

import "context"

// Dispatcher defines the interface for running a call on a worker and
// waiting for its result.
type Dispatcher interface {
	Submit(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error)
}
