// internal/worker/registry.go
package worker

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"taskpool/internal/domain"
)

// Registry maps function names to the functions a worker can execute. The
// dispatcher and its workers must register the same names.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]domain.Function
	names     map[uintptr][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]domain.Function),
		names:     make(map[uintptr][]string),
	}
}

// Register adds fn under name. Names must be unique and non-empty.
func (r *Registry) Register(name string, fn domain.Function) error {
	if name == "" {
		return fmt.Errorf("function name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.functions[name]; ok {
		return fmt.Errorf("function %q is already registered", name)
	}
	r.functions[name] = fn
	ptr := reflect.ValueOf(fn).Pointer()
	r.names[ptr] = append(r.names[ptr], name)
	return nil
}

// MustRegister is like Register but panics on error. Intended for init-time
// registration of built-in functions.
func (r *Registry) MustRegister(name string, fn domain.Function) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (domain.Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}

// NameOf resolves a function value to the single name it is registered
// under. Functions are compared by code pointer, so a closure that was never
// registered, or one whose code is registered under several names, has no
// name.
func (r *Registry) NameOf(fn domain.Function) (string, bool) {
	if fn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.names[reflect.ValueOf(fn).Pointer()]
	if len(names) != 1 {
		return "", false
	}
	return names[0], true
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
