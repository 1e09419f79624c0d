package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// Executor performs the actual work for a task. This is the only point where
// domain-specific logic enters the scheduler. Implementations must respect
// ctx cancellation; the scheduler enforces per-task timeouts around it.
type Executor interface {
	Execute(ctx context.Context, kind string, payload any) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, kind string, payload any) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, kind string, payload any) (any, error) {
	return f(ctx, kind, payload)
}

// ExecutorRegistry maps task kinds to executors, with an optional fallback.
type ExecutorRegistry struct {
	mu       sync.RWMutex
	byKind   map[string]Executor
	fallback Executor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		byKind: make(map[string]Executor),
	}
}

// Register maps a task kind to an executor instance.
func (r *ExecutorRegistry) Register(kind string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = executor
}

// SetDefault installs a fallback executor for unregistered kinds.
func (r *ExecutorRegistry) SetDefault(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = executor
}

// Lookup resolves the executor for a task kind.
func (r *ExecutorRegistry) Lookup(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if executor, ok := r.byKind[kind]; ok {
		return executor, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor registered for task kind %q", kind)
}
