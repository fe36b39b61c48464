package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"batchd/internal/domain"
)

// Request identifies one unit of work handed to an executor. The descriptor
// is the opaque payload supplied at job creation; the engine never interprets
// it.
type Request struct {
	JobID       string
	OperationID string
	Kind        domain.JobKind
	Descriptor  json.RawMessage
}

// Executor performs the real work behind an operation. Implementations must
// be safe for concurrent calls with distinct requests and should honor
// context cancellation where the underlying work allows it.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry routes requests to a per-kind executor.
type Registry struct {
	byKind map[domain.JobKind]Executor
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[domain.JobKind]Executor)}
}

// Register binds an executor to a job kind, replacing any previous binding.
func (r *Registry) Register(kind domain.JobKind, exec Executor) {
	r.byKind[kind] = exec
}

func (r *Registry) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	exec, ok := r.byKind[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for job kind %q", req.Kind)
	}
	return exec.Execute(ctx, req)
}

var _ Executor = (*Registry)(nil)

// WithTimeout wraps an executor so every call runs under a deadline. A zero
// timeout returns the inner executor unchanged.
func WithTimeout(inner Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return inner
	}
	return Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner.Execute(ctx, req)
	})
}
