// Package executor defines the boundary to the backends that perform the
// actual side effect of an action (SMTP send, chat message, ...).
//
// Backends should be idempotent: the dispatcher retries transient failures,
// and a crash between claim and acknowledgement can replay a send. That
// residual duplicate risk is documented, not eliminated.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sendlater/internal/action"
)

// Backend performs one kind of action. Execute must respect ctx; the
// dispatcher bounds every call with a timeout.
type Backend interface {
	Execute(ctx context.Context, kind action.Kind, payload action.Payload) error
}

// Func adapts a plain function to a Backend.
type Func func(ctx context.Context, kind action.Kind, payload action.Payload) error

func (f Func) Execute(ctx context.Context, kind action.Kind, payload action.Payload) error {
	return f(ctx, kind, payload)
}

// permanentError marks a failure that retrying cannot fix (invalid
// recipient, malformed payload). The dispatcher moves such actions straight
// to Failed without spending the retry budget.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Registry routes actions to the backend registered for their kind.
// An unknown kind is a permanent failure.
type Registry struct {
	mu       sync.RWMutex
	backends map[action.Kind]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[action.Kind]Backend{}}
}

func (r *Registry) Register(kind action.Kind, b Backend) {
	r.mu.Lock()
	r.backends[kind] = b
	r.mu.Unlock()
}

func (r *Registry) Execute(ctx context.Context, kind action.Kind, payload action.Payload) error {
	r.mu.RLock()
	b := r.backends[kind]
	r.mu.RUnlock()
	if b == nil {
		return Permanent(fmt.Errorf("no backend registered for kind %q", kind))
	}
	return b.Execute(ctx, kind, payload)
}
