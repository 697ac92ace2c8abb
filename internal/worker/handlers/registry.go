// Package handlers holds the job handler contract and the built-in handlers.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrSuspend asks the executor to park the job in the suspended table instead of retrying it.
	ErrSuspend = errors.New("suspend job")
	// ErrNoRetry marks a failure that goes straight to the dead-letter table.
	ErrNoRetry = errors.New("failure is not retryable")
	// ErrUnknownHandler is returned when no handler is registered for a job's type.
	ErrUnknownHandler = errors.New("unknown handler type")
)

// ScopeContext describes the job being executed to its handler.
type ScopeContext struct {
	JobID             string
	TenantID          string
	ScopeID           string
	ScopeType         string
	SubScopeID        string
	ProcessInstanceID string
	ElementID         string
	ElementName       string
	Retries           int
}

// Handler runs the work of a job. configuration is the job's handler
// configuration verbatim; its format is up to the handler.
type Handler interface {
	Execute(ctx context.Context, configuration string, scope ScopeContext) error
}

type HandlerFunc func(ctx context.Context, configuration string, scope ScopeContext) error

func (f HandlerFunc) Execute(ctx context.Context, configuration string, scope ScopeContext) error {
	return f(ctx, configuration, scope)
}

// Registry maps handler types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Defaults returns a registry with the shell, http and noop handlers.
func Defaults() *Registry {
	r := NewRegistry()
	r.Register("shell", Shell{})
	r.Register("http", HTTP{})
	r.Register("noop", Noop)
	return r
}

func (r *Registry) Register(handlerType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerType] = h
}

func (r *Registry) Lookup(handlerType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handlerType)
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Noop succeeds without doing anything.
var Noop = HandlerFunc(func(context.Context, string, ScopeContext) error { return nil })
