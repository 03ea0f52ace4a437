package handlers

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/assignflow/internal/runtime/logging"
)

// StatusPlaceholder is the status reported by the placeholder handler.
const StatusPlaceholder = "placeholder"

// Func executes one assignment.
type Func func(ctx context.Context, payload assignment.Payload) (assignment.Result, error)

// Factory builds a Func lazily, typically to load heavy dependencies.
type Factory func() (Func, error)

// Placeholder returns a Func that waits for delay (or until ctx is done) and
// reports a placeholder result. Workers of types without a real handler run it.
func Placeholder(delay time.Duration) Func {
	return func(ctx context.Context, _ assignment.Payload) (assignment.Result, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result := assignment.Result{"status": StatusPlaceholder}
		if info, ok := FromContext(ctx); ok {
			result["type"] = string(info.Type)
			result["assignment_id"] = info.AssignmentID
		}
		return result, nil
	}
}

// Registry maps assignment types to handler functions.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[assignment.Type]Func
	broken     map[assignment.Type]error
	middleware []Middleware

	placeholder Func
	logger      loggingpkg.ServiceLogger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPlaceholder replaces the fallback handler.
func WithPlaceholder(fn Func) RegistryOption {
	return func(r *Registry) { r.placeholder = fn }
}

// WithLogger sets the logger used to report broken factories.
func WithLogger(logger loggingpkg.ServiceLogger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers:    make(map[assignment.Type]Func),
		broken:      make(map[assignment.Type]error),
		placeholder: Placeholder(0),
		logger:      loggingpkg.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs fn for t, replacing any earlier registration.
func (r *Registry) Register(t assignment.Type, fn Func) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
	delete(r.broken, t)
	return nil
}

// RegisterFactory builds the handler for t right away. When the factory fails
// the type keeps resolving to the placeholder and the error is returned.
func (r *Registry) RegisterFactory(t assignment.Type, factory Factory) error {
	if factory == nil {
		return errspkg.ErrHandlerRequired
	}
	fn, err := factory()
	if err == nil && fn == nil {
		err = errspkg.ErrHandlerRequired
	}
	if err != nil {
		err = fmt.Errorf("build %s handler: %w", t, err)
		r.logger.Error("Handler unavailable, falling back to placeholder", err, loggingpkg.LogFields{"type": t})
		r.mu.Lock()
		delete(r.handlers, t)
		r.broken[t] = err
		r.mu.Unlock()
		return err
	}
	return r.Register(t, fn)
}

// Use appends middleware applied to every resolved handler, the first one
// outermost.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Resolve returns the handler for t wrapped in the registry middleware. The
// boolean is false when the placeholder stands in for a missing or broken
// handler.
func (r *Registry) Resolve(t assignment.Type) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.handlers[t]
	mw := slices.Clone(r.middleware)
	r.mu.RUnlock()

	if !ok {
		fn = r.placeholder
	}
	return Chain(fn, mw...), ok
}

// Broken returns the factory error recorded for t, if any.
func (r *Registry) Broken(t assignment.Type) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broken[t]
}

// Types lists the types with a real handler, sorted.
func (r *Registry) Types() []assignment.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]assignment.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
