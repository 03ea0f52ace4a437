package stats

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
)

// Counter kinds.
const (
	KindDispatched = "dispatched"
	KindProcessed  = "processed"
	KindErrors     = "errors"
)

const (
	// TotalScope prefixes the counters summed over every type.
	TotalScope = "total"
	// LastActivityKey holds the RFC 3339 time of the latest handler attempt.
	LastActivityKey = "last_activity"
)

// Key returns the counter name for scope (a type name or TotalScope) and kind.
func Key(scope, kind string) string {
	return scope + "_" + kind
}

// Counters records dispatch and processing outcomes in a Store and mirrors
// them to Prometheus when metrics are attached.
type Counters struct {
	store   Store
	metrics *Metrics
	now     func() time.Time
}

// CountersOption configures Counters.
type CountersOption func(*Counters)

// WithMetrics mirrors every increment to m.
func WithMetrics(m *Metrics) CountersOption {
	return func(c *Counters) { c.metrics = m }
}

// WithClock overrides the clock used for last_activity.
func WithClock(now func() time.Time) CountersOption {
	return func(c *Counters) { c.now = now }
}

func NewCounters(store Store, opts ...CountersOption) *Counters {
	c := &Counters{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the backing store.
func (c *Counters) Store() Store { return c.store }

// Metrics returns the attached Prometheus mirror, or nil.
func (c *Counters) Metrics() *Metrics { return c.metrics }

// Dispatched increments total_dispatched and {type}_dispatched.
func (c *Counters) Dispatched(ctx context.Context, t assignment.Type) error {
	return c.bump(ctx, t, KindDispatched)
}

// Processed increments total_processed and {type}_processed.
func (c *Counters) Processed(ctx context.Context, t assignment.Type) error {
	return c.bump(ctx, t, KindProcessed)
}

// Failed increments total_errors and {type}_errors.
func (c *Counters) Failed(ctx context.Context, t assignment.Type) error {
	return c.bump(ctx, t, KindErrors)
}

// Touch stores the current time as last_activity.
func (c *Counters) Touch(ctx context.Context) error {
	return c.store.Set(ctx, LastActivityKey, c.now().UTC().Format(time.RFC3339Nano))
}

func (c *Counters) bump(ctx context.Context, t assignment.Type, kind string) error {
	if c.metrics != nil {
		c.metrics.count(t, kind)
	}
	_, errTotal := c.store.Increment(ctx, Key(TotalScope, kind))
	_, errType := c.store.Increment(ctx, Key(t.String(), kind))
	return errors.Join(errTotal, errType)
}
