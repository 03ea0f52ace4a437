package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/ids"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/scheduler"
	"github.com/drblury/assignflow/internal/runtime/stats"
	"github.com/drblury/assignflow/transport"
)

// TopicFunc names the topic holding assignments of a type.
type TopicFunc func(assignment.Type) string

// DefaultTopicPrefix matches config.DefaultTopicPrefix.
const DefaultTopicPrefix = "assignments."

// PrefixTopics returns a TopicFunc that prepends prefix to the type name.
func PrefixTopics(prefix string) TopicFunc {
	return func(t assignment.Type) string { return prefix + string(t) }
}

// Dispatcher stamps work requests and appends them to their topic. It is safe
// for concurrent use; the only shared state lives in the channel store and the
// stats counters.
type Dispatcher struct {
	store    transport.Store
	counters *stats.Counters
	logger   logging.ServiceLogger

	types   *assignment.TypeSet
	topic   TopicFunc
	policy  *scheduler.Policy
	now     func() time.Time
	newID   func(time.Time) string
	newUUID func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTypes replaces the accepted assignment types.
func WithTypes(types *assignment.TypeSet) Option {
	return func(d *Dispatcher) { d.types = types }
}

// WithTopics overrides topic naming.
func WithTopics(fn TopicFunc) Option {
	return func(d *Dispatcher) { d.topic = fn }
}

// WithPolicy replaces the rebuild trigger policy used by DispatchRebuilds.
func WithPolicy(p *scheduler.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithClock injects the clock used for dispatched_at and id timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator overrides assignment id generation.
func WithIDGenerator(fn func(time.Time) string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New wires a Dispatcher. store, counters and logger are required.
func New(store transport.Store, counters *stats.Counters, logger logging.ServiceLogger, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if counters == nil {
		return nil, errspkg.ErrStatsRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	d := &Dispatcher{
		store:    store,
		counters: counters,
		logger:   logger,
		types:    assignment.DefaultTypeSet(),
		topic:    PrefixTopics(DefaultTopicPrefix),
		now:      time.Now,
		newID:    ids.CreateULIDAt,
		newUUID:  newExchangeID,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy == nil {
		policy, err := scheduler.NewPolicy(scheduler.DefaultTiers...)
		if err != nil {
			return nil, err
		}
		d.policy = policy
	}
	return d, nil
}

// Types returns the accepted assignment types.
func (d *Dispatcher) Types() *assignment.TypeSet { return d.types }

// Topic returns the topic for t.
func (d *Dispatcher) Topic(t assignment.Type) string { return d.topic(t) }

// Dispatch appends one assignment and returns its id. An unknown type fails
// before anything is written or counted.
func (d *Dispatcher) Dispatch(ctx context.Context, t assignment.Type, payload assignment.Payload) (string, error) {
	if !d.types.Has(t) {
		return "", &errspkg.UnknownAssignmentTypeError{Type: string(t), Known: d.types.Names()}
	}

	now := d.now().UTC()
	a := assignment.Assignment{
		ID:           d.newID(now),
		Type:         t,
		Payload:      payload.Clone(),
		DispatchedAt: now,
	}
	data, err := assignment.Encode(a)
	if err != nil {
		return "", err
	}

	topic := d.topic(t)
	entryID, err := d.store.Append(ctx, topic, data)
	if err != nil {
		return "", fmt.Errorf("dispatch %s to %s: %w", t, topic, err)
	}

	if err := d.counters.Dispatched(ctx, t); err != nil {
		d.logger.Error("Failed to update dispatch counters", err, logging.LogFields{
			"assignment_id": a.ID,
			"type":          t,
		})
	}

	d.logger.Debug("Assignment dispatched", logging.LogFields{
		"assignment_id": a.ID,
		"entry_id":      entryID,
		"type":          t,
		"topic":         topic,
	})
	return a.ID, nil
}

// DispatchName parses raw against the accepted types and dispatches it.
func (d *Dispatcher) DispatchName(ctx context.Context, raw string, payload assignment.Payload) (string, error) {
	t, err := d.types.Parse(raw)
	if err != nil {
		return "", err
	}
	return d.Dispatch(ctx, t, payload)
}

// CheckTriggers applies the configured rebuild policy to a message count.
func (d *Dispatcher) CheckTriggers(counter int) []scheduler.RebuildRequest {
	return d.policy.Check(counter)
}
