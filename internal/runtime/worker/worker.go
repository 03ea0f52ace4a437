// Package worker runs the consume loop of one assignment type: it joins the
// type's consumer group, reads entries, runs the handler and acknowledges.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/handlers"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/stats"
	"github.com/drblury/assignflow/transport"
)

// Defaults for zero-valued Config fields.
const (
	DefaultBlockTime        = 5 * time.Second
	DefaultReadCount        = 10
	DefaultReconnectBackoff = 5 * time.Second
	DefaultClaimInterval    = 30 * time.Second

	ackTimeout = 10 * time.Second
)

// ErrAlreadyRunning is returned when Run is called on a worker that has run before.
var ErrAlreadyRunning = errors.New("assignflow: worker already started")

// ResultError marks a handler that returned a result with a failed status.
type ResultError struct {
	Status string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("handler reported status %q", e.Status)
}

// Config holds the tunables of one worker.
type Config struct {
	Type assignment.Type
	// Topic and Group default to "assignments.<type>" and "workers.<type>".
	Topic string
	Group string
	// Consumer defaults to ConsumerName(Type, pid, start).
	Consumer string

	BlockTime        time.Duration
	ReadCount        int
	ReconnectBackoff time.Duration

	// ClaimMinIdle is how long an entry may stay unacknowledged with another
	// consumer before this worker takes it over. Zero disables claiming.
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration

	// DeadLetterTopic receives failed and malformed entries. Empty disables it.
	DeadLetterTopic string
}

func (c Config) withDefaults(start time.Time) Config {
	if c.Topic == "" {
		c.Topic = "assignments." + string(c.Type)
	}
	if c.Group == "" {
		c.Group = "workers." + string(c.Type)
	}
	if c.Consumer == "" {
		c.Consumer = ConsumerName(c.Type, os.Getpid(), start)
	}
	if c.BlockTime <= 0 {
		c.BlockTime = DefaultBlockTime
	}
	if c.ReadCount <= 0 {
		c.ReadCount = DefaultReadCount
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = DefaultClaimInterval
	}
	return c
}

// Deps are the collaborators a worker needs.
type Deps struct {
	Store    transport.Store
	Counters *stats.Counters
	Handler  handlers.Func
	Logger   logging.ServiceLogger

	// DeadLetters is optional.
	DeadLetters *stats.DeadLetterMetrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// ConsumerName identifies a worker process within its group.
func ConsumerName(t assignment.Type, pid int, start time.Time) string {
	return fmt.Sprintf("%s-%d-%d", t, pid, start.Unix())
}

// Worker consumes the topic of one assignment type.
type Worker struct {
	cfg      Config
	store    transport.Store
	counters *stats.Counters
	handler  handlers.Func
	logger   logging.ServiceLogger
	dlq      *deadLetterSink
	now      func() time.Time

	state   atomic.Int32
	running atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	tracker *statsTracker
}

func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("%w: empty type", errspkg.ErrUnknownAssignmentType)
	}
	if deps.Store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if deps.Counters == nil {
		return nil, errspkg.ErrStatsRequired
	}
	if deps.Handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if deps.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	start := deps.Clock()
	cfg = cfg.withDefaults(start)
	if err := transport.CheckNames(cfg.Topic, cfg.Group, cfg.Consumer); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:      cfg,
		store:    deps.Store,
		counters: deps.Counters,
		handler:  deps.Handler,
		now:      deps.Clock,
		dlq:      &deadLetterSink{store: deps.Store, topic: cfg.DeadLetterTopic, metrics: deps.DeadLetters},
		logger: deps.Logger.With(logging.LogFields{
			"type":     cfg.Type,
			"consumer": cfg.Consumer,
			"group":    cfg.Group,
		}),
		tracker: newStatsTracker(Stats{
			Type:      string(cfg.Type),
			Consumer:  cfg.Consumer,
			Topic:     cfg.Topic,
			Group:     cfg.Group,
			StartedAt: start.UTC(),
		}),
	}
	return w, nil
}

// Name returns the consumer name.
func (w *Worker) Name() string { return w.cfg.Consumer }

// Config returns the effective configuration.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle phase.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns the local statistics of this worker.
func (w *Worker) Stats() Stats { return w.tracker.snapshot() }

// Stop asks the worker to exit once the entry in progress is finished. Polls
// and backoff sleeps are interrupted; a running handler is not.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.tracker.setState(s)
}

func (w *Worker) stopping(ctx context.Context) bool {
	return w.stopped.Load() || ctx.Err() != nil
}

// Run joins the consumer group and processes entries until ctx is done or
// Stop is called. It returns an error when the store is unreachable at
// startup or gets closed underneath the worker; transient read errors are
// retried after ReconnectBackoff.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer w.setState(StateStopped)

	w.setState(StateStarting)
	if w.stopping(runCtx) {
		return nil
	}
	if p, ok := w.store.(transport.Pinger); ok {
		if err := p.Ping(runCtx); err != nil {
			return fmt.Errorf("channel store unreachable: %w", err)
		}
	}

	w.setState(StateJoiningGroup)
	if err := w.store.EnsureGroup(runCtx, w.cfg.Topic, w.cfg.Group); err != nil {
		if w.stopping(runCtx) {
			return nil
		}
		return fmt.Errorf("join group %s: %w", w.cfg.Group, err)
	}

	claimer, _ := w.store.(transport.Claimer)
	var claims *rate.Limiter
	if claimer != nil && w.cfg.ClaimMinIdle > 0 {
		claims = rate.NewLimiter(rate.Every(w.cfg.ClaimInterval), 1)
	}

	w.logger.Info("Worker started", logging.LogFields{
		"topic":      w.cfg.Topic,
		"block_time": w.cfg.BlockTime.String(),
		"claiming":   claims != nil,
	})

	err := w.loop(runCtx, claimer, claims)

	w.setState(StateShuttingDown)
	st := w.Stats()
	w.logger.Info("Worker stopped", logging.LogFields{
		"processed": st.Processed,
		"failed":    st.Failed,
		"dropped":   st.Dropped,
	})
	return err
}

func (w *Worker) loop(ctx context.Context, claimer transport.Claimer, claims *rate.Limiter) error {
	for !w.stopping(ctx) {
		if claims != nil && claims.Allow() {
			w.claim(ctx, claimer)
			if w.stopping(ctx) {
				return nil
			}
		}

		w.setState(StatePolling)
		entries, err := w.store.Read(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.ReadCount, w.cfg.BlockTime)
		if err != nil {
			if w.stopping(ctx) {
				return nil
			}
			if errors.Is(err, errspkg.ErrStoreClosed) {
				return err
			}
			w.tracker.recordTransportError(err)
			if errors.Is(err, errspkg.ErrGroupNotFound) {
				if err = w.rejoin(ctx, err); err == nil {
					continue
				}
				if w.stopping(ctx) {
					return nil
				}
			}
			w.logger.Error("Read failed, backing off", err, logging.LogFields{
				"backoff": w.cfg.ReconnectBackoff.String(),
			})
			w.sleep(ctx, w.cfg.ReconnectBackoff)
			continue
		}
		w.processBatch(ctx, entries)
	}
	return nil
}

// rejoin recreates the group after its stream was deleted underneath us.
func (w *Worker) rejoin(ctx context.Context, cause error) error {
	w.logger.Info("Consumer group is gone, joining again", logging.LogFields{"cause": cause.Error()})
	w.setState(StateJoiningGroup)
	if err := w.store.EnsureGroup(ctx, w.cfg.Topic, w.cfg.Group); err != nil {
		return fmt.Errorf("rejoin group %s: %w", w.cfg.Group, err)
	}
	return nil
}

func (w *Worker) claim(ctx context.Context, claimer transport.Claimer) {
	entries, err := claimer.Claim(ctx, w.cfg.Topic, w.cfg.Group, w.cfg.Consumer, w.cfg.ClaimMinIdle, w.cfg.ReadCount)
	if err != nil {
		if !w.stopping(ctx) {
			w.tracker.recordTransportError(err)
			w.logger.Error("Claiming stale entries failed", err, nil)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	w.tracker.recordClaimed(len(entries))
	w.logger.Info("Claimed stale entries", logging.LogFields{"count": len(entries)})
	w.processBatch(ctx, entries)
}

func (w *Worker) processBatch(ctx context.Context, entries []transport.Entry) {
	for i, entry := range entries {
		if i > 0 && w.stopping(ctx) {
			w.logger.Debug("Leaving entries pending for the group", logging.LogFields{"count": len(entries) - i})
			return
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// process handles one entry. It runs detached from ctx cancellation so a
// shutdown signal never interrupts the handler or the acknowledgement.
func (w *Worker) process(ctx context.Context, entry transport.Entry) {
	ctx = context.WithoutCancel(ctx)
	started := w.now()

	a, err := assignment.Decode(entry.Data)
	if err == nil && a.Type != w.cfg.Type {
		err = fmt.Errorf("%w: %s assignment on the %s topic", errspkg.ErrMalformedEnvelope, a.Type, w.cfg.Type)
	}
	if err != nil {
		w.drop(ctx, entry, err)
		return
	}

	w.setState(StateProcessing)
	logger := w.logger.With(logging.LogFields{"assignment_id": a.ID, "entry_id": entry.ID})
	info := handlers.Info{
		AssignmentID: a.ID,
		Type:         a.Type,
		DispatchedAt: a.DispatchedAt,
		EntryID:      entry.ID,
		Topic:        w.cfg.Topic,
		Group:        w.cfg.Group,
		Consumer:     w.cfg.Consumer,
		Deliveries:   entry.Deliveries,
		Logger:       logger,
	}

	result, err := w.invoke(handlers.WithInfo(ctx, info), a.Payload)
	if err == nil && result.Failed() {
		err = &ResultError{Status: result.Status()}
	}
	finished := w.now()

	w.ack(ctx, entry)

	if err != nil {
		logger.Error("Assignment failed", err, logging.LogFields{"deliveries": entry.Deliveries})
		w.countFailed(ctx)
		w.deadLetter(ctx, entry, a, stats.ReasonHandler, err, finished)
	} else if cerr := w.counters.Processed(ctx, w.cfg.Type); cerr != nil {
		logger.Error("Failed to update processed counters", cerr, nil)
	}
	if terr := w.counters.Touch(ctx); terr != nil {
		logger.Error("Failed to update last activity", terr, nil)
	}

	w.tracker.recordAttempt(finished, finished.Sub(started), err)
	w.setState(StatePolling)
}

// invoke runs the handler, turning a panic into a *handlers.PanicError so the
// entry still goes through the ack and failure path.
func (w *Worker) invoke(ctx context.Context, payload assignment.Payload) (result assignment.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &handlers.PanicError{Value: r, Stacktrace: string(debug.Stack())}
		}
	}()
	return w.handler(ctx, payload)
}

func (w *Worker) drop(ctx context.Context, entry transport.Entry, cause error) {
	w.logger.Error("Dropping malformed entry", cause, logging.LogFields{"entry_id": entry.ID})
	w.ack(ctx, entry)
	w.countFailed(ctx)
	w.deadLetter(ctx, entry, assignment.Assignment{}, stats.ReasonMalformed, cause, w.now())
	w.tracker.recordDropped(cause)
}

func (w *Worker) ack(ctx context.Context, entry transport.Entry) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	if err := w.store.Ack(ctx, w.cfg.Topic, w.cfg.Group, entry.ID); err != nil {
		w.tracker.recordTransportError(err)
		w.logger.Error("Ack failed", err, logging.LogFields{"entry_id": entry.ID})
	}
}

func (w *Worker) countFailed(ctx context.Context) {
	if err := w.counters.Failed(ctx, w.cfg.Type); err != nil {
		w.logger.Error("Failed to update error counters", err, nil)
	}
}

func (w *Worker) deadLetter(ctx context.Context, entry transport.Entry, a assignment.Assignment, reason string, cause error, at time.Time) {
	if !w.dlq.enabled() {
		return
	}
	age := time.Duration(-1)
	if !a.DispatchedAt.IsZero() {
		age = at.Sub(a.DispatchedAt)
	}
	dl := DeadLetter{
		Topic:        w.cfg.Topic,
		Group:        w.cfg.Group,
		Consumer:     w.cfg.Consumer,
		EntryID:      entry.ID,
		AssignmentID: a.ID,
		Type:         a.Type,
		Reason:       reason,
		Error:        cause.Error(),
		Deliveries:   entry.Deliveries,
		FailedAt:     at.UTC(),
		Data:         string(entry.Data),
	}
	if err := w.dlq.send(ctx, dl, age); err != nil {
		w.logger.Error("Dead-lettering failed", err, logging.LogFields{"entry_id": entry.ID})
	}
}
