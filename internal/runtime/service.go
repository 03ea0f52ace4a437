package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	configpkg "github.com/drblury/assignflow/internal/runtime/config"
	"github.com/drblury/assignflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/scheduler"
	"github.com/drblury/assignflow/internal/runtime/stats"
	transportpkg "github.com/drblury/assignflow/internal/runtime/transport"
	"github.com/drblury/assignflow/internal/runtime/worker"
	"github.com/drblury/assignflow/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds optional collaborators. Leave fields nil to get the
// configured defaults.
type ServiceDependencies struct {
	// TransportFactory opens the channel store. Ignored when Store is set.
	TransportFactory transportpkg.Factory
	// Store is a channel store built by the caller. The Service does not close it.
	Store transport.Store
	// Stats is a counter store built by the caller. The Service does not close it.
	Stats stats.Store

	// Registry receives the Prometheus collectors and backs /metrics.
	// Nil uses the default registerer and gatherer.
	Registry *prometheus.Registry

	// Types replaces the accepted assignment types.
	Types *assignment.TypeSet
	// Policy replaces the summary rebuild policy.
	Policy *scheduler.Policy

	// Middlewares are appended after the default handler chain.
	Middlewares []handlers.Middleware
	// DisableDefaultMiddlewares skips the default handler chain when true.
	DisableDefaultMiddlewares bool
	// Hooks are merged after the logging and metrics hooks.
	Hooks handlers.JobHooks

	Clock func() time.Time
}

// Service wires the channel store, stats counters, dispatcher, handler
// registry and workers of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store       transport.Store
	statsStore  stats.Store
	counters    *stats.Counters
	metrics     *stats.Metrics
	deadLetters *stats.DeadLetterMetrics
	gatherer    prometheus.Gatherer

	types      *assignment.TypeSet
	dispatcher *dispatch.Dispatcher
	registry   *handlers.Registry
	clock      func() time.Time

	workers   map[assignment.Type]*worker.Worker
	workersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// NewService is TryNewService that panics on error.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf and connects the channel and stats stores.
// Register handlers on the returned Service before running workers.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := configpkg.ValidateConfig(&c); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	log.Info("Creating assignflow service", loggingpkg.LogFields{
		"transport": c.Transport,
		"config":    c.String(),
	})

	s := &Service{
		Conf:    &c,
		Logger:  log,
		types:   deps.Types,
		clock:   deps.Clock,
		workers: make(map[assignment.Type]*worker.Worker),
	}
	if s.types == nil {
		s.types = assignment.DefaultTypeSet()
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	if err := s.openStores(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.setupMetrics(deps.Registry); err != nil {
		_ = s.Close()
		return nil, err
	}

	counterOpts := []stats.CountersOption{stats.WithClock(s.clock)}
	if c.MetricsEnabled {
		counterOpts = append(counterOpts, stats.WithMetrics(s.metrics))
	}
	s.counters = stats.NewCounters(s.statsStore, counterOpts...)

	s.registry = handlers.NewRegistry(
		handlers.WithPlaceholder(handlers.Placeholder(c.PlaceholderDelay)),
		handlers.WithLogger(log),
	)
	s.registerConfiguredMiddlewares(deps)

	dispatchOpts := []dispatch.Option{
		dispatch.WithTypes(s.types),
		dispatch.WithTopics(s.topicFor),
		dispatch.WithClock(s.clock),
	}
	if deps.Policy != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithPolicy(deps.Policy))
	}
	d, err := dispatch.New(s.store, s.counters, log, dispatchOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.dispatcher = d

	s.registerStatusHandlers()
	return s, nil
}

func (s *Service) openStores(ctx context.Context, deps ServiceDependencies) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)

	s.store = deps.Store
	if s.store == nil {
		factory := deps.TransportFactory
		if factory == nil {
			factory = transportpkg.DefaultFactory()
		}
		store, err := factory.Build(ctx, s.Conf, wmLogger)
		if err != nil {
			return fmt.Errorf("open %s channel store: %w", s.Conf.Transport, err)
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
	}

	s.statsStore = deps.Stats
	if s.statsStore != nil {
		return nil
	}
	if url := s.Conf.StatsURL(); url != "" {
		rs, err := stats.OpenRedis(ctx, url)
		if err != nil {
			return fmt.Errorf("open stats store: %w", err)
		}
		s.statsStore = rs
		s.closers = append(s.closers, rs.Close)
		return nil
	}
	s.Logger.Info("No stats Redis configured, counters stay in process memory", nil)
	s.statsStore = stats.NewMemoryStore()
	return nil
}

func (s *Service) setupMetrics(registry *prometheus.Registry) error {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	s.gatherer = prometheus.DefaultGatherer
	if registry != nil {
		registerer = registry
		s.gatherer = registry
	}
	s.metrics = stats.NewMetrics(registerer)
	s.deadLetters = stats.NewDeadLetterMetrics(registerer)

	if !s.Conf.MetricsEnabled {
		return nil
	}
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := s.deadLetters.Register(); err != nil {
		return fmt.Errorf("register dead-letter metrics: %w", err)
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return nil
}

// DefaultMiddlewares returns the handler chain installed by the Service
// constructor, outermost first. Panics are recovered inside the hooks so
// OnJobError and the span both see them.
func (s *Service) DefaultMiddlewares(extra handlers.JobHooks) []handlers.Middleware {
	hooks := handlers.LoggingHooks(s.Logger)
	if s.Conf.MetricsEnabled {
		hooks = hooks.Merge(handlers.MetricsHooks(s.metrics))
	}
	return []handlers.Middleware{
		handlers.Tracer(),
		handlers.Hooks(hooks.Merge(extra)),
		handlers.Recoverer(),
		handlers.Timeout(s.Conf.HandlerTimeout),
	}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) {
	if !deps.DisableDefaultMiddlewares {
		s.registry.Use(s.DefaultMiddlewares(deps.Hooks)...)
	}
	s.registry.Use(deps.Middlewares...)
}

func (s *Service) topicFor(t assignment.Type) string {
	return s.Conf.TopicFor(string(t))
}

func (s *Service) groupFor(t assignment.Type) string {
	return s.Conf.GroupFor(string(t))
}

// Store returns the channel store.
func (s *Service) Store() transport.Store { return s.store }

// Counters returns the shared stats counters.
func (s *Service) Counters() *stats.Counters { return s.counters }

// Types returns the accepted assignment types.
func (s *Service) Types() *assignment.TypeSet { return s.types }

// Registry returns the handler registry.
func (s *Service) Registry() *handlers.Registry { return s.registry }

// DeadLetterMetrics returns the dead-letter counters of this process.
func (s *Service) DeadLetterMetrics() *stats.DeadLetterMetrics { return s.deadLetters }

// Dispatch appends one assignment and returns its id.
func (s *Service) Dispatch(ctx context.Context, t assignment.Type, payload assignment.Payload) (string, error) {
	return s.dispatcher.Dispatch(ctx, t, payload)
}

// DispatchName parses raw and dispatches it.
func (s *Service) DispatchName(ctx context.Context, raw string, payload assignment.Payload) (string, error) {
	return s.dispatcher.DispatchName(ctx, raw, payload)
}

// DispatchConversationTurn fans a conversation turn out to the analysis pipelines.
func (s *Service) DispatchConversationTurn(ctx context.Context, turn dispatch.Turn) (dispatch.TurnResult, error) {
	return s.dispatcher.DispatchConversationTurn(ctx, turn)
}

// CheckTriggers returns the summary rebuilds due at messageCount.
func (s *Service) CheckTriggers(messageCount int) []scheduler.RebuildRequest {
	return s.dispatcher.CheckTriggers(messageCount)
}

// DispatchRebuilds dispatches the summary rebuilds due at messageCount.
func (s *Service) DispatchRebuilds(ctx context.Context, ref dispatch.ConversationRef, messageCount int) ([]dispatch.RebuildResult, error) {
	return s.dispatcher.DispatchRebuilds(ctx, ref, messageCount)
}

// Handle registers fn for t.
func (s *Service) Handle(t assignment.Type, fn handlers.Func) error {
	return s.registry.Register(t, fn)
}

// HandleFactory registers the handler built by factory for t. A failing
// factory leaves t on the placeholder handler.
func (s *Service) HandleFactory(t assignment.Type, factory handlers.Factory) error {
	return s.registry.RegisterFactory(t, factory)
}

// NewWorker builds a worker for t using the registered handler, or the
// placeholder when none is registered.
func (s *Service) NewWorker(t assignment.Type) (*worker.Worker, error) {
	if !s.types.Has(t) {
		return nil, &errspkg.UnknownAssignmentTypeError{Type: string(t), Known: s.types.Names()}
	}
	fn, ok := s.registry.Resolve(t)
	if !ok {
		s.Logger.Info("No handler registered, using placeholder", loggingpkg.LogFields{
			"type":  t,
			"delay": s.Conf.PlaceholderDelay.String(),
		})
	}

	// Backends that redeliver on their own need no claim loop.
	claimMinIdle := s.Conf.ClaimMinIdle
	if transportpkg.Capabilities(s.Conf).SupportsNativeRedelivery {
		claimMinIdle = 0
	}

	w, err := worker.New(worker.Config{
		Type:             t,
		Topic:            s.topicFor(t),
		Group:            s.groupFor(t),
		BlockTime:        s.Conf.BlockTime,
		ReadCount:        s.Conf.ReadCount,
		ReconnectBackoff: s.Conf.ReconnectBackoff,
		ClaimMinIdle:     claimMinIdle,
		ClaimInterval:    s.Conf.ClaimInterval,
		DeadLetterTopic:  s.Conf.DeadLetterTopic,
	}, worker.Deps{
		Store:       s.store,
		Counters:    s.counters,
		Handler:     fn,
		Logger:      s.Logger,
		DeadLetters: s.deadLetters,
		Clock:       s.clock,
	})
	if err != nil {
		return nil, err
	}

	s.workersMu.Lock()
	s.workers[t] = w
	s.workersMu.Unlock()
	return w, nil
}

// Workers returns the local stats of every worker built by this Service.
func (s *Service) Workers() []worker.Stats {
	s.workersMu.RLock()
	defer s.workersMu.RUnlock()
	out := make([]worker.Stats, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Stats())
	}
	slices.SortFunc(out, func(a, b worker.Stats) int {
		return strings.Compare(a.Type, b.Type)
	})
	return out
}

// RunWorker builds a worker for t, serves the configured HTTP endpoints and
// consumes until ctx is done. A shutdown in the middle of a handler waits for
// that handler to finish.
func (s *Service) RunWorker(ctx context.Context, t assignment.Type) error {
	w, err := s.NewWorker(t)
	if err != nil {
		return err
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	if err := s.Start(serveCtx); err != nil {
		return err
	}
	return w.Run(ctx)
}

// Status collects the counters and the live depth of every type's queue.
func (s *Service) Status(ctx context.Context) (stats.Snapshot, error) {
	queues := make([]stats.Queue, 0, len(s.types.List()))
	for _, t := range s.types.List() {
		queues = append(queues, stats.Queue{Topic: s.topicFor(t), Group: s.groupFor(t)})
	}
	var metrics *stats.Metrics
	if s.Conf.MetricsEnabled {
		metrics = s.metrics
	}
	return stats.Collect(ctx, s.statsStore, s.store, queues, metrics)
}

// RegisterHTTPHandler mounts handler on the server listening on port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start listens on every registered HTTP port and shuts the servers down
// when ctx is done. It fails if a port cannot be bound.
func (s *Service) Start(ctx context.Context) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		s.serve(ctx, ln, mux)
	}
	s.httpServers = nil
	return nil
}

func (s *Service) serve(ctx context.Context, ln net.Listener, handler http.Handler) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": ln.Addr().String()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Close releases the stores opened by the Service.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
