package stats

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/assignflow/internal/runtime/assignment"
)

const metricsNamespace = "assignflow"

// Metrics exposes assignment counters, handler latency and queue depth to
// Prometheus.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	dispatched *prometheus.CounterVec
	processed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	depth      *prometheus.GaugeVec
}

func newAssignmentCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "assignments",
			Name:      name,
			Help:      help,
		},
		[]string{"type"},
	)
}

// NewMetrics creates the collectors. A nil registerer means the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		dispatched: newAssignmentCounterVec("dispatched_total", "Assignments appended to their topic"),
		processed:  newAssignmentCounterVec("processed_total", "Assignments whose handler succeeded"),
		failed:     newAssignmentCounterVec("errors_total", "Assignments that failed or could not be decoded"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "handler",
				Name:      "duration_seconds",
				Help:      "Handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Entries of a topic not yet acknowledged by its worker group",
			},
			[]string{"topic"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.processed, m.failed, m.duration, m.depth} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) count(t assignment.Type, kind string) {
	switch kind {
	case KindDispatched:
		m.dispatched.WithLabelValues(t.String()).Inc()
	case KindProcessed:
		m.processed.WithLabelValues(t.String()).Inc()
	case KindErrors:
		m.failed.WithLabelValues(t.String()).Inc()
	}
}

// ObserveDuration records one handler run.
func (m *Metrics) ObserveDuration(t assignment.Type, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(t.String()).Observe(d.Seconds())
}

// SetDepth records the latest known depth of topic.
func (m *Metrics) SetDepth(topic string, depth int64) {
	if m == nil || depth < 0 {
		return
	}
	m.depth.WithLabelValues(topic).Set(float64(depth))
}
