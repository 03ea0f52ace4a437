package stats

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeadLetterMetrics tracks entries diverted to the dead-letter topic.
type DeadLetterMetrics struct {
	mu  sync.RWMutex
	now func() time.Time

	topics map[string]*DeadLetterTopicMetrics

	messagesTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	deliveriesHist *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterTopicMetrics holds the counts for one source topic.
type DeadLetterTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	Malformed        uint64    `json:"malformed"`
	HandlerFailures  uint64    `json:"handler_failures"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgDeliveries    float64   `json:"avg_deliveries"`
}

// DeadLetterSnapshot provides a point-in-time view of dead-letter metrics.
type DeadLetterSnapshot struct {
	TotalMessages uint64                             `json:"total_messages"`
	TopicMetrics  map[string]DeadLetterTopicMetrics `json:"topic_metrics"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

// Dead-letter reasons.
const (
	ReasonMalformed = "malformed"
	ReasonHandler   = "handler"
)

func newDeadLetterHistogramVec(name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dead_letter",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		[]string{"topic"},
	)
}

// NewDeadLetterMetrics creates the collectors. A nil registerer means the
// default one.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeadLetterMetrics{
		now:        time.Now,
		topics:     make(map[string]*DeadLetterTopicMetrics),
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dead_letter",
				Name:      "messages_total",
				Help:      "Entries sent to the dead-letter topic",
			},
			[]string{"topic", "reason"},
		),
		ageSecondsHist: newDeadLetterHistogramVec("message_age_seconds", "Time between dispatch and dead-lettering", []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		deliveriesHist: newDeadLetterHistogramVec("deliveries", "Deliveries before an entry was dead-lettered", []float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DeadLetterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.messagesTotal, m.ageSecondsHist, m.deliveriesHist} {
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

// Record notes one dead-lettered entry of topic. age is negative when the
// dispatch time is unknown.
func (m *DeadLetterMetrics) Record(topic, reason string, deliveries int64, age time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	metrics, ok := m.topics[topic]
	if !ok {
		metrics = &DeadLetterTopicMetrics{OldestMessageAt: now}
		m.topics[topic] = metrics
	}
	metrics.MessagesReceived++
	switch reason {
	case ReasonMalformed:
		metrics.Malformed++
	case ReasonHandler:
		metrics.HandlerFailures++
	}
	metrics.NewestMessageAt = now
	total := metrics.MessagesReceived
	metrics.AvgDeliveries = ((metrics.AvgDeliveries * float64(total-1)) + float64(deliveries)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, reason).Inc()
	m.deliveriesHist.WithLabelValues(topic).Observe(float64(deliveries))
	if age >= 0 {
		m.ageSecondsHist.WithLabelValues(topic).Observe(age.Seconds())
	}
}

// Snapshot returns a copy of the per-topic counts.
func (m *DeadLetterMetrics) Snapshot() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DeadLetterSnapshot{
		TopicMetrics: make(map[string]DeadLetterTopicMetrics, len(m.topics)),
		CollectedAt:  m.now(),
	}
	for topic, metrics := range m.topics {
		snap.TopicMetrics[topic] = *metrics
		snap.TotalMessages += metrics.MessagesReceived
	}
	return snap
}

// Reset clears all counts.
func (m *DeadLetterMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = make(map[string]*DeadLetterTopicMetrics)
	m.messagesTotal.Reset()
	m.ageSecondsHist.Reset()
	m.deliveriesHist.Reset()
}
