package worker

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/handlers"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Stats is a point-in-time view of one worker process. Unlike the shared stats
// counters it only covers entries handled by this consumer since it started.
type Stats struct {
	Type      string    `json:"type"`
	Consumer  string    `json:"consumer"`
	Topic     string    `json:"topic"`
	Group     string    `json:"group"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`

	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	// Dropped counts malformed entries acknowledged without running the handler.
	Dropped uint64 `json:"dropped"`
	// Claimed counts entries taken over from stalled consumers.
	Claimed         uint64    `json:"claimed"`
	InFlight        bool      `json:"in_flight"`
	LastProcessedAt time.Time `json:"last_processed_at,omitzero"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by category.
type ErrorBreakdown struct {
	Malformed uint64 `json:"malformed"`
	Handler   uint64 `json:"handler"`
	Timeout   uint64 `json:"timeout"`
	Panic     uint64 `json:"panic"`
	Transport uint64 `json:"transport"`
	LastError string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryMalformed ErrorCategory = "malformed"
	ErrorCategoryHandler   ErrorCategory = "handler"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryPanic     ErrorCategory = "panic"
	ErrorCategoryTransport ErrorCategory = "transport"
)

func classifyError(err error) ErrorCategory {
	var panicErr *handlers.PanicError
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrMalformedEnvelope):
		return ErrorCategoryMalformed
	case errors.Is(err, errspkg.ErrHandlerTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.As(err, &panicErr):
		return ErrorCategoryPanic
	default:
		return ErrorCategoryHandler
	}
}

// Record counts err under category.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryMalformed:
		e.Malformed++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryTransport:
		e.Transport++
	default:
		e.Handler++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type statsTracker struct {
	mu    sync.Mutex
	stats Stats

	totalProcessingTime int64
	latency             *latencyWindow
	throughput          *throughputWindow
	resources           *resourceTracker
}

func newStatsTracker(base Stats) *statsTracker {
	return &statsTracker{
		stats:      base,
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		resources:  newResourceTracker(),
	}
}

func (t *statsTracker) setState(s State) {
	t.mu.Lock()
	t.stats.State = s
	t.stats.InFlight = s == StateProcessing
	t.mu.Unlock()
}

func (t *statsTracker) recordClaimed(n int) {
	t.mu.Lock()
	t.stats.Claimed += uint64(n)
	t.mu.Unlock()
}

func (t *statsTracker) recordTransportError(err error) {
	t.mu.Lock()
	t.stats.Errors.Record(ErrorCategoryTransport, err)
	t.mu.Unlock()
}

func (t *statsTracker) recordDropped(err error) {
	t.mu.Lock()
	t.stats.Dropped++
	t.stats.Errors.Record(ErrorCategoryMalformed, err)
	t.mu.Unlock()
}

func (t *statsTracker) recordAttempt(now time.Time, duration time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.stats.Failed++
		t.stats.Errors.Record(classifyError(err), err)
	} else {
		t.stats.Processed++
	}
	t.stats.LastProcessedAt = now.UTC()

	attempts := t.stats.Processed + t.stats.Failed
	t.totalProcessingTime += int64(duration)
	t.latency.Add(duration)
	t.stats.Latency = t.latency.Snapshot()
	t.stats.Latency.AverageNs = t.totalProcessingTime / int64(attempts)

	tp := t.throughput.AddAndSnapshot(now)
	t.stats.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
}

func (t *statsTracker) snapshot() Stats {
	usage := t.resources.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Resource = usage
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
