package worker

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the worker process.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

const (
	metricCPUSeconds = "/cpu/classes/user:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker reads runtime/metrics without stopping the world. CPU is
// the share of all cores used since the previous snapshot.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	now     func() time.Time

	prevCPU float64
	prevAt  time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
		now: time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	at := r.now()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	for _, s := range r.samples {
		switch s.Name {
		case metricHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		case metricCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.prevAt.IsZero() {
				if wall := at.Sub(r.prevAt).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - r.prevCPU) / wall / float64(runtime.NumCPU()) * 100
				}
			}
			r.prevCPU, r.prevAt = cpu, at
		}
	}
	return usage
}
