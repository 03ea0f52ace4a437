package stats

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

// UnknownDepth is reported for queues whose store cannot tell its depth.
const UnknownDepth int64 = -1

// Queue names one topic and the worker group whose lag is reported for it.
type Queue struct {
	Topic string
	Group string
}

// Snapshot is the operator status view.
type Snapshot struct {
	// Assignments holds the *_dispatched counters.
	Assignments map[string]int64 `json:"assignments"`
	// Workers holds the *_processed and *_errors counters.
	Workers      map[string]int64 `json:"workers"`
	LastActivity *time.Time       `json:"last_activity,omitempty"`
	// QueueLengths maps topic to live depth, UnknownDepth when unavailable.
	QueueLengths map[string]int64  `json:"queue_lengths"`
	QueueErrors  map[string]string `json:"queue_errors,omitempty"`
	CollectedAt  time.Time         `json:"collected_at"`
}

// Collect reads every counter and asks the channel store for the current
// depth of each queue. Depth is never cached. Only a failing stats store
// makes Collect fail; queue problems are reported per topic.
func Collect(ctx context.Context, counters Store, channels transport.Store, queues []Queue, metrics *Metrics) (Snapshot, error) {
	snap := Snapshot{
		Assignments:  map[string]int64{},
		Workers:      map[string]int64{},
		QueueLengths: map[string]int64{},
		CollectedAt:  time.Now().UTC(),
	}

	values, err := counters.Values(ctx)
	if err != nil {
		return snap, err
	}
	for key, raw := range values {
		if key == LastActivityKey {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				snap.LastActivity = &ts
			}
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if strings.HasSuffix(key, "_"+KindDispatched) {
			snap.Assignments[key] = n
		} else {
			snap.Workers[key] = n
		}
	}

	for _, q := range queues {
		if channels == nil {
			snap.QueueLengths[q.Topic] = UnknownDepth
			continue
		}
		depth, err := channels.Depth(ctx, q.Topic, q.Group)
		if err != nil {
			snap.QueueLengths[q.Topic] = UnknownDepth
			if !errors.Is(err, errspkg.ErrDepthUnsupported) {
				if snap.QueueErrors == nil {
					snap.QueueErrors = map[string]string{}
				}
				snap.QueueErrors[q.Topic] = err.Error()
			}
			continue
		}
		snap.QueueLengths[q.Topic] = depth
		metrics.SetDepth(q.Topic, depth)
	}
	return snap, nil
}

// Counter returns the named counter from either section, 0 when absent.
func (s Snapshot) Counter(key string) int64 {
	if n, ok := s.Assignments[key]; ok {
		return n
	}
	return s.Workers[key]
}
