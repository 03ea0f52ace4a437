package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
	}
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			n, err := store.Increment(ctx, "total_dispatched")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = store.Increment(ctx, "total_dispatched")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			require.NoError(t, store.Set(ctx, LastActivityKey, "2026-01-02T03:04:05Z"))

			values, err := store.Values(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{
				"total_dispatched": "2",
				LastActivityKey:    "2026-01-02T03:04:05Z",
			}, values)
		})
	}
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(context.Background(), "k")
		}()
	}
	wg.Wait()
	values, err := store.Values(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50", values["k"])
}

func TestRedisStoreUsesHash(t *testing.T) {
	store, mr := newRedisStore(t)
	_, err := store.Increment(context.Background(), "vision_errors")
	require.NoError(t, err)
	assert.Equal(t, "1", mr.HGet(DefaultRedisKey, "vision_errors"))
}

func TestRedisStoreErrors(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.SetError("LOADING dataset in memory")

	_, err := store.Increment(context.Background(), "k")
	assert.ErrorContains(t, err, "stats: increment k")
	assert.Error(t, store.Set(context.Background(), "k", "v"))
	_, err = store.Values(context.Background())
	assert.Error(t, err)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = OpenRedis(context.Background(), "://bad")
	assert.ErrorContains(t, err, "parse redis url")
}

func TestCounters(t *testing.T) {
	store := NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counters := NewCounters(store, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	require.NoError(t, counters.Dispatched(ctx, assignment.Embedding))
	require.NoError(t, counters.Dispatched(ctx, assignment.Vision))
	require.NoError(t, counters.Processed(ctx, assignment.Embedding))
	require.NoError(t, counters.Failed(ctx, assignment.Vision))
	require.NoError(t, counters.Touch(ctx))

	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", values["total_dispatched"])
	assert.Equal(t, "1", values["embedding_dispatched"])
	assert.Equal(t, "1", values["vision_dispatched"])
	assert.Equal(t, "1", values["total_processed"])
	assert.Equal(t, "1", values["embedding_processed"])
	assert.Equal(t, "1", values["total_errors"])
	assert.Equal(t, "1", values["vision_errors"])
	assert.Equal(t, "2026-03-01T12:00:00Z", values[LastActivityKey])
}

type failingStore struct{ MemoryStore }

func (*failingStore) Increment(context.Context, string) (int64, error) {
	return 0, errors.New("down")
}

func TestCountersReportStoreFailures(t *testing.T) {
	counters := NewCounters(&failingStore{})
	err := counters.Dispatched(context.Background(), assignment.Grid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}

func TestCountersMirrorToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NoError(t, metrics.Register())
	require.NoError(t, metrics.Register())

	counters := NewCounters(NewMemoryStore(), WithMetrics(metrics))
	ctx := context.Background()
	require.NoError(t, counters.Dispatched(ctx, assignment.Grid))
	require.NoError(t, counters.Dispatched(ctx, assignment.Grid))
	require.NoError(t, counters.Failed(ctx, assignment.Grid))
	metrics.ObserveDuration(assignment.Grid, 20*time.Millisecond)
	metrics.SetDepth("assignments.grid", 4)
	metrics.SetDepth("assignments.grid", UnknownDepth)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("grid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failed.WithLabelValues("grid")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.depth.WithLabelValues("assignments.grid")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
	assert.Same(t, metrics, counters.Metrics())
}

type depthStore struct {
	transport.Store
	depths map[string]int64
	errs   map[string]error
}

func (d depthStore) Depth(_ context.Context, topic, _ string) (int64, error) {
	if err := d.errs[topic]; err != nil {
		return 0, err
	}
	return d.depths[topic], nil
}

func TestCollect(t *testing.T) {
	store := NewMemoryStore()
	counters := NewCounters(store)
	ctx := context.Background()
	require.NoError(t, counters.Dispatched(ctx, assignment.Embedding))
	require.NoError(t, counters.Processed(ctx, assignment.Embedding))
	require.NoError(t, counters.Touch(ctx))
	require.NoError(t, store.Set(ctx, "note", "not-a-number"))

	channels := depthStore{
		depths: map[string]int64{"assignments.embedding": 2},
		errs: map[string]error{
			"assignments.kafka": errspkg.ErrDepthUnsupported,
			"assignments.down":  errors.New("connection refused"),
		},
	}
	queues := []Queue{
		{Topic: "assignments.embedding", Group: "workers.embedding"},
		{Topic: "assignments.kafka", Group: "workers.kafka"},
		{Topic: "assignments.down", Group: "workers.down"},
	}

	snap, err := Collect(ctx, store, channels, queues, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"total_dispatched": 1, "embedding_dispatched": 1}, snap.Assignments)
	assert.Equal(t, map[string]int64{"total_processed": 1, "embedding_processed": 1}, snap.Workers)
	require.NotNil(t, snap.LastActivity)
	assert.Equal(t, int64(2), snap.QueueLengths["assignments.embedding"])
	assert.Equal(t, UnknownDepth, snap.QueueLengths["assignments.kafka"])
	assert.Equal(t, UnknownDepth, snap.QueueLengths["assignments.down"])
	assert.NotContains(t, snap.QueueErrors, "assignments.kafka")
	assert.Equal(t, "connection refused", snap.QueueErrors["assignments.down"])
	assert.Equal(t, int64(1), snap.Counter("embedding_processed"))
	assert.Equal(t, int64(0), snap.Counter("missing"))
}

func TestCollectWithoutChannelStore(t *testing.T) {
	snap, err := Collect(context.Background(), NewMemoryStore(), nil, []Queue{{Topic: "t", Group: "g"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, UnknownDepth, snap.QueueLengths["t"])
}

func TestDeadLetterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDeadLetterMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	m.Record("assignments.vision", ReasonHandler, 1, 5*time.Second)
	m.Record("assignments.vision", ReasonMalformed, 3, -1)
	m.Record("assignments.grid", ReasonHandler, 2, time.Second)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalMessages)
	vision := snap.TopicMetrics["assignments.vision"]
	assert.Equal(t, uint64(2), vision.MessagesReceived)
	assert.Equal(t, uint64(1), vision.Malformed)
	assert.Equal(t, uint64(1), vision.HandlerFailures)
	assert.Equal(t, 2.0, vision.AvgDeliveries)
	assert.False(t, vision.OldestMessageAt.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("assignments.vision", ReasonMalformed)))

	m.Reset()
	assert.Zero(t, m.Snapshot().TotalMessages)

	var nilMetrics *DeadLetterMetrics
	nilMetrics.Record("t", ReasonHandler, 1, 0)
}
