package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/ids"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/scheduler"
	"github.com/drblury/assignflow/internal/runtime/stats"
	"github.com/drblury/assignflow/transport"
	"github.com/drblury/assignflow/transport/redis"
)

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

type fixture struct {
	store    transport.Store
	counters *stats.Counters
	memory   *stats.MemoryStore
	d        *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), redis.Options{OwnsClient: true})
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureWithStore(t, store, opts...)
}

func newFixtureWithStore(t *testing.T, store transport.Store, opts ...Option) *fixture {
	t.Helper()
	memory := stats.NewMemoryStore()
	counters := stats.NewCounters(memory)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	d, err := New(store, counters, logging.Discard(), opts...)
	require.NoError(t, err)
	return &fixture{store: store, counters: counters, memory: memory, d: d}
}

func (f *fixture) counter(t *testing.T, key string) string {
	t.Helper()
	values, err := f.memory.Values(context.Background())
	require.NoError(t, err)
	return values[key]
}

func (f *fixture) readAll(t *testing.T, typ assignment.Type) []assignment.Assignment {
	t.Helper()
	ctx := context.Background()
	topic := f.d.Topic(typ)
	group := "workers." + string(typ)
	require.NoError(t, f.store.EnsureGroup(ctx, topic, group))

	entries, err := f.store.Read(ctx, topic, group, "reader", 100, 10*time.Millisecond)
	require.NoError(t, err)

	out := make([]assignment.Assignment, 0, len(entries))
	for _, e := range entries {
		a, err := assignment.Decode(e.Data)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

// failingStore fails Append on the listed topics and delegates everything else.
type failingStore struct {
	transport.Store
	failTopics map[string]bool
}

func (s *failingStore) Append(ctx context.Context, topic string, data []byte) (string, error) {
	if s.failTopics[topic] {
		return "", errors.New("append refused")
	}
	return s.Store.Append(ctx, topic, data)
}

type failingCounters struct{}

func (failingCounters) Increment(context.Context, string) (int64, error) {
	return 0, errors.New("stats unavailable")
}
func (failingCounters) Set(context.Context, string, string) error { return errors.New("stats unavailable") }
func (failingCounters) Values(context.Context) (map[string]string, error) {
	return nil, errors.New("stats unavailable")
}

func TestNewValidation(t *testing.T) {
	counters := stats.NewCounters(stats.NewMemoryStore())
	store := &failingStore{}

	_, err := New(nil, counters, logging.Discard())
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	_, err = New(store, nil, logging.Discard())
	assert.ErrorIs(t, err, errspkg.ErrStatsRequired)

	_, err = New(store, counters, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.d.Dispatch(ctx, assignment.Embedding, assignment.Payload{"message_id": "m-1", "content": "hi"})
	require.NoError(t, err)
	assert.Len(t, id, 26)

	got := f.readAll(t, assignment.Embedding)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, assignment.Embedding, got[0].Type)
	assert.Equal(t, "hi", got[0].Payload.String("content"))
	assert.True(t, fixedNow.Equal(got[0].DispatchedAt))

	stamped, ok := ids.Time(id)
	require.True(t, ok)
	assert.True(t, fixedNow.Equal(stamped))

	assert.Equal(t, "1", f.counter(t, "total_dispatched"))
	assert.Equal(t, "1", f.counter(t, "embedding_dispatched"))
}

func TestDispatchDoesNotAliasPayload(t *testing.T) {
	f := newFixture(t)
	payload := assignment.Payload{"content": "before"}

	_, err := f.d.Dispatch(context.Background(), assignment.Grid, payload)
	require.NoError(t, err)
	payload["content"] = "after"

	got := f.readAll(t, assignment.Grid)
	require.Len(t, got, 1)
	assert.Equal(t, "before", got[0].Payload.String("content"))
}

func TestDispatchUnknownTypeHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.d.Dispatch(ctx, "astro", assignment.Payload{"content": "x"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, errspkg.ErrUnknownAssignmentType)

	_, err = f.d.DispatchName(ctx, "astro", nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownAssignmentType)

	values, err := f.memory.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)

	depth, err := f.store.Depth(ctx, f.d.Topic("astro"), "workers.astro")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDispatchName(t *testing.T) {
	f := newFixture(t)

	id, err := f.d.DispatchName(context.Background(), " temporal ", nil)
	require.NoError(t, err)

	got := f.readAll(t, assignment.Temporal)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.NotNil(t, got[0].Payload)
}

func TestDispatchCustomTypesAndTopics(t *testing.T) {
	types := assignment.DefaultTypeSet()
	types.Add("report")
	f := newFixture(t, WithTypes(types), WithTopics(PrefixTopics("jobs.")))

	_, err := f.d.Dispatch(context.Background(), "report", nil)
	require.NoError(t, err)
	assert.Equal(t, "jobs.report", f.d.Topic("report"))
	assert.Len(t, f.readAll(t, "report"), 1)
	assert.Equal(t, "1", f.counter(t, "report_dispatched"))
}

func TestDispatchAppendFailure(t *testing.T) {
	base := newFixture(t).store
	store := &failingStore{Store: base, failTopics: map[string]bool{"assignments.grid": true}}
	f := newFixtureWithStore(t, store)

	id, err := f.d.Dispatch(context.Background(), assignment.Grid, nil)
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Contains(t, err.Error(), "assignments.grid")
	assert.Empty(t, f.counter(t, "total_dispatched"))
}

func TestDispatchSurvivesCounterFailure(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.store, stats.NewCounters(failingCounters{}), logging.Discard())
	require.NoError(t, err)

	id, err := d.Dispatch(context.Background(), assignment.Entity, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, f.readAll(t, assignment.Entity), 1)
}

func TestConcurrentDispatchProducesUniqueIDs(t *testing.T) {
	f := newFixture(t, WithClock(time.Now))
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var (
		mu   sync.Mutex
		seen = make(map[string]bool, workers*perWorker)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				id, err := f.d.Dispatch(ctx, assignment.Embedding, nil)
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, "200", f.counter(t, "total_dispatched"))
}

func TestDispatchConversationTurn(t *testing.T) {
	f := newFixture(t)
	f.d.newUUID = func() string { return "exchange-1" }

	result, err := f.d.DispatchConversationTurn(context.Background(), Turn{
		MessageID:      "m-7",
		Content:        "look at these",
		UserID:         "u-1",
		ConversationID: "c-1",
		PhotoRefs:      []string{"photo-a", "photo-b"},
		Extra:          assignment.Payload{"locale": "de", "message_id": "ignored"},
	})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, "exchange-1", result.ExchangeID)
	ids := result.IDs()
	assert.Len(t, ids, 5)
	for _, label := range []string{"grid", "embedding", "temporal", "vision_0", "vision_1"} {
		assert.NotEmpty(t, ids[label], label)
	}

	vision := f.readAll(t, assignment.Vision)
	require.Len(t, vision, 2)
	assert.Equal(t, "photo-a", vision[0].Payload.String("photo_ref"))
	assert.Equal(t, "photo-b", vision[1].Payload.String("photo_ref"))
	idx, ok := vision[1].Payload.Int("photo_index")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	grid := f.readAll(t, assignment.Grid)
	require.Len(t, grid, 1)
	assert.Equal(t, "m-7", grid[0].Payload.String("message_id"))
	assert.Equal(t, "de", grid[0].Payload.String("locale"))
	assert.Equal(t, "exchange-1", grid[0].Payload.String("exchange_id"))
	assert.Empty(t, grid[0].Payload.String("photo_ref"))

	assert.Equal(t, "5", f.counter(t, "total_dispatched"))
	assert.Equal(t, "2", f.counter(t, "vision_dispatched"))
}

func TestDispatchConversationTurnPartialFailure(t *testing.T) {
	base := newFixture(t).store
	store := &failingStore{Store: base, failTopics: map[string]bool{"assignments.embedding": true}}
	f := newFixtureWithStore(t, store)

	result, err := f.d.DispatchConversationTurn(context.Background(), Turn{
		MessageID:      "m-8",
		UserID:         "u-1",
		ConversationID: "c-1",
		ExchangeID:     "given",
		PhotoRefs:      []string{"p1", "p2"},
	})
	require.NoError(t, err)
	require.Len(t, result.Legs, 5)

	assert.Equal(t, "given", result.ExchangeID)
	assert.Len(t, result.IDs(), 4)
	assert.NotContains(t, result.IDs(), "embedding")
	require.Error(t, result.Err())
	assert.Contains(t, result.Err().Error(), "embedding")
	assert.Equal(t, "4", f.counter(t, "total_dispatched"))
}

func TestDispatchConversationTurnRejectsInvalidTurn(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.DispatchConversationTurn(context.Background(), Turn{MessageID: "m-1", UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConversationID")

	_, err = f.d.DispatchConversationTurn(context.Background(), Turn{
		MessageID: "m-1", UserID: "u", ConversationID: "c", PhotoRefs: []string{""},
	})
	require.Error(t, err)
	assert.Empty(t, f.counter(t, "total_dispatched"))
}

func TestCheckTriggers(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, scheduler.CheckTriggers(99), f.d.CheckTriggers(99))
	assert.Empty(t, f.d.CheckTriggers(3))
}

func TestDispatchRebuilds(t *testing.T) {
	f := newFixture(t)
	ref := ConversationRef{ConversationID: "c-1", UserID: "u-1", ExchangeID: "x-1"}

	results, err := f.d.DispatchRebuilds(context.Background(), ref, 99)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, scheduler.RebuildRequest{Tier: 1, StartIdx: 1, EndIdx: 20}, results[0].Request)
	assert.Equal(t, scheduler.RebuildRequest{Tier: 2, StartIdx: 21, EndIdx: 60}, results[1].Request)

	got := f.readAll(t, assignment.Summary)
	require.Len(t, got, 2)
	assert.Equal(t, results[0].ID, got[0].ID)

	tier, _ := got[1].Payload.Int("tier")
	start, _ := got[1].Payload.Int("start_idx")
	end, _ := got[1].Payload.Int("end_idx")
	count, _ := got[1].Payload.Int("message_count")
	assert.Equal(t, []int{2, 21, 60, 99}, []int{tier, start, end, count})
	assert.Equal(t, "x-1", got[1].Payload.String("exchange_id"))

	results, err = f.d.DispatchRebuilds(context.Background(), ref, 20)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDispatchRebuildsWithCustomPolicy(t *testing.T) {
	policy, err := scheduler.NewPolicy(scheduler.Tier{Level: 1, Threshold: 4, Every: 2, Start: 1, End: 5, Lead: 1})
	require.NoError(t, err)
	f := newFixture(t, WithPolicy(policy))

	results, err := f.d.DispatchRebuilds(context.Background(), ConversationRef{ConversationID: "c", UserID: "u"}, 6)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Request.EndIdx)
}

func TestDispatchRebuildsErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.DispatchRebuilds(context.Background(), ConversationRef{UserID: "u"}, 19)
	require.Error(t, err)

	base := newFixture(t).store
	failing := newFixtureWithStore(t, &failingStore{Store: base, failTopics: map[string]bool{"assignments.summary": true}})
	results, err := failing.d.DispatchRebuilds(context.Background(), ConversationRef{ConversationID: "c", UserID: "u"}, 19)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Contains(t, err.Error(), "tier 1 rebuild")
}
