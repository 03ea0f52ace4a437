// Package storetest holds the behaviour every transport.Store backend with
// consumer groups must share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

// Factory returns a fresh, empty store. Run closes it when the subtest ends.
type Factory func(t *testing.T) transport.Store

// Options tunes the suite for backends with coarse clocks.
type Options struct {
	// ClaimIdle is the processing window used by the stale-entry test.
	ClaimIdle time.Duration
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory, opts Options) {
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 50 * time.Millisecond
	}

	cases := []struct {
		name string
		fn   func(t *testing.T, store transport.Store, opts Options)
	}{
		{"AppendPreservesOrder", testAppendPreservesOrder},
		{"GroupStartsAtOldestEntry", testGroupStartsAtOldestEntry},
		{"EnsureGroupIsIdempotent", testEnsureGroupIsIdempotent},
		{"ExclusiveWithinGroup", testExclusiveWithinGroup},
		{"IndependentGroups", testIndependentGroups},
		{"AckAndDepth", testAckAndDepth},
		{"DepthAfterPartialRead", testDepthAfterPartialRead},
		{"BlankNamesRejected", testBlankNamesRejected},
		{"ReadWithoutGroup", testReadWithoutGroup},
		{"EmptyReadReturnsNothing", testEmptyReadReturnsNothing},
		{"ReadWaitsForAppend", testReadWaitsForAppend},
		{"ClaimStaleEntry", testClaimStaleEntry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := factory(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store, opts)
		})
	}
}

func appendN(t *testing.T, store transport.Store, topic string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.Append(context.Background(), topic, []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	return ids
}

func payloads(entries []transport.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.Data))
	}
	return out
}

func entryIDs(entries []transport.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func testAppendPreservesOrder(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "orders", "workers"))
	ids := appendN(t, store, "orders", 5)

	entries, err := store.Read(ctx, "orders", "workers", "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"entry-0", "entry-1", "entry-2", "entry-3", "entry-4"}, payloads(entries))
	assert.Equal(t, ids, entryIDs(entries))
}

func testGroupStartsAtOldestEntry(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	appendN(t, store, "backlog", 3)
	require.NoError(t, store.EnsureGroup(ctx, "backlog", "late"))

	entries, err := store.Read(ctx, "backlog", "late", "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"entry-0", "entry-1", "entry-2"}, payloads(entries))
}

func testEnsureGroupIsIdempotent(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "idem", "workers"))
	appendN(t, store, "idem", 3)

	first, err := store.Read(ctx, "idem", "workers", "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, store.Ack(ctx, "idem", "workers", first[0].ID))

	require.NoError(t, store.EnsureGroup(ctx, "idem", "workers"))
	require.NoError(t, store.EnsureGroup(ctx, "idem", "workers"))

	rest, err := store.Read(ctx, "idem", "workers", "c1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"entry-1", "entry-2"}, payloads(rest), "re-joining must not reset the cursor")
}

func testExclusiveWithinGroup(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "shared", "workers"))
	appendN(t, store, "shared", 4)

	a, err := store.Read(ctx, "shared", "workers", "a", 2, 0)
	require.NoError(t, err)
	b, err := store.Read(ctx, "shared", "workers", "b", 10, 0)
	require.NoError(t, err)

	assert.Len(t, a, 2)
	assert.Len(t, b, 2)
	for _, id := range entryIDs(a) {
		assert.NotContains(t, entryIDs(b), id)
	}
}

func testIndependentGroups(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "fanout", "g1"))
	require.NoError(t, store.EnsureGroup(ctx, "fanout", "g2"))
	appendN(t, store, "fanout", 2)

	g1, err := store.Read(ctx, "fanout", "g1", "c", 10, 0)
	require.NoError(t, err)
	g2, err := store.Read(ctx, "fanout", "g2", "c", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, payloads(g1), payloads(g2))
	assert.Len(t, g1, 2)
}

func testAckAndDepth(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "depth", "workers"))

	depth, err := store.Depth(ctx, "depth", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	appendN(t, store, "depth", 3)
	depth, err = store.Depth(ctx, "depth", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	entries, err := store.Read(ctx, "depth", "workers", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	depth, err = store.Depth(ctx, "depth", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth, "delivered but unacknowledged entries still count")

	require.NoError(t, store.Ack(ctx, "depth", "workers", entries[0].ID, entries[1].ID))
	depth, err = store.Depth(ctx, "depth", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, store.Ack(ctx, "depth", "workers", entries[2].ID))
	require.NoError(t, store.Ack(ctx, "depth", "workers", entries[2].ID), "acking twice is harmless")
	depth, err = store.Depth(ctx, "depth", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func testDepthAfterPartialRead(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "backlog", "workers"))
	appendN(t, store, "backlog", 5)

	entries, err := store.Read(ctx, "backlog", "workers", "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, store.Ack(ctx, "backlog", "workers", entries[0].ID))

	depth, err := store.Depth(ctx, "backlog", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth, "one pending plus three undelivered")

	appendN(t, store, "backlog", 1)
	depth, err = store.Depth(ctx, "backlog", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(5), depth)
}

func testBlankNamesRejected(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()

	_, err := store.Append(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
	assert.ErrorIs(t, store.EnsureGroup(ctx, "named", " "), errspkg.ErrGroupRequired)
	_, err = store.Read(ctx, "named", "workers", "", 1, 0)
	assert.ErrorIs(t, err, errspkg.ErrConsumerRequired)
	_, err = store.Depth(ctx, "", "workers")
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	if claimer, ok := store.(transport.Claimer); ok {
		_, err = claimer.Claim(ctx, "named", "", "c1", time.Millisecond, 1)
		assert.ErrorIs(t, err, errspkg.ErrGroupRequired)
	}
}

func testReadWithoutGroup(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	appendN(t, store, "orphan", 1)

	_, err := store.Read(ctx, "orphan", "never-joined", "c1", 1, 0)
	assert.ErrorIs(t, err, errspkg.ErrGroupNotFound)

	require.NoError(t, store.EnsureGroup(ctx, "orphan", "never-joined"))
	entries, err := store.Read(ctx, "orphan", "never-joined", "c1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testEmptyReadReturnsNothing(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "quiet", "workers"))

	start := time.Now()
	entries, err := store.Read(ctx, "quiet", "workers", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func testReadWaitsForAppend(t *testing.T, store transport.Store, _ Options) {
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "wake", "workers"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = store.Append(context.Background(), "wake", []byte("late"))
	}()

	entries, err := store.Read(ctx, "wake", "workers", "c1", 10, 3*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", string(entries[0].Data))
}

func testClaimStaleEntry(t *testing.T, store transport.Store, opts Options) {
	claimer, ok := store.(transport.Claimer)
	if !ok {
		t.Skip("store relies on broker redelivery")
	}
	ctx := context.Background()
	require.NoError(t, store.EnsureGroup(ctx, "stale", "workers"))
	appendN(t, store, "stale", 1)

	// consumer a takes the entry and dies before acknowledging it
	taken, err := store.Read(ctx, "stale", "workers", "a", 1, 0)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	fresh, err := claimer.Claim(ctx, "stale", "workers", "b", time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh, "entries inside the processing window stay with their consumer")

	time.Sleep(opts.ClaimIdle * 2)
	claimed, err := claimer.Claim(ctx, "stale", "workers", "b", opts.ClaimIdle, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, taken[0].ID, claimed[0].ID)
	assert.Equal(t, "entry-0", string(claimed[0].Data))

	require.NoError(t, store.Ack(ctx, "stale", "workers", claimed[0].ID))
	depth, err := store.Depth(ctx, "stale", "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
