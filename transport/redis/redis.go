// Package redis provides the Redis Streams channel store. Topics are streams,
// consumer groups are stream groups, and stale entries move between consumers
// through XAUTOCLAIM.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	goredis "github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/transport"
)

// TransportName is the name used to register this store.
const TransportName = "redis"

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build connects to cfg.GetRedisURL() and verifies the server answers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	url := cfg.GetRedisURL()
	if url == "" {
		return nil, errors.New("redis: URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}

	client := ClientFactory(opts)
	store := New(client, Options{
		MaxLen:     cfg.GetStreamMaxLen(),
		Logger:     logger,
		OwnsClient: true,
	})
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("Connected to Redis channel store", watermill.LogFields{
		"addr":           opts.Addr,
		"db":             opts.DB,
		"stream_max_len": cfg.GetStreamMaxLen(),
	})
	return store, nil
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Options configures a Store.
type Options struct {
	// MaxLen trims each stream to roughly this many entries. Zero disables trimming.
	MaxLen int64
	Logger watermill.LoggerAdapter
	// OwnsClient closes the client on Close.
	OwnsClient bool
}

// Store implements transport.Store, transport.Claimer and transport.Pinger on
// Redis Streams.
type Store struct {
	client goredis.UniversalClient
	maxLen int64
	logger watermill.LoggerAdapter
	owns   bool
	closed atomic.Bool
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Store{
		client: client,
		maxLen: opts.MaxLen,
		logger: logger,
		owns:   opts.OwnsClient,
	}
}

// Client exposes the underlying client, e.g. to share it with the stats store.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, topic string, data []byte) (string, error) {
	if err := transport.CheckNames(topic); err != nil {
		return "", err
	}
	if s.closed.Load() {
		return "", errspkg.ErrStoreClosed
	}
	args := &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]any{transport.DataField: data},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis: xadd %s: %w", topic, err)
	}
	return id, nil
}

func (s *Store) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := transport.CheckNames(topic, group); err != nil {
		return err
	}
	if s.closed.Load() {
		return errspkg.ErrStoreClosed
	}
	err := s.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("redis: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errspkg.ErrStoreClosed
	}
	if block <= 0 {
		// go-redis treats zero as "block forever"
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if isNoGroup(err) {
		return nil, fmt.Errorf("redis: xreadgroup %s/%s: %w: %w", topic, group, errspkg.ErrGroupNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xreadgroup %s/%s: %w", topic, group, err)
	}

	var entries []transport.Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entry := toEntry(msg)
			entry.Deliveries = 1
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: xack %s/%s: %w", topic, group, err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, errspkg.ErrStoreClosed
	}
	msgs, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if isNoGroup(err) {
		return nil, fmt.Errorf("redis: xautoclaim %s/%s: %w: %w", topic, group, errspkg.ErrGroupNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xautoclaim %s/%s: %w", topic, group, err)
	}

	entries := make([]transport.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	if len(entries) > 0 {
		s.logger.Debug("Claimed stale entries", watermill.LogFields{
			"topic":    topic,
			"group":    group,
			"consumer": consumer,
			"count":    len(entries),
		})
	}
	return entries, nil
}

// Depth is the group's pending count plus the entries after its last
// delivered id. Redis 7 reports the latter as the group lag; older servers,
// and groups whose lag Redis cannot determine, fall back to counting the
// entries server-side.
func (s *Store) Depth(ctx context.Context, topic, group string) (int64, error) {
	if err := transport.CheckNames(topic, group); err != nil {
		return 0, err
	}
	reply, err := s.client.Do(ctx, "XINFO", "GROUPS", topic).Result()
	if err != nil {
		if isNoSuchKey(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: xinfo groups %s: %w", topic, err)
	}

	info, ok := findGroup(reply, group)
	if !ok {
		// A group created now would start at the oldest entry.
		n, err := s.client.XLen(ctx, topic).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: xlen %s: %w", topic, err)
		}
		return n, nil
	}
	if info.lagKnown {
		return info.pending + info.lag, nil
	}
	undelivered, err := s.countAfter(ctx, topic, info.lastDeliveredID)
	if err != nil {
		return 0, err
	}
	return info.pending + undelivered, nil
}

// countAfterScript counts the entries after ARGV[1] without shipping them.
var countAfterScript = goredis.NewScript(`
local entries = redis.call('XRANGE', KEYS[1], ARGV[1], '+')
local n = #entries
if n > 0 and entries[1][1] == ARGV[1] then
	n = n - 1
end
return n
`)

func (s *Store) countAfter(ctx context.Context, topic, lastID string) (int64, error) {
	if lastID == "" || lastID == "0-0" {
		n, err := s.client.XLen(ctx, topic).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: xlen %s: %w", topic, err)
		}
		return n, nil
	}
	n, err := countAfterScript.Run(ctx, s.client, []string{topic}, lastID).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: count %s after %s: %w", topic, lastID, err)
	}
	return n, nil
}

type groupInfo struct {
	pending         int64
	lastDeliveredID string
	lag             int64
	// lagKnown is false when the server omits lag or entries-read, or
	// reports either as null.
	lagKnown bool
}

// findGroup picks group out of a raw XINFO GROUPS reply. Groups arrive as
// RESP3 maps or RESP2 flat key/value arrays.
func findGroup(reply any, group string) (groupInfo, bool) {
	groups, _ := reply.([]any)
	for _, raw := range groups {
		fields := groupFields(raw)
		if name, _ := fields["name"].(string); name != group {
			continue
		}
		info := groupInfo{}
		info.pending, _ = fields["pending"].(int64)
		info.lastDeliveredID, _ = fields["last-delivered-id"].(string)
		_, readKnown := fields["entries-read"].(int64)
		lag, lagOK := fields["lag"].(int64)
		if readKnown && lagOK && lag >= 0 {
			info.lag, info.lagKnown = lag, true
		}
		return info, true
	}
	return groupInfo{}, false
}

func groupFields(raw any) map[string]any {
	fields := make(map[string]any)
	switch v := raw.(type) {
	case map[any]any:
		for k, val := range v {
			if key, ok := k.(string); ok {
				fields[key] = val
			}
		}
	case []any:
		for i := 0; i+1 < len(v); i += 2 {
			if key, ok := v[i].(string); ok {
				fields[key] = v[i+1]
			}
		}
	}
	return fields
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owns {
		return s.client.Close()
	}
	return nil
}

func toEntry(msg goredis.XMessage) transport.Entry {
	entry := transport.Entry{ID: msg.ID}
	switch v := msg.Values[transport.DataField].(type) {
	case string:
		entry.Data = []byte(v)
	case []byte:
		entry.Data = v
	}
	return entry
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isNoSuchKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such key")
}
