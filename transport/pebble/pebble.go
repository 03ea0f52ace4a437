// Package pebble provides an embedded, durable channel store on Pebble for
// single-process deployments: Pebble locks its directory, so the producer,
// the workers and the status reader must share one process and one Store.
// Topics are key ranges of sequence-numbered
// entries; each consumer group keeps a cursor and a pending-entries list.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cockroachdb/pebble"

	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/transport"
)

// TransportName is the name used to register this store.
const TransportName = "pebble"

const sep = "\x00"

func init() {
	Register()
}

// Register registers the Pebble store with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PebbleCapabilities)
}

// Build opens the database under cfg.GetPebbleDir().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Store, error) {
	dir := cfg.GetPebbleDir()
	if dir == "" {
		return nil, errors.New("pebble: directory is required")
	}
	store, err := Open(dir, Options{MaxLen: cfg.GetStreamMaxLen(), Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Info("Opened Pebble channel store", watermill.LogFields{
		"dir":            dir,
		"stream_max_len": cfg.GetStreamMaxLen(),
	})
	return store, nil
}

// Capabilities returns the capabilities of this store.
func Capabilities() transport.Capabilities {
	return transport.PebbleCapabilities
}

// Options configures a Store.
type Options struct {
	// MaxLen keeps at most this many entries per topic. Zero disables trimming.
	MaxLen int64
	// NoSync skips fsync on commit. Only for tests and throwaway data.
	NoSync bool
	Logger watermill.LoggerAdapter
	// Now overrides the clock used for pending-entry idle times.
	Now func() time.Time
	// PebbleOptions is passed to pebble.Open, e.g. with FS: vfs.NewMem() in tests.
	PebbleOptions *pebble.Options
}

type pendingRecord struct {
	Consumer    string `json:"consumer"`
	DeliveredAt int64  `json:"delivered_at"`
	Deliveries  int64  `json:"deliveries"`
}

// Store implements transport.Store and transport.Claimer on Pebble.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	owns   bool
	opts   Options
	logger watermill.LoggerAdapter
	seqs   map[string]uint64
	notify chan struct{}
	closed bool
}

// Open opens (or creates) a database at dir.
func Open(dir string, opts Options) (*Store, error) {
	pebbleOpts := opts.PebbleOptions
	if pebbleOpts == nil {
		pebbleOpts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	s := New(db, opts)
	s.owns = true
	return s, nil
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *pebble.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:     db,
		opts:   opts,
		logger: logger,
		seqs:   make(map[string]uint64),
		notify: make(chan struct{}),
	}
}

func logPrefix(topic string) []byte { return []byte("log" + sep + topic + sep) }

func logKey(topic string, seq uint64) []byte {
	return []byte(fmt.Sprintf("log%s%s%s%020d", sep, topic, sep, seq))
}

func seqKey(topic string) []byte { return []byte("seq" + sep + topic) }

func groupKey(topic, group string) []byte { return []byte("grp" + sep + topic + sep + group) }

func pendingPrefix(topic, group string) []byte {
	return []byte("pel" + sep + topic + sep + group + sep)
}

func pendingKey(topic, group string, seq uint64) []byte {
	return append(pendingPrefix(topic, group), []byte(fmt.Sprintf("%020d", seq))...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	end[len(end)-1]++
	return end
}

func seqFromKey(key []byte) (uint64, bool) {
	if len(key) < 20 {
		return 0, false
	}
	seq, err := strconv.ParseUint(string(key[len(key)-20:]), 10, 64)
	return seq, err == nil
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.opts.NoSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *Store) getUint(key []byte) (uint64, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	n, err := strconv.ParseUint(string(val), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("pebble: corrupt counter %q: %w", key, err)
	}
	return n, true, nil
}

func formatUint(n uint64) []byte {
	return []byte(fmt.Sprintf("%020d", n))
}

func (s *Store) lastSeq(topic string) (uint64, error) {
	if seq, ok := s.seqs[topic]; ok {
		return seq, nil
	}
	seq, _, err := s.getUint(seqKey(topic))
	if err != nil {
		return 0, err
	}
	s.seqs[topic] = seq
	return seq, nil
}

func (s *Store) Append(ctx context.Context, topic string, data []byte) (string, error) {
	if err := transport.CheckNames(topic); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errspkg.ErrStoreClosed
	}

	last, err := s.lastSeq(topic)
	if err != nil {
		return "", fmt.Errorf("pebble: load sequence for %s: %w", topic, err)
	}
	seq := last + 1

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(logKey(topic, seq), data, nil); err != nil {
		return "", err
	}
	if err := batch.Set(seqKey(topic), formatUint(seq), nil); err != nil {
		return "", err
	}
	if s.opts.MaxLen > 0 && seq > uint64(s.opts.MaxLen) {
		floor := seq - uint64(s.opts.MaxLen) + 1
		if err := batch.DeleteRange(logKey(topic, 0), logKey(topic, floor), nil); err != nil {
			return "", err
		}
	}
	if err := batch.Commit(s.writeOpts()); err != nil {
		return "", fmt.Errorf("pebble: append to %s: %w", topic, err)
	}
	s.seqs[topic] = seq

	close(s.notify)
	s.notify = make(chan struct{})
	return strconv.FormatUint(seq, 10), nil
}

func (s *Store) EnsureGroup(ctx context.Context, topic, group string) error {
	if err := transport.CheckNames(topic, group); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStoreClosed
	}

	_, exists, err := s.getUint(groupKey(topic, group))
	if err != nil {
		return fmt.Errorf("pebble: load group %s on %s: %w", group, topic, err)
	}
	if exists {
		return nil
	}
	if err := s.db.Set(groupKey(topic, group), formatUint(0), s.writeOpts()); err != nil {
		return fmt.Errorf("pebble: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		entries, wait, err := s.readOnce(topic, group, consumer, count)
		if err != nil || len(entries) > 0 || block <= 0 {
			return entries, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (s *Store) readOnce(topic, group, consumer string, count int) ([]transport.Entry, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errspkg.ErrStoreClosed
	}

	cursor, exists, err := s.getUint(groupKey(topic, group))
	if err != nil {
		return nil, nil, fmt.Errorf("pebble: load group %s on %s: %w", group, topic, err)
	}
	if !exists {
		return nil, nil, fmt.Errorf("pebble: group %s on %s: %w", group, topic, errspkg.ErrGroupNotFound)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(topic, cursor+1),
		UpperBound: upperBound(logPrefix(topic)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	now := s.opts.Now().UnixNano()
	var entries []transport.Entry
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		seq, ok := seqFromKey(iter.Key())
		if !ok {
			continue
		}
		record, err := jsoncodec.Marshal(pendingRecord{Consumer: consumer, DeliveredAt: now, Deliveries: 1})
		if err != nil {
			return nil, nil, err
		}
		if err := batch.Set(pendingKey(topic, group, seq), record, nil); err != nil {
			return nil, nil, err
		}
		entries = append(entries, transport.Entry{
			ID:         strconv.FormatUint(seq, 10),
			Data:       bytes.Clone(iter.Value()),
			Deliveries: 1,
		})
		cursor = seq
	}
	if len(entries) == 0 {
		return nil, s.notify, nil
	}

	if err := batch.Set(groupKey(topic, group), formatUint(cursor), nil); err != nil {
		return nil, nil, err
	}
	if err := batch.Commit(s.writeOpts()); err != nil {
		return nil, nil, fmt.Errorf("pebble: deliver from %s: %w", topic, err)
	}
	return entries, s.notify, nil
}

func (s *Store) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStoreClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, id := range ids {
		seq, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		if err := batch.Delete(pendingKey(topic, group, seq), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(s.writeOpts()); err != nil {
		return fmt.Errorf("pebble: ack on %s: %w", topic, err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]transport.Entry, error) {
	if err := transport.CheckNames(topic, group, consumer); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrStoreClosed
	}

	prefix := pendingPrefix(topic, group)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	now := s.opts.Now()
	var entries []transport.Entry
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		seq, ok := seqFromKey(iter.Key())
		if !ok {
			continue
		}
		var record pendingRecord
		if err := jsoncodec.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("pebble: corrupt pending record %d: %w", seq, err)
		}
		if now.Sub(time.Unix(0, record.DeliveredAt)) < minIdle {
			continue
		}

		data, closer, err := s.db.Get(logKey(topic, seq))
		if errors.Is(err, pebble.ErrNotFound) {
			// trimmed away while pending
			if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		payload := bytes.Clone(data)
		closer.Close()

		record.Consumer = consumer
		record.DeliveredAt = now.UnixNano()
		record.Deliveries++
		encoded, err := jsoncodec.Marshal(record)
		if err != nil {
			return nil, err
		}
		if err := batch.Set(bytes.Clone(iter.Key()), encoded, nil); err != nil {
			return nil, err
		}
		entries = append(entries, transport.Entry{
			ID:         strconv.FormatUint(seq, 10),
			Data:       payload,
			Deliveries: record.Deliveries,
		})
	}

	if err := batch.Commit(s.writeOpts()); err != nil {
		return nil, fmt.Errorf("pebble: claim on %s: %w", topic, err)
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

func (s *Store) Depth(ctx context.Context, topic, group string) (int64, error) {
	if err := transport.CheckNames(topic, group); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errspkg.ErrStoreClosed
	}

	cursor, _, err := s.getUint(groupKey(topic, group))
	if err != nil {
		return 0, err
	}
	undelivered, err := s.countRange(logKey(topic, cursor+1), upperBound(logPrefix(topic)))
	if err != nil {
		return 0, err
	}
	prefix := pendingPrefix(topic, group)
	pending, err := s.countRange(prefix, upperBound(prefix))
	if err != nil {
		return 0, err
	}
	return undelivered + pending, nil
}

func (s *Store) countRange(lower, upper []byte) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	if s.owns {
		return s.db.Close()
	}
	return nil
}
