package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore on a JetStream key-value bucket. Bucket
// revisions are stream sequences, which is what Update compares against.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use. The store never closes it.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Replicas is the bucket replication factor on clustered servers.
	// Default: 1
	Replicas int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// OpTimeout bounds every individual KV call on top of the caller's context.
	// Default: 5 seconds
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskbroker",
		Replicas:     1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore creates the bucket if needed and returns a store bound to it.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.OpTimeout)
	defer cancel()

	// One revision per key is all a compare-and-set needs.
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "task broker rows and events",
		History:      1,
		Replicas:     cfg.Replicas,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (c NATSStoreConfig) withDefaults() NATSStoreConfig {
	def := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.Replicas <= 0 {
		c.Replicas = def.Replicas
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	return c
}

// begin validates key and derives the per-call context.
func (s *NATSStore) begin(ctx context.Context, key string) (context.Context, context.CancelFunc, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	return ctx, cancel, nil
}

// Get returns the latest entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (Entry, error) {
	ctx, cancel, err := s.begin(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	defer cancel()

	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	return Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, nil
}

// Put writes value unconditionally.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel, err := s.begin(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cancel()

	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create writes value if key is absent or deleted.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel, err := s.begin(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongRevision(err) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update writes value if key is still at revision.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel, err := s.begin(ctx, key)
	if err != nil {
		return 0, err
	}
	defer cancel()

	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete places a delete marker on key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel, err := s.begin(ctx, key)
	if err != nil {
		return err
	}
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys returns the keys starting with prefix. A prefix ending in a dot is
// turned into a subject filter so the server only sends matching keys.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	// Listing may stream many keys, so it gets a wider budget than one call.
	ctx, cancel := context.WithTimeout(ctx, 2*s.config.OpTimeout)
	defer cancel()

	opts := []jetstream.WatchOpt{jetstream.MetaOnly(), jetstream.IgnoreDeletes()}
	var (
		watcher jetstream.KeyWatcher
		err     error
	)
	if strings.HasSuffix(prefix, ".") {
		watcher, err = s.kv.Watch(ctx, prefix+">", opts...)
	} else {
		watcher, err = s.kv.WatchAll(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("kv list keys %q: %w", prefix, err)
	}
	defer watcher.Stop()

	var keys []string
	for {
		select {
		case entry := <-watcher.Updates():
			// nil marks the end of the current values.
			if entry == nil {
				return keys, nil
			}
			if strings.HasPrefix(entry.Key(), prefix) {
				keys = append(keys, entry.Key())
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("kv list keys %q: %w", prefix, ctx.Err())
		}
	}
}

// Close marks the store closed. The connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

// isWrongRevision reports a lost compare-and-set race.
func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

var _ StateStore = (*NATSStore)(nil)
