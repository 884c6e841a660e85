// Package rediskv is the networked KV adapter, backed by
// github.com/redis/go-redis/v9. Unlike boltkv, it represents a
// connection handle worth pooling — internal/pool wraps a factory of
// these clients for the connection-pool component.
package rediskv

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"meridian.dev/server/internal/storage"
)

// Store wraps a go-redis client behind the storage.KV contract. All
// keys live in Redis's flat keyspace; prefix scan uses SCAN with a
// glob prefix match, which is adequate at Meridian's scale (episode
// counts in the thousands, not millions).
type Store struct {
	client *redis.Client
}

// Config configures a Store.
type Config struct {
	URL string // e.g. "redis://localhost:6379/0"
}

// New parses Config.URL, dials and pings the server.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

// HealthCheck pings the underlying connection; suitable as a
// pool.Pool health-check callback.
func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

// Delete implements storage.KV.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// PrefixScan implements storage.KV via SCAN with a glob prefix match,
// visiting keys in sorted order for parity with boltkv's iteration
// order.
func (s *Store) PrefixScan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		v, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return fmt.Errorf("redis get %s during scan: %w", key, err)
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return nil
}

// Batch implements storage.KV using a MULTI/EXEC transaction
// pipeline, so Redis applies every op atomically in a single round
// trip.
func (s *Store) Batch(ctx context.Context, ops []storage.BatchOp) error {
	pipe := s.client.TxPipeline()
	for _, op := range ops {
		if op.Delete {
			pipe.Del(ctx, op.Key)
			continue
		}
		pipe.Set(ctx, op.Key, op.Value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot implements storage.KV.
func (s *Store) Snapshot(ctx context.Context, prefix string) (map[string][]byte, error) {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s during snapshot: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Close implements storage.KV.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
