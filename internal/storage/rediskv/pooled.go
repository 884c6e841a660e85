package rediskv

import (
	"context"

	"meridian.dev/server/internal/pool"
	"meridian.dev/server/internal/storage"
)

// Pooled is a storage.KV whose every operation checks a client out of
// a connection pool for the duration of the call. This is the
// production pairing of the connection-pool component with the
// networked KV engine: handle creation (dial + ping) is amortized,
// concurrency is bounded by the pool's semaphore.
type Pooled struct {
	pool *pool.Pool[*Store]
}

// NewPooled builds a connection pool of Store handles for cfg.URL.
func NewPooled(ctx context.Context, cfg Config, poolCfg pool.Config) (*Pooled, error) {
	hcTimeout := poolCfg.AcquireTimeout
	if hcTimeout <= 0 {
		hcTimeout = pool.DefaultAcquireTimeout
	}
	p, err := pool.New(ctx, poolCfg, pool.Factory[*Store]{
		New: func(ctx context.Context) (*Store, error) {
			return New(ctx, cfg)
		},
		HealthCheck: func(s *Store) bool {
			ctx, cancel := context.WithTimeout(context.Background(), hcTimeout)
			defer cancel()
			return s.HealthCheck(ctx)
		},
		Close: func(s *Store) {
			s.Close()
		},
	})
	if err != nil {
		return nil, err
	}
	return &Pooled{pool: p}, nil
}

// Stats exposes the underlying pool's statistics.
func (p *Pooled) Stats() pool.Stats { return p.pool.GetStats() }

func (p *Pooled) withHandle(ctx context.Context, fn func(*Store) error) error {
	guard, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fn(guard.Handle)
}

// Get implements storage.KV.
func (p *Pooled) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := p.withHandle(ctx, func(s *Store) error {
		v, err := s.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

// Put implements storage.KV.
func (p *Pooled) Put(ctx context.Context, key string, value []byte) error {
	return p.withHandle(ctx, func(s *Store) error {
		return s.Put(ctx, key, value)
	})
}

// Delete implements storage.KV.
func (p *Pooled) Delete(ctx context.Context, key string) error {
	return p.withHandle(ctx, func(s *Store) error {
		return s.Delete(ctx, key)
	})
}

// PrefixScan implements storage.KV.
func (p *Pooled) PrefixScan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return p.withHandle(ctx, func(s *Store) error {
		return s.PrefixScan(ctx, prefix, fn)
	})
}

// Batch implements storage.KV.
func (p *Pooled) Batch(ctx context.Context, ops []storage.BatchOp) error {
	return p.withHandle(ctx, func(s *Store) error {
		return s.Batch(ctx, ops)
	})
}

// Snapshot implements storage.KV.
func (p *Pooled) Snapshot(ctx context.Context, prefix string) (map[string][]byte, error) {
	var out map[string][]byte
	err := p.withHandle(ctx, func(s *Store) error {
		m, err := s.Snapshot(ctx, prefix)
		out = m
		return err
	})
	return out, err
}

// Close shuts down the pool and every pooled client.
func (p *Pooled) Close() error {
	p.pool.Close()
	return nil
}
