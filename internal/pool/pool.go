// Package pool implements a bounded pool of reusable storage handles:
// pre-warmed up to min_size, hard-capped at max_size, with idle
// eviction and acquire-timeout semantics. A handle represents an
// expensive-to-open resource (a database connection); the pool
// amortizes that cost across callers.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/model"
)

// Connection-pool defaults.
const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultAcquireTimeout = 10 * time.Second
	DefaultHealthInterval = 60 * time.Second
)

// Factory creates and disposes of pooled handles of type T.
type Factory[T any] struct {
	New         func(ctx context.Context) (T, error)
	HealthCheck func(T) bool
	Close       func(T)
}

// Config configures a Pool.
type Config struct {
	MinSize        int
	MaxSize        int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	HealthInterval time.Duration
	Logger         *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "pool")
	}
	return c
}

type idleHandle[T any] struct {
	handle    T
	idleSince time.Time
}

// Stats is a snapshot of pool utilization.
type Stats struct {
	Total              int
	Active             int
	Idle               int
	TotalCreated       uint64
	TotalRecycled      uint64
	FailedHealthChecks uint64
	AcquireTimeouts    uint64
	AvgWaitMs          float64
}

// Pool is a bounded set of reusable handles of type T. A single
// semaphore of MaxSize permits is the one source of truth for "how
// many handles may exist concurrently" — every Acquire, whether it
// ends up reusing an idle handle or creating a new one, holds exactly
// one permit until the corresponding Guard is released.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	sem     chan struct{}

	mu     sync.Mutex
	idle   []idleHandle[T]
	count  int
	closed bool

	totalCreated       uint64
	totalRecycled      uint64
	failedHealthChecks uint64
	acquireTimeouts    uint64
	waitSamples        []float64

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates a Pool and pre-warms it to MinSize handles.
func New[T any](ctx context.Context, cfg Config, factory Factory[T]) (*Pool[T], error) {
	cfg = cfg.withDefaults()
	p := &Pool[T]{
		cfg:        cfg,
		factory:    factory,
		sem:        make(chan struct{}, cfg.MaxSize),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.sem <- struct{}{}
	}

	for i := 0; i < cfg.MinSize; i++ {
		h, err := factory.New(ctx)
		if err != nil {
			return nil, err
		}
		p.idle = append(p.idle, idleHandle[T]{handle: h, idleSince: time.Now()})
		p.count++
		p.totalCreated++
	}

	go p.healthCheckLoop()
	return p, nil
}

// Guard is a checked-out handle. Callers must call Release when done.
type Guard[T any] struct {
	Handle   T
	pool     *Pool[T]
	released bool
}

// Release returns the handle to the idle list and frees the
// semaphore permit held by this guard. Safe to call more than once;
// subsequent calls are no-ops.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.release(g.Handle)
}

// Acquire claims one of MaxSize permits, waiting up to
// AcquireTimeout if none is free, then returns an idle handle or
// creates a new one.
func (p *Pool[T]) Acquire(ctx context.Context) (*Guard[T], error) {
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case <-p.sem:
	case <-acquireCtx.Done():
		p.mu.Lock()
		p.acquireTimeouts++
		p.mu.Unlock()
		return nil, model.NewError(model.ErrTimeout, "timed out waiting for a pooled connection", map[string]any{
			"acquire_timeout_ms": p.cfg.AcquireTimeout.Milliseconds(),
		})
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.recordWait(time.Since(start))
		return &Guard[T]{Handle: h.handle, pool: p}, nil
	}
	p.mu.Unlock()

	h, err := p.factory.New(acquireCtx)
	if err != nil {
		p.sem <- struct{}{}
		return nil, err
	}
	p.mu.Lock()
	p.count++
	p.totalCreated++
	p.mu.Unlock()
	p.recordWait(time.Since(start))
	return &Guard[T]{Handle: h, pool: p}, nil
}

func (p *Pool[T]) release(h T) {
	p.mu.Lock()
	p.idle = append(p.idle, idleHandle[T]{handle: h, idleSince: time.Now()})
	p.totalRecycled++
	p.mu.Unlock()

	p.sem <- struct{}{}
}

func (p *Pool[T]) recordWait(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSamples = append(p.waitSamples, float64(d.Milliseconds()))
	if len(p.waitSamples) > 256 {
		p.waitSamples = p.waitSamples[len(p.waitSamples)-256:]
	}
}

// GetStats returns a snapshot of pool utilization.
func (p *Pool[T]) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg float64
	if n := len(p.waitSamples); n > 0 {
		var sum float64
		for _, v := range p.waitSamples {
			sum += v
		}
		avg = sum / float64(n)
	}

	return Stats{
		Total:              p.count,
		Active:             p.count - len(p.idle),
		Idle:               len(p.idle),
		TotalCreated:       p.totalCreated,
		TotalRecycled:      p.totalRecycled,
		FailedHealthChecks: p.failedHealthChecks,
		AcquireTimeouts:    p.acquireTimeouts,
		AvgWaitMs:          avg,
	}
}

// HealthCheck runs one health-check pass immediately: stale idle
// handles (idle longer than IdleTimeout) are closed and removed, the
// remaining idle handles are probed with HealthCheck and evicted if
// unhealthy, and the pool is then refilled up to MinSize. Handles
// currently checked out are left alone — health checking only ever
// touches the idle list. Idle handles hold no semaphore permits, so
// eviction never touches the semaphore; only the refill loop's
// pop-then-push does.
func (p *Pool[T]) HealthCheck(ctx context.Context) {
	// Take the whole idle list out of circulation while probing, so a
	// concurrent Acquire cannot be handed a handle mid-probe.
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := time.Now()
	var kept []idleHandle[T]
	for _, h := range idle {
		if now.Sub(h.idleSince) > p.cfg.IdleTimeout {
			p.evictIdle(h.handle)
			continue
		}
		if p.factory.HealthCheck != nil && !p.factory.HealthCheck(h.handle) {
			p.mu.Lock()
			p.failedHealthChecks++
			p.mu.Unlock()
			p.evictIdle(h.handle)
			continue
		}
		kept = append(kept, h)
	}

	p.mu.Lock()
	p.idle = append(p.idle, kept...)
	deficit := p.cfg.MinSize - p.count
	p.mu.Unlock()
	for i := 0; i < deficit; i++ {
		select {
		case <-p.sem:
		default:
			return
		}
		h, err := p.factory.New(ctx)
		if err != nil {
			p.cfg.Logger.WithError(err).Warn("failed to refill pool to min_size")
			p.sem <- struct{}{}
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleHandle[T]{handle: h, idleSince: time.Now()})
		p.count++
		p.totalCreated++
		p.mu.Unlock()
		p.sem <- struct{}{}
	}
}

// evictIdle closes an idle handle and forgets it. No semaphore permit
// moves: idle handles hold none, so count and the idle list shrink
// together and the outstanding-permit balance is untouched.
func (p *Pool[T]) evictIdle(h T) {
	if p.factory.Close != nil {
		p.factory.Close(h)
	}
	p.mu.Lock()
	p.count--
	p.mu.Unlock()
}

func (p *Pool[T]) healthCheckLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.HealthCheck(context.Background())
		case <-p.stopHealth:
			return
		}
	}
}

// Close stops the background health-check loop and closes every
// handle currently idle in the pool. Handles checked out via an
// unreleased Guard are not closed.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopHealth)
	<-p.healthDone

	if p.factory.Close != nil {
		for _, h := range idle {
			p.factory.Close(h.handle)
		}
	}
}
