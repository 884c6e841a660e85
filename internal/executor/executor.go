// Package executor runs dispatcher-submitted work on a fixed pool of
// worker goroutines. Submission is non-blocking and bounded by a
// queue; callers await their result on a returned channel. Workers
// prefer higher-priority work on contention but make no stronger
// ordering guarantee.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"meridian.dev/server/internal/model"
)

// Executor defaults.
const (
	DefaultQueueSize       = 10_000
	DefaultShutdownTimeout = 30 * time.Second
)

// Task is a unit of work submitted to the executor.
type Task func(ctx context.Context) (any, error)

// Result is what a submitted Task produces.
type Result struct {
	Value any
	Err   error
}

// Config configures a Pool.
type Config struct {
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	Logger          *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "executor")
	}
	return c
}

type workItem struct {
	id       uint64
	priority model.Priority
	task     Task
	reply    chan Result
	enqueued time.Time
}

// Stats is a snapshot of executor load.
type Stats struct {
	Workers        int
	Queued         int64
	Executing      int32
	TotalExecuted  uint64
	AvgQueueWaitMs float64
	AvgExecutionMs float64
}

// Pool is a fixed-size worker pool with priority-aware dispatch.
type Pool struct {
	cfg Config

	queues [4]chan workItem
	nextID uint64
	queued int64

	executing     int32
	totalExecuted uint64

	mu          sync.Mutex
	waitSamples []float64
	execSamples []float64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	group        *errgroup.Group
	ctx          context.Context
}

// New creates a Pool and starts its fixed-size worker goroutines.
func New(ctx context.Context, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		shutdown: make(chan struct{}),
		ctx:      ctx,
	}
	for i := range p.queues {
		p.queues[i] = make(chan workItem, cfg.QueueSize)
	}

	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	for i := 0; i < cfg.Workers; i++ {
		group.Go(func() error {
			p.workerLoop(gctx)
			return nil
		})
	}
	return p
}

// Submit enqueues task at the given priority and returns a channel
// that receives exactly one Result. Submission never blocks; once the
// queue is at capacity it fails with ResourceExhausted.
func (p *Pool) Submit(priority model.Priority, task Task) (<-chan Result, error) {
	if atomic.AddInt64(&p.queued, 1) > int64(p.cfg.QueueSize) {
		atomic.AddInt64(&p.queued, -1)
		return nil, model.NewError(model.ErrResourceExhausted, "executor queue is full", map[string]any{
			"queue_size": p.cfg.QueueSize,
		})
	}

	reply := make(chan Result, 1)
	item := workItem{
		id:       atomic.AddUint64(&p.nextID, 1),
		priority: priority,
		task:     task,
		reply:    reply,
		enqueued: time.Now(),
	}

	select {
	case p.queues[queueIndex(priority)] <- item:
		return reply, nil
	default:
		atomic.AddInt64(&p.queued, -1)
		return nil, model.NewError(model.ErrResourceExhausted, "executor queue is full", map[string]any{
			"queue_size": p.cfg.QueueSize,
		})
	}
}

func queueIndex(p model.Priority) int {
	switch {
	case p >= model.PriorityCritical:
		return 0
	case p == model.PriorityHigh:
		return 1
	case p == model.PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, item)
	}
}

// next pulls the next item, preferring Critical > High > Normal > Low
// on contention. When every queue is empty it blocks on all of them
// at once (plus the shutdown signal) rather than busy-polling.
func (p *Pool) next() (workItem, bool) {
	for _, ch := range p.queues {
		select {
		case item := <-ch:
			return item, true
		default:
		}
	}

	select {
	case item := <-p.queues[0]:
		return item, true
	case item := <-p.queues[1]:
		return item, true
	case item := <-p.queues[2]:
		return item, true
	case item := <-p.queues[3]:
		return item, true
	case <-p.shutdown:
		return workItem{}, false
	}
}

func (p *Pool) run(ctx context.Context, item workItem) {
	atomic.AddInt64(&p.queued, -1)
	atomic.AddInt32(&p.executing, 1)
	waitMs := float64(time.Since(item.enqueued).Milliseconds())

	start := time.Now()
	value, err := p.invoke(ctx, item.task)
	execMs := float64(time.Since(start).Milliseconds())

	atomic.AddInt32(&p.executing, -1)
	atomic.AddUint64(&p.totalExecuted, 1)
	p.recordSample(waitMs, execMs)

	select {
	case item.reply <- Result{Value: value, Err: err}:
	default:
		// caller gave up; the result is dropped.
	}
}

func (p *Pool) invoke(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (p *Pool) recordSample(waitMs, execMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSamples = appendBounded(p.waitSamples, waitMs, 256)
	p.execSamples = appendBounded(p.execSamples, execMs, 256)
}

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

// GetStats returns a snapshot of executor load.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	avgWait := mean(p.waitSamples)
	avgExec := mean(p.execSamples)
	p.mu.Unlock()

	return Stats{
		Workers:        p.cfg.Workers,
		Queued:         atomic.LoadInt64(&p.queued),
		Executing:      atomic.LoadInt32(&p.executing),
		TotalExecuted:  atomic.LoadUint64(&p.totalExecuted),
		AvgQueueWaitMs: avgWait,
		AvgExecutionMs: avgExec,
	}
}

// Shutdown signals every worker to stop taking new items and waits up
// to the configured ShutdownTimeout for them to drain in-flight work.
// On timeout, shutdown completes anyway and in-flight work may be
// dropped.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdown) })

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.cfg.Logger.Warn("executor shutdown timed out; in-flight work may be dropped")
	}
}
