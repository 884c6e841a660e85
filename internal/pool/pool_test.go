package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/model"
)

type fakeHandle struct{ id int }

func newCountingFactory() (*Factory[*fakeHandle], *int32) {
	var created int32
	f := &Factory[*fakeHandle]{
		New: func(ctx context.Context) (*fakeHandle, error) {
			n := atomic.AddInt32(&created, 1)
			return &fakeHandle{id: int(n)}, nil
		},
		HealthCheck: func(*fakeHandle) bool { return true },
		Close:       func(*fakeHandle) {},
	}
	return f, &created
}

func TestAcquirePrewarmsToMinSize(t *testing.T) {
	factory, created := newCountingFactory()
	p, err := New(context.Background(), Config{MinSize: 3, MaxSize: 5}, *factory)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(created))
	assert.Equal(t, 3, p.GetStats().Idle)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	factory, _ := newCountingFactory()
	p, err := New(context.Background(), Config{MinSize: 1, MaxSize: 2}, *factory)
	require.NoError(t, err)
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.GetStats().Active)

	g.Release()
	assert.Equal(t, 0, p.GetStats().Active)
	assert.Equal(t, 1, p.GetStats().Idle)
}

func TestAcquireNeverExceedsMaxSize(t *testing.T) {
	factory, _ := newCountingFactory()
	const maxSize = 4
	p, err := New(context.Background(), Config{MinSize: 0, MaxSize: maxSize}, *factory)
	require.NoError(t, err)
	defer p.Close()

	var mu sync.Mutex
	peak := 0
	active := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, maxSize)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	factory, _ := newCountingFactory()
	p, err := New(context.Background(), Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 20 * time.Millisecond}, *factory)
	require.NoError(t, err)
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	rpcErr, ok := err.(*model.RpcError)
	require.True(t, ok)
	assert.Equal(t, model.ErrTimeout, rpcErr.Kind)

	g.Release()
	assert.Equal(t, uint64(1), p.GetStats().AcquireTimeouts)
}

func TestHealthCheckEvictsUnhealthyFreshIdle(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var created, closed int32
	f := Factory[*fakeHandle]{
		New: func(ctx context.Context) (*fakeHandle, error) {
			n := atomic.AddInt32(&created, 1)
			return &fakeHandle{id: int(n)}, nil
		},
		HealthCheck: func(*fakeHandle) bool { return healthy.Load() },
		Close:       func(*fakeHandle) { atomic.AddInt32(&closed, 1) },
	}
	p, err := New(context.Background(), Config{MinSize: 2, MaxSize: 4}, f)
	require.NoError(t, err)
	defer p.Close()

	// The pre-warmed handles are fresh (well under IdleTimeout) but
	// fail their probe: they must be evicted and replaced, not handed
	// to the next Acquire.
	healthy.Store(false)
	p.HealthCheck(context.Background())

	assert.Equal(t, uint64(2), p.GetStats().FailedHealthChecks)
	assert.Equal(t, int32(2), atomic.LoadInt32(&closed))
	assert.Equal(t, 2, p.GetStats().Idle)
}

func TestHealthCheckPreservesMaxSizeBound(t *testing.T) {
	factory, _ := newCountingFactory()
	p, err := New(context.Background(), Config{
		MinSize:        0,
		MaxSize:        2,
		IdleTimeout:    time.Nanosecond,
		AcquireTimeout: 30 * time.Millisecond,
	}, *factory)
	require.NoError(t, err)
	defer p.Close()

	g1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g1.Release()
	g2.Release()

	// Evicting the now-stale idle handles must not mint permits.
	time.Sleep(time.Millisecond)
	p.HealthCheck(context.Background())

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	rpcErr, ok := err.(*model.RpcError)
	require.True(t, ok)
	assert.Equal(t, model.ErrTimeout, rpcErr.Kind)

	a.Release()
	b.Release()
}

func TestHealthCheckEvictsIdleAndRefills(t *testing.T) {
	factory, created := newCountingFactory()
	p, err := New(context.Background(), Config{MinSize: 2, MaxSize: 2, IdleTimeout: 1 * time.Millisecond}, *factory)
	require.NoError(t, err)
	defer p.Close()

	time.Sleep(5 * time.Millisecond)
	p.HealthCheck(context.Background())

	assert.Equal(t, 2, p.GetStats().Idle)
	assert.GreaterOrEqual(t, atomic.LoadInt32(created), int32(4))
}
