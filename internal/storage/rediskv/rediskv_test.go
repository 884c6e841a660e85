package rediskv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/pool"
	"meridian.dev/server/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPutDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "episode/1", []byte("one")))
	v, err := s.Get(ctx, "episode/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, s.Delete(ctx, "episode/1"))
	_, err = s.Get(ctx, "episode/1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPrefixScanVisitsSortedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "episode/b", []byte("2")))
	require.NoError(t, s.Put(ctx, "episode/a", []byte("1")))
	require.NoError(t, s.Put(ctx, "other/x", []byte("3")))

	var keys []string
	require.NoError(t, s.PrefixScan(ctx, "episode/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{"episode/a", "episode/b"}, keys)
}

func TestBatchAppliesPutsAndDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "gone", []byte("x")))
	require.NoError(t, s.Batch(ctx, []storage.BatchOp{
		{Key: "kept", Value: []byte("y")},
		{Key: "gone", Delete: true},
	}))

	v, err := s.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), v)
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSnapshotCopiesPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "episode/a", []byte("1")))
	require.NoError(t, s.Put(ctx, "other/b", []byte("2")))

	snap, err := s.Snapshot(ctx, "episode/")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"episode/a": []byte("1")}, snap)
}

func TestPooledKVRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	p, err := NewPooled(ctx, Config{URL: "redis://" + mr.Addr()}, pool.Config{
		MinSize: 1,
		MaxSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Put(ctx, "episode/1", []byte("one")))
	v, err := p.Get(ctx, "episode/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	stats := p.Stats()
	assert.GreaterOrEqual(t, stats.TotalCreated, uint64(1))
}
