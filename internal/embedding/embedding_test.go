package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderProducesUnitNormVector(t *testing.T) {
	e := NewHashEmbedder(64)
	v, err := e.Embed(context.Background(), "implement authentication middleware with JWT")
	require.NoError(t, err)
	assert.Len(t, v, 64)

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-3)
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashEmbedderDiffersForDifferentText(t *testing.T) {
	e := NewHashEmbedder(32)
	a, err := e.Embed(context.Background(), "text one")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "text two")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCosineSymmetryAndSelfSimilarity(t *testing.T) {
	e := NewHashEmbedder(32)
	u, err := e.Embed(context.Background(), "u vector")
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "v vector")
	require.NoError(t, err)

	assert.InDelta(t, CosineSimilarity(u, v), CosineSimilarity(v, u), 1e-6)
	assert.InDelta(t, 1.0, CosineSimilarity(u, u), 1e-3)

	neg := make([]float32, len(u))
	for i, x := range u {
		neg[i] = -x
	}
	assert.InDelta(t, -1.0, CosineSimilarity(u, neg), 1e-3)

	cos := CosineSimilarity(u, v)
	assert.GreaterOrEqual(t, cos, float32(-1.0))
	assert.LessOrEqual(t, cos, float32(1.0))
}

type countingPort struct {
	calls int
	dim   int
}

func (c *countingPort) Dimension() int { return c.dim }
func (c *countingPort) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	return Normalize([]float32{1, 2, 3}), nil
}

func TestCachedPortServesRepeatsFromCache(t *testing.T) {
	inner := &countingPort{dim: 3}
	cached, err := NewCached(inner, 0)
	require.NoError(t, err)

	_, err = cached.Embed(context.Background(), "hello")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "hello")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "world")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}
