package hnsw

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnitVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var sumSq float64
	for i := range v {
		v[i] = float32(r.NormFloat64())
		sumSq += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func TestInsertAndSearchReturnsExactSelfMatch(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	g := New(Config{Dimension: 16, M: 8, EfConstruction: 100, EfSearch: 32, Rand: r})

	g.Insert("a", randomUnitVector(r, 16))
	g.Insert("b", randomUnitVector(r, 16))
	target := randomUnitVector(r, 16)
	g.Insert("target", target)

	results := g.Search(target, 1, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "target", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestSearchRecallAtTwentyOnSelfQuery(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	const n = 300
	g := New(Config{Dimension: 32, M: 16, EfConstruction: 200, EfSearch: 64, Rand: r})

	ids := make([]string, n)
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		id := filepath.Join("ep", string(rune('a'+i%26)), string(rune('0'+i/26)))
		ids[i] = id
		vectors[i] = randomUnitVector(r, 32)
		g.Insert(id, vectors[i])
	}

	hits := 0
	for i := 0; i < n; i++ {
		results := g.Search(vectors[i], 20, 0)
		for _, res := range results {
			if res.ID == ids[i] {
				hits++
				break
			}
		}
	}
	recall := float64(hits) / float64(n)
	assert.GreaterOrEqual(t, recall, 0.95, "recall@20 self-query should be >= 0.95, got %f", recall)
}

func TestSearchOnEmptyGraphReturnsNil(t *testing.T) {
	g := New(Config{Dimension: 8})
	assert.Nil(t, g.Search(randomUnitVector(rand.New(rand.NewSource(1)), 8), 5, 0))
}

func TestDeleteRemovesFromSearchResults(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	g := New(Config{Dimension: 8, Rand: r})
	v := randomUnitVector(r, 8)
	g.Insert("only", v)
	require.True(t, g.Delete("only"))
	assert.Empty(t, g.Search(v, 1, 0))

	g.RemoveAndRebuild(map[string]bool{"only": true})
	assert.Equal(t, 0, g.Len())
}

func TestRemoveAndRebuildKeepsSurvivors(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	g := New(Config{Dimension: 8, Rand: r})
	v1 := randomUnitVector(r, 8)
	v2 := randomUnitVector(r, 8)
	g.Insert("keep", v1)
	g.Insert("drop", v2)

	g.RemoveAndRebuild(map[string]bool{"drop": true})

	assert.Equal(t, 1, g.Len())
	results := g.Search(v1, 1, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].ID)
}

func TestSaveAndLoadIndexRoundTrips(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	g := New(Config{Dimension: 8, Rand: r})
	v1 := randomUnitVector(r, 8)
	v2 := randomUnitVector(r, 8)
	g.Insert("one", v1)
	g.Insert("two", v2)

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, g.SaveIndex(path))

	loaded, err := LoadIndex(path, Config{Rand: r})
	require.NoError(t, err)
	assert.Equal(t, g.Len(), loaded.Len())

	results := loaded.Search(v1, 1, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "one", results[0].ID)
}

func TestSaveIndexWritesSiblingMetadata(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	g := New(Config{Dimension: 8, Rand: r})
	g.Insert("one", randomUnitVector(r, 8))

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, g.SaveIndex(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".meta")
	require.NoError(t, err)
}

func TestLoadIndexRejectsCountMismatch(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	g := New(Config{Dimension: 8, Rand: r})
	g.Insert("one", randomUnitVector(r, 8))
	g.Insert("two", randomUnitVector(r, 8))

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, g.SaveIndex(path))

	// A graph file from a different save than its metadata must be
	// rejected rather than half-loaded.
	stale := New(Config{Dimension: 8, Rand: r})
	stale.Insert("solo", randomUnitVector(r, 8))
	stalePath := filepath.Join(t.TempDir(), "stale.json")
	require.NoError(t, stale.SaveIndex(stalePath))
	data, err := os.ReadFile(stalePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = LoadIndex(path, Config{})
	assert.ErrorContains(t, err, "metadata says")
}
