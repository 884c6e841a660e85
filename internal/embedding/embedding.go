// Package embedding is the port through which episodic memory turns
// task-description text into a unit-norm vector. The concrete model
// is an external collaborator; this package only defines
// the port contract plus a result cache, and a deterministic fallback
// embedder usable in tests and when no real model is configured.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDimension is the vector width used when nothing else is
// configured.
const DefaultDimension = 256

// DefaultCacheSize bounds the embedding result cache.
const DefaultCacheSize = 4096

// Port turns text into a unit-norm vector of fixed dimension.
type Port interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// CachedPort wraps a Port with an LRU cache keyed by a hash of the
// input text, so repeated embeddings of the same episode description
// (e.g. retries, re-indexing) skip the model call entirely.
type CachedPort struct {
	inner Port
	cache *lru.Cache[[32]byte, []float32]
}

// NewCached wraps inner with an LRU cache of the given size (0 uses
// DefaultCacheSize).
func NewCached(inner Port, size int) (*CachedPort, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedPort{inner: inner, cache: cache}, nil
}

// Embed returns inner's embedding of text, serving from cache when
// available.
func (c *CachedPort) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// Dimension implements Port.
func (c *CachedPort) Dimension() int { return c.inner.Dimension() }

// HashEmbedder is a deterministic, model-free Port: it hashes each
// whitespace token of the input into a Dimension-float vector via
// repeated SHA-256 expansion, sums the token vectors and normalizes
// to unit length. Texts sharing vocabulary land near each other,
// which is all episodic memory, the HNSW index and their tests need
// to run without a real embedding model wired in. Production
// deployments replace this with a real model port.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder of the given dimension (0
// uses DefaultDimension).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension implements Port.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed implements Port.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, token := range tokens {
		h.accumulateToken(out, token)
	}
	return Normalize(out), nil
}

// accumulateToken adds token's hash vector into acc.
func (h *HashEmbedder) accumulateToken(acc []float32, token string) {
	block := []byte(token)
	counter := uint64(0)
	for i := 0; i < h.dim; i++ {
		if i%8 == 0 {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], counter)
			sum := sha256.Sum256(append(block, buf[:]...))
			block = sum[:]
			counter++
		}
		// Map a byte of the rolling hash to a signed float in [-1, 1].
		acc[i] += float32(block[i%8])/127.5 - 1.0
	}
}

// Normalize scales v to unit L2 norm. A zero vector is returned
// unchanged (its norm is already 0, and there is no meaningful
// direction to normalize to).
func Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Dot computes the dot product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// CosineSimilarity is Dot for unit-norm vectors, which is what cosine
// similarity reduces to.
func CosineSimilarity(a, b []float32) float32 {
	return Dot(a, b)
}
