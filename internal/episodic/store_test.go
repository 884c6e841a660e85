package episodic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian.dev/server/internal/embedding"
	"meridian.dev/server/internal/hnsw"
	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/storage/boltkv"
)

func newTestKV(t *testing.T) *boltkv.Store {
	t.Helper()
	kv, err := boltkv.Open(filepath.Join(t.TempDir(), "episodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestRecordAndRetrieveEpisodeKeywordOnly(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv})

	ep, err := s.RecordEpisode(context.Background(), model.Episode{
		TaskDescription: "implement JWT authentication middleware",
		Outcome:         model.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.ID)

	all, err := s.Episodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFindSimilarKeywordFallbackRanksOverlap(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv})
	ctx := context.Background()

	_, err := s.RecordEpisode(ctx, model.Episode{TaskDescription: "add JWT auth middleware to the API gateway"})
	require.NoError(t, err)
	_, err = s.RecordEpisode(ctx, model.Episode{TaskDescription: "refactor the CSS for the dashboard theme"})
	require.NoError(t, err)

	results, err := s.FindSimilar(ctx, "JWT authentication middleware", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].TaskDescription, "JWT")
}

func TestFindSimilarWithEmbedderUsesVectorSearch(t *testing.T) {
	kv := newTestKV(t)
	embedder := embedding.NewHashEmbedder(32)
	graph := hnsw.New(hnsw.Config{Dimension: 32})
	s := New(Config{KV: kv, Embedder: embedder, Graph: graph})
	ctx := context.Background()

	target, err := s.RecordEpisode(ctx, model.Episode{TaskDescription: "index symbols across the repository"})
	require.NoError(t, err)
	_, err = s.RecordEpisode(ctx, model.Episode{TaskDescription: "completely unrelated text about cooking"})
	require.NoError(t, err)

	results, err := s.FindSimilar(ctx, "index symbols across the repository", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, target.ID, results[0].ID)
}

func TestRecentEpisodesWalksTimestampIndex(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := s.RecordEpisode(ctx, model.Episode{
			TaskDescription: "task " + string(rune('a'+i)),
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentEpisodes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "task e", recent[0].TaskDescription)
	assert.Equal(t, "task d", recent[1].TaskDescription)
}

func TestIncrementAccess(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv})
	ctx := context.Background()

	ep, err := s.RecordEpisode(ctx, model.Episode{TaskDescription: "task"})
	require.NoError(t, err)

	require.NoError(t, s.IncrementAccess(ctx, ep.ID))
	require.NoError(t, s.IncrementAccess(ctx, ep.ID))

	all, err := s.Episodes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint32(2), all[0].AccessCount)
}

func TestConsolidateRemovesOldLowValueRarelyAccessed(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv, RetentionDays: 1})
	ctx := context.Background()

	stale, err := s.RecordEpisode(ctx, model.Episode{
		TaskDescription: "stale task",
		Timestamp:       time.Now().Add(-60 * 24 * time.Hour),
		PatternValue:    0.1,
		AccessCount:     0,
	})
	require.NoError(t, err)

	fresh, err := s.RecordEpisode(ctx, model.Episode{
		TaskDescription: "fresh task",
		Timestamp:       time.Now(),
		PatternValue:    0.1,
	})
	require.NoError(t, err)

	require.NoError(t, s.Consolidate(ctx))

	all, err := s.Episodes(ctx)
	require.NoError(t, err)
	var ids []string
	for _, ep := range all {
		ids = append(ids, ep.ID)
	}
	assert.NotContains(t, ids, stale.ID)
	assert.Contains(t, ids, fresh.ID)
}

func TestConsolidatePromotesFrequentlyAccessedEpisodes(t *testing.T) {
	kv := newTestKV(t)
	s := New(Config{KV: kv, PromotionFrequency: 2, PromotionIncrement: 0.1})
	ctx := context.Background()

	ep, err := s.RecordEpisode(ctx, model.Episode{TaskDescription: "popular task", PatternValue: 0.5, AccessCount: 5})
	require.NoError(t, err)

	require.NoError(t, s.Consolidate(ctx))

	all, err := s.Episodes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 0.6, all[0].PatternValue, 1e-6)
	_ = ep
}

func TestSaveAndLoadIndexRoundTrips(t *testing.T) {
	kv := newTestKV(t)
	embedder := embedding.NewHashEmbedder(16)
	graph := hnsw.New(hnsw.Config{Dimension: 16})
	s := New(Config{KV: kv, Embedder: embedder, Graph: graph})
	ctx := context.Background()

	_, err := s.RecordEpisode(ctx, model.Episode{TaskDescription: "a task to index"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, s.SaveIndex(path))
	require.NoError(t, s.LoadIndex(path, hnsw.Config{Dimension: 16}))
}

func TestExtractPatternsGroupsBySharedDirectory(t *testing.T) {
	episodes := []model.Episode{
		{ID: "a", TaskDescription: "fix auth bug", TouchedFiles: []string{"internal/auth/login.go"}},
		{ID: "b", TaskDescription: "add auth test", TouchedFiles: []string{"internal/auth/login_test.go"}},
		{ID: "c", TaskDescription: "update docs", TouchedFiles: []string{"docs/readme.md"}},
	}

	patterns := ExtractPatterns(episodes)
	require.NotEmpty(t, patterns)

	found := false
	for _, p := range patterns {
		if len(p.EpisodeIDs) == 2 {
			assert.ElementsMatch(t, []string{"a", "b"}, p.EpisodeIDs)
			found = true
		}
	}
	assert.True(t, found)
}

func TestExtractPatternsIsDeterministic(t *testing.T) {
	episodes := []model.Episode{
		{ID: "a", TaskDescription: "refactor parser", TouchedFiles: []string{"pkg/parser/lexer.go"}},
		{ID: "b", TaskDescription: "refactor parser tokens", TouchedFiles: []string{"pkg/parser/token.go"}},
	}

	first := ExtractPatterns(episodes)
	second := ExtractPatterns(episodes)
	assert.Equal(t, first, second)
}
