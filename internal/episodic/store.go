// Package episodic persists completed-task episodes and serves
// similarity search over them, backed by an embedding port + HNSW
// index when available and a TF-weighted keyword search otherwise.
package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meridian.dev/server/internal/embedding"
	"meridian.dev/server/internal/hnsw"
	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/storage"
)

// KeyPrefix namespaces episode records in the KV store. A secondary
// colon-delimited index under timeIndexPrefix holds empty markers
// keyed by timestamp, enabling ordered scans without loading every
// record.
const (
	KeyPrefix       = "episode:"
	timeIndexPrefix = "episode:idx:timestamp:"
)

// Defaults for retrieval and consolidation.
const (
	DefaultK                   = 5
	DefaultRetentionDays       = 30
	DefaultConsolidationValue  = 0.3
	DefaultConsolidationAccess = 3
	DefaultPromotionFrequency  = 5
	DefaultPromotionIncrement  = 0.05
)

// Config configures a Store.
type Config struct {
	KV       storage.KV
	Embedder embedding.Port // nil falls back to keyword search
	Graph    *hnsw.Graph    // nil disables vector search entirely

	RetentionDays       int
	ConsolidationValue  float32
	ConsolidationAccess uint32
	PromotionFrequency  uint32
	PromotionIncrement  float32

	Logger *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.ConsolidationValue <= 0 {
		c.ConsolidationValue = DefaultConsolidationValue
	}
	if c.ConsolidationAccess <= 0 {
		c.ConsolidationAccess = DefaultConsolidationAccess
	}
	if c.PromotionFrequency <= 0 {
		c.PromotionFrequency = DefaultPromotionFrequency
	}
	if c.PromotionIncrement <= 0 {
		c.PromotionIncrement = DefaultPromotionIncrement
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "episodic")
	}
	return c
}

// Store is the episodic-memory component.
type Store struct {
	cfg Config
}

// New creates a Store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg.withDefaults()}
}

func key(id string) string { return KeyPrefix + id }

// timeKey builds the ordered-scan index marker for an episode. The
// zero-padded nanosecond timestamp keeps lexicographic order equal to
// chronological order.
func timeKey(ts time.Time, id string) string {
	return fmt.Sprintf("%s%020d:%s", timeIndexPrefix, ts.UnixNano(), id)
}

// RecordEpisode persists ep (assigning an id if empty), and indexes
// its task description in the HNSW graph when an embedder is
// configured.
func (s *Store) RecordEpisode(ctx context.Context, ep model.Episode) (model.Episode, error) {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now()
	}
	ep.SchemaVersion = 1

	if s.cfg.Embedder != nil && s.cfg.Graph != nil {
		vec, err := s.cfg.Embedder.Embed(ctx, ep.TaskDescription)
		if err != nil {
			s.cfg.Logger.WithError(err).WithField("episode_id", ep.ID).
				Warn("embedding failed, episode recorded without a vector")
		} else {
			s.cfg.Graph.Insert(ep.ID, vec)
		}
	}

	body, err := json.Marshal(ep)
	if err != nil {
		return ep, fmt.Errorf("marshal episode: %w", err)
	}
	err = s.cfg.KV.Batch(ctx, []storage.BatchOp{
		{Key: key(ep.ID), Value: body},
		{Key: timeKey(ep.Timestamp, ep.ID), Value: []byte{}},
	})
	if err != nil {
		return ep, fmt.Errorf("put episode: %w", err)
	}
	return ep, nil
}

// Episodes returns every stored episode, sorted by id.
func (s *Store) Episodes(ctx context.Context) ([]model.Episode, error) {
	var out []model.Episode
	err := s.cfg.KV.PrefixScan(ctx, KeyPrefix, func(k string, value []byte) error {
		if strings.HasPrefix(k, timeIndexPrefix) {
			return nil
		}
		var ep model.Episode
		if err := json.Unmarshal(value, &ep); err != nil {
			return fmt.Errorf("unmarshal episode: %w", err)
		}
		out = append(out, ep)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecentEpisodes returns up to limit episodes, newest first, walking
// the timestamp index instead of deserializing every record.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]model.Episode, error) {
	var ids []string
	err := s.cfg.KV.PrefixScan(ctx, timeIndexPrefix, func(k string, _ []byte) error {
		parts := strings.SplitN(strings.TrimPrefix(k, timeIndexPrefix), ":", 2)
		if len(parts) == 2 {
			ids = append(ids, parts[1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]model.Episode, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		ep, err := s.getEpisode(ctx, ids[i])
		if err != nil {
			continue // index marker outlived its record
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *Store) getEpisode(ctx context.Context, id string) (model.Episode, error) {
	var ep model.Episode
	body, err := s.cfg.KV.Get(ctx, key(id))
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal(body, &ep); err != nil {
		return ep, fmt.Errorf("unmarshal episode: %w", err)
	}
	return ep, nil
}

// FindSimilar returns up to k episodes most similar to text. When an
// embedder and graph are configured it queries the HNSW index over
// k' = max(k, 2*DefaultK) candidates and tie-breaks by descending
// cosine similarity; otherwise it falls back to TF-weighted keyword
// overlap over task descriptions. Matched episodes have their access
// count incremented asynchronously.
func (s *Store) FindSimilar(ctx context.Context, text string, k int) ([]model.Episode, error) {
	if k <= 0 {
		k = DefaultK
	}

	if s.cfg.Embedder != nil && s.cfg.Graph != nil {
		results, err := s.findSimilarByVector(ctx, text, k)
		if err == nil {
			return results, nil
		}
		s.cfg.Logger.WithError(err).Warn("vector search failed, falling back to keyword search")
	}
	return s.findSimilarByKeyword(ctx, text, k)
}

func (s *Store) findSimilarByVector(ctx context.Context, text string, k int) ([]model.Episode, error) {
	vec, err := s.cfg.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	kPrime := k
	if kPrime < DefaultK*2 {
		kPrime = DefaultK * 2
	}

	hits := s.cfg.Graph.Search(vec, kPrime, 0)
	type scored struct {
		ep  model.Episode
		sim float32
	}
	scoredHits := make([]scored, 0, len(hits))
	for _, h := range hits {
		ep, err := s.getEpisode(ctx, h.ID)
		if err != nil {
			continue
		}
		scoredHits = append(scoredHits, scored{ep, 1 - h.Distance})
	}
	sort.SliceStable(scoredHits, func(i, j int) bool { return scoredHits[i].sim > scoredHits[j].sim })
	if len(scoredHits) > k {
		scoredHits = scoredHits[:k]
	}

	out := make([]model.Episode, len(scoredHits))
	for i, sh := range scoredHits {
		out[i] = sh.ep
		go s.incrementAccessBestEffort(sh.ep.ID)
	}
	return out, nil
}

func (s *Store) findSimilarByKeyword(ctx context.Context, text string, k int) ([]model.Episode, error) {
	all, err := s.Episodes(ctx)
	if err != nil {
		return nil, err
	}
	queryTF := termFrequency(tokenize(text))

	type scored struct {
		ep    model.Episode
		score float64
	}
	scoredAll := make([]scored, 0, len(all))
	for _, ep := range all {
		docTF := termFrequency(tokenize(ep.TaskDescription))
		score := keywordScore(queryTF, docTF)
		if score > 0 {
			scoredAll = append(scoredAll, scored{ep, score})
		}
	}
	sort.SliceStable(scoredAll, func(i, j int) bool {
		if scoredAll[i].score != scoredAll[j].score {
			return scoredAll[i].score > scoredAll[j].score
		}
		return scoredAll[i].ep.ID < scoredAll[j].ep.ID
	})
	if len(scoredAll) > k {
		scoredAll = scoredAll[:k]
	}

	out := make([]model.Episode, len(scoredAll))
	for i, sa := range scoredAll {
		out[i] = sa.ep
		go s.incrementAccessBestEffort(sa.ep.ID)
	}
	return out, nil
}

// incrementAccessBestEffort runs IncrementAccess in the background for
// FindSimilar's matched episodes; a lost increment under a race is an
// accepted tradeoff, not an error.
func (s *Store) incrementAccessBestEffort(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.IncrementAccess(ctx, id); err != nil {
		s.cfg.Logger.WithError(err).WithField("episode_id", id).Debug("access count increment failed")
	}
}

// IncrementAccess bumps an episode's access_count by one.
func (s *Store) IncrementAccess(ctx context.Context, id string) error {
	ep, err := s.getEpisode(ctx, id)
	if err != nil {
		return err
	}
	ep.AccessCount++
	body, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	return s.cfg.KV.Put(ctx, key(id), body)
}

// Consolidate removes episodes that are old, low-value and rarely
// accessed, and promotes frequently-accessed episodes' pattern_value.
// Removed ids are dropped from the HNSW index via an eager rebuild.
func (s *Store) Consolidate(ctx context.Context) error {
	all, err := s.Episodes(ctx)
	if err != nil {
		return err
	}

	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	now := time.Now()
	removed := make(map[string]bool)

	for _, ep := range all {
		age := now.Sub(ep.Timestamp)
		if age > retention && ep.PatternValue < s.cfg.ConsolidationValue && ep.AccessCount < s.cfg.ConsolidationAccess {
			err := s.cfg.KV.Batch(ctx, []storage.BatchOp{
				{Key: key(ep.ID), Delete: true},
				{Key: timeKey(ep.Timestamp, ep.ID), Delete: true},
			})
			if err != nil {
				return fmt.Errorf("delete consolidated episode %s: %w", ep.ID, err)
			}
			removed[ep.ID] = true
			continue
		}
		if ep.AccessCount >= s.cfg.PromotionFrequency {
			ep.PatternValue = minFloat32(1.0, ep.PatternValue+s.cfg.PromotionIncrement)
			body, err := json.Marshal(ep)
			if err != nil {
				return fmt.Errorf("marshal promoted episode: %w", err)
			}
			if err := s.cfg.KV.Put(ctx, key(ep.ID), body); err != nil {
				return fmt.Errorf("put promoted episode %s: %w", ep.ID, err)
			}
		}
	}

	if len(removed) > 0 && s.cfg.Graph != nil {
		s.cfg.Graph.RemoveAndRebuild(removed)
	}
	return nil
}

func minFloat32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// SaveIndex persists the HNSW index to path.
func (s *Store) SaveIndex(path string) error {
	if s.cfg.Graph == nil {
		return nil
	}
	return s.cfg.Graph.SaveIndex(path)
}

// LoadIndex replaces the store's graph with one loaded from path.
func (s *Store) LoadIndex(path string, cfg hnsw.Config) error {
	g, err := hnsw.LoadIndex(path, cfg)
	if err != nil {
		return err
	}
	s.cfg.Graph = g
	return nil
}
