// Package workingmem is a token-bounded cache of active symbols with
// attention-weighted eviction and prefetch of predicted-next symbols;
// lowest-weighted entries are evicted first.
package workingmem

import (
	"sort"
	"sync"
	"time"

	"meridian.dev/server/internal/model"
)

// Defaults for the attention-update contract.
const (
	DefaultLambda          = 0.5
	DefaultDecay           = 0.9
	DefaultHistorySize     = 256
	PrefetchSeedWeight     = 0.5
	PrefetchAdmitThreshold = 0.5
)

// Config configures a Memory.
type Config struct {
	// Capacity is the fixed token budget C.
	Capacity int
	// Lambda is the convex-combination weight applied to the new
	// focused attention value (0 keeps the old weight, 1 replaces it).
	Lambda float32
	// Decay multiplicatively shrinks the weight of entries absent from
	// a Focused update.
	Decay float32
	// HistorySize bounds the eviction diagnostics ring.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Lambda <= 0 {
		c.Lambda = DefaultLambda
	}
	if c.Decay <= 0 {
		c.Decay = DefaultDecay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Stats is a snapshot of Memory occupancy.
type Stats struct {
	ActiveCount int
	TotalTokens int
	Capacity    int
	Utilization float64
}

// Memory is a fixed-capacity, attention-weighted symbol cache.
type Memory struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*model.WorkingMemoryEntry
	tokens  int
	history []string
}

// New creates a Memory with the given capacity (in tokens).
func New(cfg Config) *Memory {
	cfg = cfg.withDefaults()
	return &Memory{
		cfg:     cfg,
		entries: make(map[string]*model.WorkingMemoryEntry),
	}
}

// AddSymbol admits symbolID at the given token cost, evicting the
// lowest-attention-weight entries until it fits. A symbol costing more
// than the total capacity can never be admitted and is a no-op.
func (m *Memory) AddSymbol(symbolID string, tokenCost int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addSymbolLocked(symbolID, tokenCost, 0)
}

// addSymbolLocked admits symbolID with the given cost and seed weight,
// evicting lowest-weight entries first. Must be called with mu held.
func (m *Memory) addSymbolLocked(symbolID string, tokenCost int, seedWeight float32) bool {
	if existing, ok := m.entries[symbolID]; ok {
		existing.LastTouched = time.Now()
		return true
	}
	if tokenCost > m.cfg.Capacity {
		return false
	}
	for m.tokens+tokenCost > m.cfg.Capacity {
		victim, ok := m.lowestWeightLocked()
		if !ok {
			return false
		}
		m.evictLocked(victim)
	}
	m.entries[symbolID] = &model.WorkingMemoryEntry{
		SymbolID:        symbolID,
		TokenCost:       tokenCost,
		AttentionWeight: seedWeight,
		LastTouched:     time.Now(),
	}
	m.tokens += tokenCost
	return true
}

func (m *Memory) lowestWeightLocked() (string, bool) {
	var (
		victim string
		min    float32
		found  bool
	)
	for id, e := range m.entries {
		if !found || e.AttentionWeight < min {
			victim, min, found = id, e.AttentionWeight, true
		}
	}
	return victim, found
}

func (m *Memory) evictLocked(symbolID string) {
	e, ok := m.entries[symbolID]
	if !ok {
		return
	}
	m.tokens -= e.TokenCost
	delete(m.entries, symbolID)
	m.history = append(m.history, symbolID)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// Update applies an AttentionPattern: present entries move toward
// their focused weight by a convex combination, absent entries decay
// multiplicatively, and predicted_next ids are prefetched at cost 0
// when they fit.
func (m *Memory) Update(pattern model.AttentionPattern) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if focused, ok := pattern.Focused[id]; ok {
			e.AttentionWeight = m.cfg.Lambda*focused + (1-m.cfg.Lambda)*e.AttentionWeight
		} else {
			e.AttentionWeight *= m.cfg.Decay
		}
	}

	for _, id := range pattern.PredictedNext {
		if e, ok := m.entries[id]; ok {
			e.LastTouched = time.Now()
			continue
		}
		if m.canAdmitPrefetchLocked() {
			m.addSymbolLocked(id, 0, PrefetchSeedWeight)
			continue
		}
		// The weakest resident entry is at or above the prefetch
		// threshold: record the miss without admitting.
		m.history = append(m.history, id)
		if len(m.history) > m.cfg.HistorySize {
			m.history = m.history[len(m.history)-m.cfg.HistorySize:]
		}
	}
}

// canAdmitPrefetchLocked reports whether a zero-cost prefetch entry can
// be admitted: either there is no entry yet (nothing to evict) or the
// weakest resident entry is below PrefetchAdmitThreshold, so admitting
// would never have to displace something more valuable than the
// prefetch candidate itself.
func (m *Memory) canAdmitPrefetchLocked() bool {
	victim, ok := m.lowestWeightLocked()
	if !ok {
		return true
	}
	return m.entries[victim].AttentionWeight < PrefetchAdmitThreshold
}

// GetAttentionWeight returns the current weight of symbolID, or 0 if
// it is not active.
func (m *Memory) GetAttentionWeight(symbolID string) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[symbolID]; ok {
		return e.AttentionWeight
	}
	return 0
}

// ActiveSymbols returns the set of currently resident symbol ids.
func (m *Memory) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear empties the memory and its eviction history.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*model.WorkingMemoryEntry)
	m.tokens = 0
	m.history = nil
}

// History returns the bounded eviction/miss diagnostic history, oldest
// first.
func (m *Memory) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// Stats returns a snapshot of occupancy.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		ActiveCount: len(m.entries),
		TotalTokens: m.tokens,
		Capacity:    m.cfg.Capacity,
	}
	if m.cfg.Capacity > 0 {
		s.Utilization = float64(s.TotalTokens) / float64(m.cfg.Capacity)
	}
	return s
}
