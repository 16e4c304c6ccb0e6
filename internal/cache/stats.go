package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rulewise/rulewise/models"
)

// StatsSource reads and resets the persisted hit/miss counters. *store.Store
// implements it.
type StatsSource interface {
	StatsSummary(ctx context.Context, scope string) (hits, misses, keys int64, err error)
	TopQuestions(ctx context.Context, scope string, n int) ([]models.CacheStat, error)
	ResetStats(ctx context.Context, scope string) ([]string, error)
}

// Stats is the aggregated view served to operators. Aggregation happens at
// read time; nothing here is precomputed.
type Stats struct {
	TotalHits    int64              `json:"total_hits"`
	TotalMisses  int64              `json:"total_misses"`
	HitRate      float64            `json:"hit_rate"`
	TotalKeys    int64              `json:"total_keys"`
	TopQuestions []models.CacheStat `json:"top_questions"`
}

// Tracker aggregates cache statistics from the store and coordinates the
// administrative reset with the entry engine.
type Tracker struct {
	source StatsSource
	engine *Engine
	topN   int
}

// NewTracker builds a stats tracker. topN bounds the TopQuestions list; zero
// or negative means the default of 10.
func NewTracker(source StatsSource, engine *Engine, topN int) *Tracker {
	if topN <= 0 {
		topN = 10
	}
	return &Tracker{source: source, engine: engine, topN: topN}
}

// GetStats aggregates counters for one scope, or across all scopes when
// scope is empty. With no recorded traffic the hit rate is 0, not NaN.
func (t *Tracker) GetStats(ctx context.Context, scope string) (Stats, error) {
	hits, misses, keys, err := t.source.StatsSummary(ctx, scope)
	if err != nil {
		return Stats{}, fmt.Errorf("stats summary: %w", err)
	}
	top, err := t.source.TopQuestions(ctx, scope, t.topN)
	if err != nil {
		return Stats{}, fmt.Errorf("top questions: %w", err)
	}
	s := Stats{
		TotalHits:    hits,
		TotalMisses:  misses,
		TotalKeys:    keys,
		TopQuestions: top,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s, nil
}

// Reset clears every stat row for the scope and destroys the cache entries
// those rows pointed at. It returns the number of stat rows removed.
func (t *Tracker) Reset(ctx context.Context, scope string) (int64, error) {
	fingerprints, err := t.source.ResetStats(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("reset stats: %w", err)
	}
	if t.engine != nil && len(fingerprints) > 0 {
		if err := t.engine.DeleteEntries(ctx, fingerprints); err != nil {
			return int64(len(fingerprints)), fmt.Errorf("reset entries: %w", err)
		}
	}
	return int64(len(fingerprints)), nil
}

// DeleteEntries removes the entry keys for the given fingerprints. Used by
// the administrative stats reset; routine invalidation goes through tags.
func (e *Engine) DeleteEntries(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = e.entryKey(fp)
	}
	if err := e.rdb.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}
