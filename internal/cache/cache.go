// Package cache implements the answer cache for question answering: a
// Redis-backed entry engine keyed by question fingerprints, plus the
// Postgres-backed hit/miss statistics around it. Entries are disposable and
// expire; statistics survive every form of entry invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/rulewise/rulewise/config"
	"github.com/rulewise/rulewise/models"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewise_cache_hits_total",
		Help: "Answer cache lookups served from Redis.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewise_cache_misses_total",
		Help: "Answer cache lookups that found no live entry.",
	})
	cacheInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulewise_cache_invalidated_total",
		Help: "Cache entries destroyed by scope or tag invalidation.",
	})
)

// StatsSink receives hit/miss accounting for cache lookups. *store.Store
// implements it.
type StatsSink interface {
	RecordHit(ctx context.Context, scope, fingerprint string) error
	RecordMiss(ctx context.Context, scope, fingerprint, question string) error
}

type statEvent struct {
	hit         bool
	scope       string
	fingerprint string
	question    string
}

// Engine is the Redis-backed answer cache. Entry lifetime is delegated to
// Redis expiry; tag sets index entries for bulk invalidation. Stat recording
// is asynchronous so a cache hit never waits on Postgres.
type Engine struct {
	rdb    *redis.Client
	sink   StatsSink
	prefix string
	ttl    time.Duration
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	events chan statEvent
	done   chan struct{}
}

// NewEngine builds the cache engine and starts its stat recorder.
func NewEngine(rdb *redis.Client, sink StatsSink, cfg config.CacheConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	e := &Engine{
		rdb:    rdb,
		sink:   sink,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger,
		events: make(chan statEvent, 256),
		done:   make(chan struct{}),
	}
	go e.recordLoop()
	return e
}

// Close stops the stat recorder after draining queued events. Lookups may
// still race Close; their stat events are dropped, never sent on the closed
// channel.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Engine) recordLoop() {
	defer close(e.done)
	for ev := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if ev.hit {
			err = e.sink.RecordHit(ctx, ev.scope, ev.fingerprint)
		} else {
			err = e.sink.RecordMiss(ctx, ev.scope, ev.fingerprint, ev.question)
		}
		cancel()
		if err != nil {
			e.logger.Printf("stat record failed (hit=%v scope=%s): %v", ev.hit, ev.scope, err)
		}
	}
}

func (e *Engine) enqueue(ev statEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		// Stats are best-effort; never stall the answer path on a full queue.
		e.logger.Printf("stat queue full, dropping event for scope %s", ev.scope)
	}
}

func (e *Engine) entryKey(fingerprint string) string {
	return e.prefix + ":answer:" + fingerprint
}

func (e *Engine) tagKey(tag string) string {
	return e.prefix + ":tag:" + tag
}

func scopeTag(scope string) string { return "scope:" + scope }

// Lookup returns the cached answer for (scope, question) if a live entry
// exists. The hit or miss is counted against the question's stat row either
// way. A Redis failure is an error, not a miss.
func (e *Engine) Lookup(ctx context.Context, scope, question string) (models.CacheEntry, bool, error) {
	if scope == "" {
		return models.CacheEntry{}, false, models.Invalid("scope is required")
	}
	if NormalizeQuestion(question) == "" {
		return models.CacheEntry{}, false, models.Invalid("question is empty")
	}
	fp := Fingerprint(scope, question)

	raw, err := e.rdb.Get(ctx, e.entryKey(fp)).Bytes()
	if err == redis.Nil {
		cacheMisses.Inc()
		e.enqueue(statEvent{hit: false, scope: scope, fingerprint: fp, question: NormalizeQuestion(question)})
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache lookup: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache entry decode: %w", err)
	}
	cacheHits.Inc()
	e.enqueue(statEvent{hit: true, scope: scope, fingerprint: fp})
	return entry, true, nil
}

// Store writes an answer entry under the question's fingerprint,
// unconditionally replacing any previous entry. The entry is always tagged
// with its scope; extra tags allow finer-grained invalidation.
func (e *Engine) Store(ctx context.Context, scope, question, answer string, tags []string, ttl time.Duration) (models.CacheEntry, error) {
	if scope == "" {
		return models.CacheEntry{}, models.Invalid("scope is required")
	}
	if NormalizeQuestion(question) == "" {
		return models.CacheEntry{}, models.Invalid("question is empty")
	}
	if answer == "" {
		return models.CacheEntry{}, models.Invalid("answer is empty")
	}
	if ttl <= 0 {
		ttl = e.ttl
	}

	fp := Fingerprint(scope, question)
	now := time.Now().UTC()
	allTags := append([]string{scopeTag(scope)}, tags...)
	entry := models.CacheEntry{
		Fingerprint: fp,
		Scope:       scope,
		Answer:      answer,
		Tags:        allTags,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache entry encode: %w", err)
	}

	// An overwrite may change the tag set; drop the fingerprint from tags
	// the new entry no longer carries so tag invalidation stays accurate.
	staleTags, err := e.previousTags(ctx, fp, allTags)
	if err != nil {
		return models.CacheEntry{}, err
	}

	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, e.entryKey(fp), raw, ttl)
		for _, tag := range allTags {
			pipe.SAdd(ctx, e.tagKey(tag), fp)
		}
		for _, tag := range staleTags {
			pipe.SRem(ctx, e.tagKey(tag), fp)
		}
		return nil
	})
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache store: %w", err)
	}
	return entry, nil
}

// previousTags returns the tags of the entry currently stored under fp that
// are absent from keep.
func (e *Engine) previousTags(ctx context.Context, fp string, keep []string) ([]string, error) {
	raw, err := e.rdb.Get(ctx, e.entryKey(fp)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	var prev models.CacheEntry
	if err := json.Unmarshal(raw, &prev); err != nil {
		// A corrupt entry is about to be overwritten anyway.
		return nil, nil
	}
	kept := make(map[string]bool, len(keep))
	for _, tag := range keep {
		kept[tag] = true
	}
	var stale []string
	for _, tag := range prev.Tags {
		if !kept[tag] {
			stale = append(stale, tag)
		}
	}
	return stale, nil
}

// InvalidateScope destroys every cached entry for a scope and reports how
// many live entries were removed. Stat rows are untouched.
func (e *Engine) InvalidateScope(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, models.Invalid("scope is required")
	}
	return e.InvalidateTag(ctx, scopeTag(scope))
}

// InvalidateTag destroys every cached entry carrying the tag. The count
// reflects entries that were actually live; fingerprints already expired do
// not inflate it. Invalidating an unknown tag removes nothing and is not an
// error.
func (e *Engine) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	if tag == "" {
		return 0, models.Invalid("tag is required")
	}
	members, err := e.rdb.SMembers(ctx, e.tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}

	var removed *redis.IntCmd
	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(members) > 0 {
			keys := make([]string, len(members))
			for i, fp := range members {
				keys[i] = e.entryKey(fp)
			}
			removed = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, e.tagKey(tag))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache invalidate: %w", err)
	}
	var n int64
	if removed != nil {
		n = removed.Val()
	}
	cacheInvalidated.Add(float64(n))
	return n, nil
}

// Ping verifies the Redis connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.rdb.Ping(ctx).Err()
}
