package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rulewise/rulewise/models"
)

type fakeSource struct {
	hits, misses, keys int64
	top                []models.CacheStat
	resetFingerprints  []string
	resetCalls         int
}

func (f *fakeSource) StatsSummary(context.Context, string) (int64, int64, int64, error) {
	return f.hits, f.misses, f.keys, nil
}

func (f *fakeSource) TopQuestions(context.Context, string, int) ([]models.CacheStat, error) {
	return f.top, nil
}

func (f *fakeSource) ResetStats(context.Context, string) ([]string, error) {
	f.resetCalls++
	return f.resetFingerprints, nil
}

func TestGetStatsHitRate(t *testing.T) {
	src := &fakeSource{hits: 30, misses: 10, keys: 7}
	tr := NewTracker(src, nil, 10)

	stats, err := tr.GetStats(context.Background(), "catan")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalHits != 30 || stats.TotalMisses != 10 || stats.TotalKeys != 7 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.HitRate != 0.75 {
		t.Fatalf("hit rate %v, want 0.75", stats.HitRate)
	}
}

func TestGetStatsZeroTraffic(t *testing.T) {
	tr := NewTracker(&fakeSource{}, nil, 10)

	stats, err := tr.GetStats(context.Background(), "")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.HitRate != 0 {
		t.Fatalf("hit rate with no traffic must be 0, got %v", stats.HitRate)
	}
}

func TestGetStatsTopQuestionsPassThrough(t *testing.T) {
	now := time.Now()
	src := &fakeSource{top: []models.CacheStat{
		{Scope: "catan", Fingerprint: "aa", Question: "popular", Hits: 9, LastHitAt: &now},
		{Scope: "catan", Fingerprint: "bb", Question: "less popular", Hits: 2},
	}}
	tr := NewTracker(src, nil, 2)

	stats, err := tr.GetStats(context.Background(), "catan")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if len(stats.TopQuestions) != 2 || stats.TopQuestions[0].Question != "popular" {
		t.Fatalf("unexpected top questions: %+v", stats.TopQuestions)
	}
}

func TestResetClearsStatsAndEntries(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	entry, err := e.Store(ctx, "catan", "reset me", "a", nil, 0)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	src := &fakeSource{resetFingerprints: []string{entry.Fingerprint}}
	tr := NewTracker(src, e, 10)

	n, err := tr.Reset(ctx, "catan")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset removed %d rows, want 1", n)
	}
	if src.resetCalls != 1 {
		t.Fatalf("reset calls = %d, want 1", src.resetCalls)
	}
	if _, ok, _ := e.Lookup(ctx, "catan", "reset me"); ok {
		t.Fatalf("entry must be destroyed by the stats reset")
	}
}
