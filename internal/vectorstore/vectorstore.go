package vectorstore

import (
	"context"
	"sort"
)

// Chunk is one embedded text window ready for indexing. The vector is owned
// by the store once indexed; chunks are immutable after creation.
type Chunk struct {
	ID         string
	DocumentID string
	Scope      string
	Index      int
	Text       string
	Page       int // optional provenance, 0 when unknown
	Tags       []string
	Vector     []float32
}

// IndexResult reports partial indexing failure as counts, not errors; the
// caller decides whether partial indexing is acceptable.
type IndexResult struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// SearchHit is one ranked similarity-search result.
type SearchHit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Page       int     `json:"page,omitempty"`
	Score      float64 `json:"score"`
}

// Store is the capability set this system requires of a similarity-search
// engine. All operations are safe under concurrent use; deletes are
// idempotent and report absence as false rather than an error.
type Store interface {
	EnsureCollection(ctx context.Context, scope string) error
	Upsert(ctx context.Context, scope, documentID string, chunks []Chunk) (IndexResult, error)
	Search(ctx context.Context, scope string, vector []float32, limit int) ([]SearchHit, error)
	SearchByTag(ctx context.Context, tag string, vector []float32, limit int) ([]SearchHit, error)
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	DeleteByTag(ctx context.Context, tag string) (bool, error)
}

// SortHits orders hits by descending score, breaking ties by the original
// chunk sequence index so results are stable and deterministic.
func SortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Index < hits[j].Index
	})
}
