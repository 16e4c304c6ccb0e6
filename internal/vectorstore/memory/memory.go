package memory

import (
	"context"
	"math"
	"sync"

	"github.com/rulewise/rulewise/internal/vectorstore"
)

// Store is an in-memory vector store with cosine similarity, used in tests
// and for single-process deployments without an external engine.
type Store struct {
	mu     sync.RWMutex
	chunks map[string]vectorstore.Chunk // keyed by chunk ID
}

func New() *Store {
	return &Store{chunks: make(map[string]vectorstore.Chunk)}
}

func (s *Store) EnsureCollection(ctx context.Context, scope string) error { return nil }

func (s *Store) Upsert(ctx context.Context, scope, documentID string, chunks []vectorstore.Chunk) (vectorstore.IndexResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res vectorstore.IndexResult
	for _, c := range chunks {
		if c.ID == "" || len(c.Vector) == 0 {
			res.Failed++
			continue
		}
		c.Scope = scope
		c.DocumentID = documentID
		s.chunks[c.ID] = c
		res.Indexed++
	}
	return res, nil
}

func (s *Store) Search(ctx context.Context, scope string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(vector, limit, func(c vectorstore.Chunk) bool { return c.Scope == scope })
}

func (s *Store) SearchByTag(ctx context.Context, tag string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(vector, limit, func(c vectorstore.Chunk) bool {
		for _, t := range c.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

func (s *Store) search(vector []float32, limit int, match func(vectorstore.Chunk) bool) ([]vectorstore.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []vectorstore.SearchHit
	for _, c := range s.chunks {
		if !match(c) {
			continue
		}
		hits = append(hits, vectorstore.SearchHit{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Index:      c.Index,
			Text:       c.Text,
			Page:       c.Page,
			Score:      cosine(vector, c.Vector),
		})
	}
	vectorstore.SortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	return s.delete(func(c vectorstore.Chunk) bool { return c.DocumentID == documentID })
}

func (s *Store) DeleteByTag(ctx context.Context, tag string) (bool, error) {
	return s.delete(func(c vectorstore.Chunk) bool {
		for _, t := range c.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

func (s *Store) delete(match func(vectorstore.Chunk) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := false
	for id, c := range s.chunks {
		if match(c) {
			delete(s.chunks, id)
			deleted = true
		}
	}
	return deleted, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ vectorstore.Store = (*Store)(nil)
