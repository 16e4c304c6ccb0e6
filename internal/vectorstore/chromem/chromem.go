package chromem

import (
	"context"
	"fmt"
	"strconv"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/rulewise/rulewise/internal/vectorstore"
)

// Store keeps vectors in an embedded chromem-go database, optionally
// persisted to disk. Useful for single-node deployments with no external
// similarity-search engine.
type Store struct {
	db         *chromemgo.DB
	collection string
}

type Config struct {
	Collection string
	Persistent bool
	Path       string
}

func New(cfg Config) (*Store, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = "rulewise"
	}
	var db *chromemgo.DB
	if !cfg.Persistent {
		db = chromemgo.NewDB()
	} else {
		d, err := chromemgo.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector db: %w", err)
		}
		db = d
	}
	return &Store{db: db, collection: collection}, nil
}

// EnsureCollection is idempotent; chromem's GetOrCreateCollection already has
// the required semantics.
func (s *Store) EnsureCollection(ctx context.Context, scope string) error {
	_, err := s.db.GetOrCreateCollection(s.collection, nil, nil)
	return err
}

func (s *Store) col() (*chromemgo.Collection, error) {
	return s.db.GetOrCreateCollection(s.collection, nil, nil)
}

func (s *Store) Upsert(ctx context.Context, scope, documentID string, chunks []vectorstore.Chunk) (vectorstore.IndexResult, error) {
	c, err := s.col()
	if err != nil {
		return vectorstore.IndexResult{Failed: len(chunks)}, err
	}
	var res vectorstore.IndexResult
	for _, chunk := range chunks {
		if chunk.ID == "" || len(chunk.Vector) == 0 {
			res.Failed++
			continue
		}
		meta := map[string]string{
			"scope":       scope,
			"document_id": documentID,
			"chunk_index": strconv.Itoa(chunk.Index),
			"page":        strconv.Itoa(chunk.Page),
		}
		for _, tag := range chunk.Tags {
			meta["tag:"+tag] = "1"
		}
		doc := chromemgo.Document{
			ID:        chunk.ID,
			Metadata:  meta,
			Embedding: chunk.Vector,
			Content:   chunk.Text,
		}
		if err := c.AddDocument(ctx, doc); err != nil {
			res.Failed++
			continue
		}
		res.Indexed++
	}
	return res, nil
}

func (s *Store) Search(ctx context.Context, scope string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(ctx, map[string]string{"scope": scope}, vector, limit)
}

func (s *Store) SearchByTag(ctx context.Context, tag string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(ctx, map[string]string{"tag:" + tag: "1"}, vector, limit)
}

func (s *Store) search(ctx context.Context, where map[string]string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	c, err := s.col()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	if count := c.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}
	results, err := c.QueryEmbedding(ctx, vector, limit, where, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]vectorstore.SearchHit, 0, len(results))
	for _, r := range results {
		hit := vectorstore.SearchHit{
			ChunkID:    r.ID,
			DocumentID: r.Metadata["document_id"],
			Text:       r.Content,
			Score:      float64(r.Similarity),
		}
		if idx, err := strconv.Atoi(r.Metadata["chunk_index"]); err == nil {
			hit.Index = idx
		}
		if page, err := strconv.Atoi(r.Metadata["page"]); err == nil {
			hit.Page = page
		}
		hits = append(hits, hit)
	}
	vectorstore.SortHits(hits)
	return hits, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	return s.deleteWhere(ctx, map[string]string{"document_id": documentID})
}

func (s *Store) DeleteByTag(ctx context.Context, tag string) (bool, error) {
	return s.deleteWhere(ctx, map[string]string{"tag:" + tag: "1"})
}

func (s *Store) deleteWhere(ctx context.Context, where map[string]string) (bool, error) {
	c, err := s.col()
	if err != nil {
		return false, err
	}
	before := c.Count()
	if before == 0 {
		return false, nil
	}
	if err := c.Delete(ctx, where, nil); err != nil {
		return false, err
	}
	return c.Count() < before, nil
}

var _ vectorstore.Store = (*Store)(nil)
