package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/models"
)

// Store is a minimal REST client to Qdrant. It keeps a single collection and
// filters by scope, document id and tag payload fields, assuming cosine
// distance.
type Store struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "rulewise"
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: collection,
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection if missing. Qdrant returns 200 for
// an existing collection with the same schema, so this is safe to call on
// every startup and under concurrent first use.
func (s *Store) EnsureCollection(ctx context.Context, scope string) error {
	if s.dimension <= 0 {
		return errors.New("qdrant store requires a positive vector dimension")
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	return s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body, nil)
}

func (s *Store) Upsert(ctx context.Context, scope, documentID string, chunks []vectorstore.Chunk) (vectorstore.IndexResult, error) {
	var res vectorstore.IndexResult
	points := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" || len(c.Vector) == 0 {
			res.Failed++
			continue
		}
		points = append(points, map[string]any{
			"id":     c.ID,
			"vector": c.Vector,
			"payload": map[string]any{
				"scope":       scope,
				"document_id": documentID,
				"chunk_index": c.Index,
				"text":        c.Text,
				"page":        c.Page,
				"tags":        c.Tags,
			},
		})
	}
	if len(points) == 0 {
		return res, nil
	}
	body := map[string]any{"points": points}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection)
	if err := s.putJSON(ctx, url, body, nil); err != nil {
		return vectorstore.IndexResult{Failed: len(chunks)}, err
	}
	res.Indexed = len(points)
	return res, nil
}

func (s *Store) Search(ctx context.Context, scope string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(ctx, matchFilter("scope", scope), vector, limit)
}

func (s *Store) SearchByTag(ctx context.Context, tag string, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	return s.search(ctx, matchFilter("tags", tag), vector, limit)
}

func (s *Store) search(ctx context.Context, filter map[string]any, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"filter":       filter,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection)
	if err := s.postJSON(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	hits := make([]vectorstore.SearchHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := vectorstore.SearchHit{Score: r.Score}
		if id, ok := r.ID.(string); ok {
			hit.ChunkID = id
		}
		if v, ok := r.Payload["document_id"].(string); ok {
			hit.DocumentID = v
		}
		if v, ok := r.Payload["chunk_index"].(float64); ok {
			hit.Index = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			hit.Text = v
		}
		if v, ok := r.Payload["page"].(float64); ok {
			hit.Page = int(v)
		}
		hits = append(hits, hit)
	}
	vectorstore.SortHits(hits)
	return hits, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	return s.deleteByFilter(ctx, matchFilter("document_id", documentID))
}

func (s *Store) DeleteByTag(ctx context.Context, tag string) (bool, error) {
	return s.deleteByFilter(ctx, matchFilter("tags", tag))
}

// deleteByFilter counts matching points first so callers can distinguish a
// delete that removed something from a no-op on an unknown id.
func (s *Store) deleteByFilter(ctx context.Context, filter map[string]any) (bool, error) {
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	countURL := fmt.Sprintf("%s/collections/%s/points/count", s.url, s.collection)
	if err := s.postJSON(ctx, countURL, map[string]any{"filter": filter, "exact": true}, &countResp); err != nil {
		return false, err
	}
	if countResp.Result.Count == 0 {
		return false, nil
	}
	deleteURL := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection)
	if err := s.postJSON(ctx, deleteURL, map[string]any{"filter": filter}, nil); err != nil {
		return false, err
	}
	return true, nil
}

func matchFilter(key, value string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": key, "match": map[string]any{"value": value}},
		},
	}
}

func (s *Store) putJSON(ctx context.Context, url string, body any, out any) error {
	return s.doJSON(ctx, http.MethodPut, url, body, out)
}

func (s *Store) postJSON(ctx context.Context, url string, body any, out any) error {
	return s.doJSON(ctx, http.MethodPost, url, body, out)
}

func (s *Store) doJSON(ctx context.Context, method, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("qdrant %s %s timed out: %w", method, url, models.ErrTransientDependency)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("qdrant %s %s failed: %s: %w", method, url, resp.Status, models.ErrTransientDependency)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}

var _ vectorstore.Store = (*Store)(nil)
