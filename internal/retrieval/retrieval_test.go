package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rulewise/rulewise/config"
	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/internal/vectorstore/memory"
	"github.com/rulewise/rulewise/models"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func seed(t *testing.T, store *memory.Store, scope string, vecs map[string][]float32) {
	t.Helper()
	var chunks []vectorstore.Chunk
	i := 0
	for text, vec := range vecs {
		chunks = append(chunks, vectorstore.Chunk{
			ID:     fmt.Sprintf("c-%d", i),
			Index:  i,
			Text:   text,
			Vector: vec,
		})
		i++
	}
	if _, err := store.Upsert(context.Background(), scope, "doc-1", chunks); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestAnswerFiltersByThreshold(t *testing.T) {
	store := memory.New()
	seed(t, store, "catan", map[string][]float32{
		"robber moves on a seven":  {1, 0},
		"unrelated trading detail": {0, 1},
	})
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, store, config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	res, err := svc.Answer(context.Background(), "catan", "what happens on a seven?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if res.NoRelevantContent {
		t.Fatalf("expected relevant content")
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (orthogonal chunk must be filtered)", len(res.Chunks))
	}
	if res.Chunks[0].Text != "robber moves on a seven" {
		t.Fatalf("unexpected chunk %q", res.Chunks[0].Text)
	}
}

func TestAnswerTopKLimit(t *testing.T) {
	store := memory.New()
	vecs := map[string][]float32{}
	for i := 0; i < 8; i++ {
		vecs[fmt.Sprintf("chunk %d", i)] = []float32{1, 0}
	}
	seed(t, store, "catan", vecs)
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, store, config.RetrievalConfig{TopK: 5, Threshold: 0.1}, nil)

	res, err := svc.Answer(context.Background(), "catan", "anything")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(res.Chunks) != 5 {
		t.Fatalf("got %d chunks, want top-K of 5", len(res.Chunks))
	}
}

func TestAnswerNoRelevantContent(t *testing.T) {
	store := memory.New()
	seed(t, store, "catan", map[string][]float32{
		"far away chunk": {0, 1},
	})
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, store, config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	res, err := svc.Answer(context.Background(), "catan", "question about nothing indexed")
	if err != nil {
		t.Fatalf("no relevant content must not be an error, got %v", err)
	}
	if !res.NoRelevantContent {
		t.Fatalf("expected no-relevant-content signal")
	}
	if len(res.Chunks) != 0 {
		t.Fatalf("no-content result carries %d chunks", len(res.Chunks))
	}
}

func TestAnswerEmptyScopeIsEmptyNotError(t *testing.T) {
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, memory.New(), config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	res, err := svc.Answer(context.Background(), "unknown-game", "any question")
	if err != nil {
		t.Fatalf("empty scope search failed: %v", err)
	}
	if !res.NoRelevantContent {
		t.Fatalf("empty scope should signal no relevant content")
	}
}

func TestAnswerEmbedFailureIsError(t *testing.T) {
	svc := New(&stubEmbedder{err: fmt.Errorf("timeout: %w", models.ErrTransientDependency)}, memory.New(),
		config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	res, err := svc.Answer(context.Background(), "catan", "question")
	if err == nil {
		t.Fatalf("embedding failure must surface as an error, got %+v", res)
	}
	if !errors.Is(err, models.ErrTransientDependency) {
		t.Fatalf("wrapped cause lost: %v", err)
	}
	if res.NoRelevantContent {
		t.Fatalf("failure must never read as no-relevant-content")
	}
}

func TestAnswerValidation(t *testing.T) {
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, memory.New(), config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	if _, err := svc.Answer(context.Background(), "", "q"); !models.IsValidation(err) {
		t.Fatalf("missing scope: got %v", err)
	}
	if _, err := svc.Answer(context.Background(), "catan", ""); !models.IsValidation(err) {
		t.Fatalf("empty question: got %v", err)
	}
}

func TestAnswerByTag(t *testing.T) {
	store := memory.New()
	chunks := []vectorstore.Chunk{
		{ID: "c-0", Index: 0, Text: "seafarers ship rules", Vector: []float32{1, 0}, Tags: []string{"seafarers"}},
		{ID: "c-1", Index: 1, Text: "base game road rules", Vector: []float32{1, 0}},
	}
	if _, err := store.Upsert(context.Background(), "catan", "doc-1", chunks); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := New(&stubEmbedder{vec: []float32{1, 0}}, store, config.RetrievalConfig{TopK: 5, Threshold: 0.5}, nil)

	res, err := svc.AnswerByTag(context.Background(), "seafarers", "how do ships move?")
	if err != nil {
		t.Fatalf("answer by tag: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Text != "seafarers ship rules" {
		t.Fatalf("unexpected chunks %+v", res.Chunks)
	}
}
