// Package retrieval answers the "which rulebook passages matter for this
// question" half of question answering: it embeds the question, searches the
// vector store and filters the hits down to relevant context.
package retrieval

import (
	"context"
	"fmt"
	"log"

	"github.com/rulewise/rulewise/config"
	"github.com/rulewise/rulewise/internal/vectorstore"
	"github.com/rulewise/rulewise/models"
	"github.com/rulewise/rulewise/provider"
)

// Result carries the retrieved context for answer composition. When no
// indexed chunk clears the similarity threshold, NoRelevantContent is set
// and Chunks is empty; that is a successful retrieval, not an error.
type Result struct {
	Scope             string                  `json:"scope"`
	Question          string                  `json:"question"`
	Chunks            []vectorstore.SearchHit `json:"context_chunks"`
	NoRelevantContent bool                    `json:"no_relevant_content"`
}

// Service is the retrieval service.
type Service struct {
	embedder provider.Embedder
	vectors  vectorstore.Store
	cfg      config.RetrievalConfig
	logger   *log.Logger
}

func New(embedder provider.Embedder, vectors vectorstore.Store, cfg config.RetrievalConfig, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Service{embedder: embedder, vectors: vectors, cfg: cfg, logger: logger}
}

// Answer retrieves the top rulebook chunks for a question within a scope.
// A dependency failure (embedding or search) surfaces as an error and is
// never conflated with the no-content signal.
func (s *Service) Answer(ctx context.Context, scope, question string) (Result, error) {
	if scope == "" {
		return Result{}, models.Invalid("scope is required")
	}
	if question == "" {
		return Result{}, models.Invalid("question is empty")
	}

	vec, err := s.embed(ctx, question)
	if err != nil {
		return Result{}, err
	}
	hits, err := s.vectors.Search(ctx, scope, vec, s.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("vector search: %w", err)
	}
	return s.result(scope, question, hits), nil
}

// AnswerByTag is Answer restricted to chunks carrying a tag instead of a
// whole scope, for expansions or errata indexed under their own tag.
func (s *Service) AnswerByTag(ctx context.Context, tag, question string) (Result, error) {
	if tag == "" {
		return Result{}, models.Invalid("tag is required")
	}
	if question == "" {
		return Result{}, models.Invalid("question is empty")
	}

	vec, err := s.embed(ctx, question)
	if err != nil {
		return Result{}, err
	}
	hits, err := s.vectors.SearchByTag(ctx, tag, vec, s.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("vector search: %w", err)
	}
	return s.result(tag, question, hits), nil
}

func (s *Service) embed(ctx context.Context, question string) ([]float32, error) {
	vecs, err := s.embedder.CreateEmbedding(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

func (s *Service) result(scope, question string, hits []vectorstore.SearchHit) Result {
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= s.cfg.Threshold {
			kept = append(kept, h)
		}
	}
	res := Result{Scope: scope, Question: question, Chunks: kept}
	if len(kept) == 0 {
		res.Chunks = nil
		res.NoRelevantContent = true
		s.logger.Printf("no relevant content for scope %s", scope)
	}
	return res
}
