package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rulewise/rulewise/config"
	openai_provider "github.com/rulewise/rulewise/provider/openai"
)

// Client represents different embedding providers
type Client string

const (
	OpenAI Client = "openai"
)

// Embedder is the contract this system requires of an embedding model: it
// turns texts into vectors and nothing more.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedder creates an embedding client based on the provided configuration
func NewEmbedder(client Client, cfg config.OpenAIConfig) (Embedder, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("providers.openai.api_key not set")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions, timeout), nil
	default:
		return nil, errors.New("unsupported embedding provider")
	}
}
