// Package vector abstracts the vector store behind a small provider
// interface with an embedded chromem backend and an external qdrant
// backend.
package vector

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/atelier-ai/studio/pkg/config"
)

// SearchResult is one scored hit from a vector search.
type SearchResult struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]any
	Score    float32
}

// Provider stores and searches embeddings, one collection per index.
type Provider interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, queryVector []float32, topK int) ([]SearchResult, error)
	SearchWithFilter(ctx context.Context, collection string, queryVector []float32, topK int, filter map[string]any) ([]SearchResult, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// New builds the provider selected by the RAG config. The chromem
// backend persists under <dataDir>/vectors.
func New(cfg *config.RAGConfig, dataDir string) (Provider, error) {
	switch cfg.Backend {
	case "chromem":
		return NewChromem(filepath.Join(dataDir, "vectors"))
	case "qdrant":
		return NewQdrant(cfg.QdrantHost, cfg.QdrantPort)
	default:
		return nil, fmt.Errorf("unsupported vector backend '%s'", cfg.Backend)
	}
}
