package config

import "fmt"

// RAGConfig tunes chunking, embedding, retrieval and the indexer.
type RAGConfig struct {
	// Backend selects the vector store: "chromem" (embedded) or "qdrant".
	Backend string `yaml:"backend,omitempty"`

	// QdrantHost and QdrantPort locate an external qdrant instance.
	QdrantHost string `yaml:"qdrant_host,omitempty"`
	QdrantPort int    `yaml:"qdrant_port,omitempty"`

	// EmbeddingModel, when set, embeds through the default provider;
	// empty falls back to the in-process hashed-TF embedder.
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// MaxChunkTokens bounds chunk size.
	MaxChunkTokens int `yaml:"max_chunk_tokens,omitempty"`

	// OverlapLines between line-window chunks.
	OverlapLines int `yaml:"overlap_lines,omitempty"`

	// TopK results per retrieval.
	TopK int `yaml:"top_k,omitempty"`

	// VectorWeight and KeywordWeight blend hybrid scores.
	VectorWeight  float64 `yaml:"vector_weight,omitempty"`
	KeywordWeight float64 `yaml:"keyword_weight,omitempty"`

	// MinScore filters weak hybrid results.
	MinScore float64 `yaml:"min_score,omitempty"`

	// IndexIntervalSeconds between background scans.
	IndexIntervalSeconds int `yaml:"index_interval_seconds,omitempty"`

	// Watch enables filesystem-event triggered reindexing.
	Watch *bool `yaml:"watch,omitempty"`
}

// SetDefaults applies default values.
func (c *RAGConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "chromem"
	}
	if c.QdrantHost == "" {
		c.QdrantHost = "localhost"
	}
	if c.QdrantPort == 0 {
		c.QdrantPort = 6334
	}
	if c.MaxChunkTokens == 0 {
		c.MaxChunkTokens = 400
	}
	if c.OverlapLines == 0 {
		c.OverlapLines = 5
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.VectorWeight == 0 {
		c.VectorWeight = 0.7
	}
	if c.KeywordWeight == 0 {
		c.KeywordWeight = 0.3
	}
	if c.MinScore == 0 {
		c.MinScore = 0.1
	}
	if c.IndexIntervalSeconds == 0 {
		c.IndexIntervalSeconds = 300
	}
	if c.Watch == nil {
		watch := true
		c.Watch = &watch
	}
}

// Validate checks the RAG configuration.
func (c *RAGConfig) Validate() error {
	switch c.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("rag: unsupported backend '%s'", c.Backend)
	}
	if c.VectorWeight < 0 || c.KeywordWeight < 0 {
		return fmt.Errorf("rag: weights must be non-negative")
	}
	return nil
}
