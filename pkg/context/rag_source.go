package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/atelier-ai/studio/pkg/rag"
)

const ragSourceTopK = 5

// Retriever is the slice of pkg/rag the source needs.
type Retriever interface {
	Retrieve(ctx stdcontext.Context, query string, topK int, sourceFilter, mode string) []rag.RetrievalResult
}

// RAGSource injects retrieved code snippets relevant to the current
// query.
type RAGSource struct {
	retriever Retriever
}

func NewRAGSource(retriever Retriever) *RAGSource {
	return &RAGSource{retriever: retriever}
}

func (s *RAGSource) Name() string  { return "rag" }
func (s *RAGSource) Priority() int { return 45 }

func (s *RAGSource) Gather(ctx stdcontext.Context, _ int, input *BuildInput) ([]Section, error) {
	if s.retriever == nil || !input.RAGEnabled || strings.TrimSpace(input.Query) == "" {
		return nil, nil
	}

	results := s.retriever.Retrieve(ctx, input.Query, ragSourceTopK, "", rag.ModeHybrid)
	if len(results) == 0 {
		return nil, nil
	}

	parts := make([]string, 0, len(results))
	for _, result := range results {
		parts = append(parts, fmt.Sprintf("### %s (相关度: %.2f)\n```\n%s\n```",
			result.Source, result.Score, result.Content))
	}

	return []Section{{
		Name:      "RAG 检索",
		Content:   "## 相关代码片段 (自动检索)\n" + strings.Join(parts, "\n\n"),
		Priority:  45,
		Trimmable: true,
	}}, nil
}
