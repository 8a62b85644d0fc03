package rag

import (
	"context"
	"crypto/md5"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/atelier-ai/studio/pkg/llms"
)

// TFIDFDim is the dimension of the hashed term-frequency fallback.
const TFIDFDim = 256

var (
	wordPattern = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
	cjkPattern  = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
)

// EmbedClient is the provider surface the embedder needs.
type EmbedClient interface {
	Embed(ctx context.Context, texts []string, model, providerSlug string) (*llms.EmbeddingResult, error)
}

// Embedder turns text into vectors, provider-first with an in-process
// hashed-TF fallback that needs no external service.
type Embedder struct {
	client EmbedClient
	model  string
}

// NewEmbedder builds an embedder. With a nil client or empty model
// only the fallback runs.
func NewEmbedder(client EmbedClient, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

// Embed vectorizes a batch of texts.
func (e *Embedder) Embed(ctx context.Context, texts []string) [][]float32 {
	if e.client != nil && e.model != "" {
		result, err := e.client.Embed(ctx, texts, e.model, "")
		if err == nil && result != nil && len(result.Embeddings) == len(texts) {
			return result.Embeddings
		}
		if err != nil {
			slog.Debug("provider embedding 失败, 使用 TF fallback", "error", err)
		}
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = HashedTFEmbed(text)
	}
	return vectors
}

// EmbedText vectorizes a single text.
func (e *Embedder) EmbedText(ctx context.Context, text string) []float32 {
	vectors := e.Embed(ctx, []string{text})
	if len(vectors) == 0 {
		return make([]float32, TFIDFDim)
	}
	return vectors[0]
}

// HashedTFEmbed maps tokens onto a fixed-size vector by hashing, with
// normalized term-frequency weights and L2 normalization.
func HashedTFEmbed(text string) []float32 {
	tokens := Tokenize(text)
	vec := make([]float32, TFIDFDim)
	if len(tokens) == 0 {
		return vec
	}

	tf := make(map[string]int, len(tokens))
	maxTF := 1
	for _, token := range tokens {
		tf[token]++
		if tf[token] > maxTF {
			maxTF = tf[token]
		}
	}

	for token, count := range tf {
		sum := md5.Sum([]byte(token))
		idx := int(sum[len(sum)-1]) % TFIDFDim
		vec[idx] += float32(0.5 + 0.5*float64(count)/float64(maxTF))
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// Tokenize splits text into lowercase identifiers plus individual CJK
// characters.
func Tokenize(text string) []string {
	tokens := wordPattern.FindAllString(strings.ToLower(text), -1)
	return append(tokens, cjkPattern.FindAllString(text, -1)...)
}

// CosineSimilarity between two vectors; zero for mismatched or zero
// vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
