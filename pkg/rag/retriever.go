package rag

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Retrieval modes.
const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// RetrievalResult is one relevant chunk with its blended score.
type RetrievalResult struct {
	Content   string
	Source    string
	Score     float64
	StartLine int
	EndLine   int
	ChunkType string
	MatchType string // vector / keyword / hybrid
}

// Retriever blends vector similarity with keyword matching.
type Retriever struct {
	index    *Index
	embedder *Embedder

	TopK          int
	VectorWeight  float64
	KeywordWeight float64
	MinScore      float64
}

func NewRetriever(index *Index, embedder *Embedder) *Retriever {
	return &Retriever{
		index:         index,
		embedder:      embedder,
		TopK:          5,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		MinScore:      0.1,
	}
}

// Retrieve returns the most relevant chunks for a query, best first.
// sourceFilter restricts hits to sources under a path prefix.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, sourceFilter, mode string) []RetrievalResult {
	if topK <= 0 {
		topK = r.TopK
	}
	if mode == "" {
		mode = ModeHybrid
	}

	results := make(map[string]*RetrievalResult)
	var order []string

	if (mode == ModeVector || mode == ModeHybrid) && r.index.Size() > 0 {
		for _, hit := range r.vectorSearch(ctx, query, topK*2, sourceFilter) {
			hit := hit
			rid := resultID(&hit)
			if existing, ok := results[rid]; ok {
				if hit.Score > existing.Score {
					existing.Score = hit.Score
				}
			} else {
				results[rid] = &hit
				order = append(order, rid)
			}
		}
	}

	if (mode == ModeKeyword || mode == ModeHybrid) && r.index.Size() > 0 {
		for _, hit := range r.keywordSearch(query, topK*2, sourceFilter) {
			hit := hit
			rid := resultID(&hit)
			existing, ok := results[rid]
			if !ok {
				results[rid] = &hit
				order = append(order, rid)
				continue
			}
			// a chunk found both ways gets the blended score
			if existing.MatchType == "vector" {
				existing.Score = existing.Score*r.VectorWeight + hit.Score*r.KeywordWeight
				existing.MatchType = "hybrid"
			}
		}
	}

	var final []RetrievalResult
	for _, rid := range order {
		if results[rid].Score >= r.MinScore {
			final = append(final, *results[rid])
		}
	}
	sort.SliceStable(final, func(i, j int) bool { return final[i].Score > final[j].Score })
	if len(final) > topK {
		final = final[:topK]
	}
	return final
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, topK int, sourceFilter string) []RetrievalResult {
	queryVec := r.embedder.EmbedText(ctx, query)

	matches, err := r.index.Search(ctx, queryVec, topK, sourceFilter)
	if err != nil {
		slog.Warn("向量检索失败", "error", err)
		return nil
	}

	results := make([]RetrievalResult, 0, len(matches))
	for _, match := range matches {
		results = append(results, RetrievalResult{
			Content:   match.Entry.Content,
			Source:    match.Entry.Source,
			Score:     match.Score,
			StartLine: match.Entry.StartLine,
			EndLine:   match.Entry.EndLine,
			ChunkType: match.Entry.ChunkType,
			MatchType: "vector",
		})
	}
	return results
}

var queryTokenPattern = regexp.MustCompile(`[a-z_][a-z0-9_]*|[\x{4e00}-\x{9fff}]+`)

func queryTokens(text string) []string {
	var tokens []string
	for _, token := range queryTokenPattern.FindAllString(strings.ToLower(text), -1) {
		if utf8.RuneCountInString(token) > 1 {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// keywordSearch is a simplified TF scorer normalized by the best hit.
func (r *Retriever) keywordSearch(query string, topK int, sourceFilter string) []RetrievalResult {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	type scored struct {
		entry *Entry
		score float64
	}
	var hits []scored
	maxScore := 0.0

	for _, entry := range r.index.Entries() {
		if sourceFilter != "" && !strings.HasPrefix(entry.Source, sourceFilter) {
			continue
		}
		contentLower := strings.ToLower(entry.Content)
		wordCount := len(strings.Fields(contentLower)) + 1

		score := 0.0
		for _, token := range tokens {
			if count := strings.Count(contentLower, token); count > 0 {
				score += float64(count) / float64(wordCount)
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry, score})
			if score > maxScore {
				maxScore = score
			}
		}
	}

	if maxScore > 0 {
		for i := range hits {
			hits[i].score /= maxScore
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	results := make([]RetrievalResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, RetrievalResult{
			Content:   hit.entry.Content,
			Source:    hit.entry.Source,
			Score:     hit.score,
			StartLine: hit.entry.StartLine,
			EndLine:   hit.entry.EndLine,
			ChunkType: hit.entry.ChunkType,
			MatchType: "keyword",
		})
	}
	return results
}

func resultID(r *RetrievalResult) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", r.Source, r.StartLine, r.EndLine))))
}
