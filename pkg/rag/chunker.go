// Package rag implements workspace retrieval: code-aware chunking,
// embedding with a hashed term-frequency fallback, a persistent vector
// index and a hybrid retriever, fed by a background indexer.
package rag

import (
	"regexp"
	"strings"
)

// Chunk is one piece of a source document.
type Chunk struct {
	Content   string
	Source    string
	StartLine int
	EndLine   int
	ChunkType string // text / function / class / module
	Metadata  map[string]any
}

// boundary patterns keyed by extension group; applied to trimmed lines
// so nested definitions also open a chunk
var (
	pyBoundary   = regexp.MustCompile(`^(class |def |async def )\w`)
	jsBoundary   = regexp.MustCompile(`^(export |)(function |class |const \w+ = |interface |type )`)
	goBoundary   = regexp.MustCompile(`^(func |type )\w`)
	javaBoundary = regexp.MustCompile(`^\s*(public |private |protected |)(static |)(class |interface |void |.* \w+\()`)
)

func boundaryPattern(source string) *regexp.Regexp {
	ext := ""
	if idx := strings.LastIndex(source, "."); idx >= 0 {
		ext = strings.ToLower(source[idx+1:])
	}
	switch ext {
	case "py":
		return pyBoundary
	case "js", "ts", "jsx", "tsx", "vue":
		return jsBoundary
	case "go":
		return goBoundary
	case "java", "kt", "scala":
		return javaBoundary
	default:
		return nil
	}
}

// CodeChunker splits code along function and class boundaries so each
// chunk keeps a complete logical unit, falling back to line windows.
type CodeChunker struct {
	maxChunkChars int
	overlapLines  int
}

// NewCodeChunker sizes chunks by a rough 4-chars-per-token estimate.
func NewCodeChunker(maxChunkTokens, overlapLines int) *CodeChunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 512
	}
	if overlapLines <= 0 {
		overlapLines = 2
	}
	return &CodeChunker{
		maxChunkChars: maxChunkTokens * 4,
		overlapLines:  overlapLines,
	}
}

// ChunkFile splits one file's content into chunks.
func (c *CodeChunker) ChunkFile(content, source string) []Chunk {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return nil
	}

	boundaries := detectBoundaries(lines, source)
	if len(boundaries) > 1 {
		return c.splitByBoundaries(lines, boundaries, source)
	}
	return c.splitByLines(lines, source, 0)
}

func detectBoundaries(lines []string, source string) []int {
	pattern := boundaryPattern(source)
	if pattern == nil {
		return nil
	}

	boundaries := []int{0}
	for i, line := range lines {
		if i > 0 && pattern.MatchString(strings.TrimSpace(line)) {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) == 1 {
		return nil
	}
	return boundaries
}

func (c *CodeChunker) splitByBoundaries(lines []string, boundaries []int, source string) []Chunk {
	var chunks []Chunk
	for i := range boundaries {
		start := boundaries[i]
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		content := strings.Join(lines[start:end], "\n")

		if len(content) > c.maxChunkChars {
			chunks = append(chunks, c.splitByLines(lines[start:end], source, start)...)
			continue
		}
		chunks = append(chunks, Chunk{
			Content:   content,
			Source:    source,
			StartLine: start + 1,
			EndLine:   end,
			ChunkType: "function",
		})
	}
	return chunks
}

func (c *CodeChunker) splitByLines(lines []string, source string, baseLine int) []Chunk {
	var chunks []Chunk
	maxLines := c.maxChunkChars / 80
	if maxLines < 10 {
		maxLines = 10
	}

	for i := 0; i < len(lines); {
		end := i + maxLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{
			Content:   strings.Join(lines[i:end], "\n"),
			Source:    source,
			StartLine: baseLine + i + 1,
			EndLine:   baseLine + end,
			ChunkType: "text",
		})
		if end < len(lines) {
			i = end - c.overlapLines
		} else {
			i = end
		}
	}
	return chunks
}

// TextChunker splits prose by paragraphs.
type TextChunker struct {
	maxChunkChars int
}

func NewTextChunker(maxChunkTokens int) *TextChunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 512
	}
	return &TextChunker{maxChunkChars: maxChunkTokens * 4}
}

// ChunkText splits one document into paragraph-aligned chunks.
func (c *TextChunker) ChunkText(content, source string) []Chunk {
	if len(content) <= c.maxChunkChars {
		return []Chunk{{Content: content, Source: source, ChunkType: "text"}}
	}

	var chunks []Chunk
	current := ""
	for _, para := range strings.Split(content, "\n\n") {
		if len(current)+len(para) > c.maxChunkChars {
			if current != "" {
				chunks = append(chunks, Chunk{Content: strings.TrimSpace(current), Source: source, ChunkType: "text"})
			}
			current = para
		} else if current != "" {
			current += "\n\n" + para
		} else {
			current = para
		}
	}
	if current != "" {
		chunks = append(chunks, Chunk{Content: strings.TrimSpace(current), Source: source, ChunkType: "text"})
	}
	return chunks
}
