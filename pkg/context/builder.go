// Package context assembles the system prompt from prioritized
// sources under a token budget, manages the conversation window
// against the model's context limits and summarizes history when the
// window fills up.
package context

import (
	stdcontext "context"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/atelier-ai/studio/pkg/tokens"
)

// TruncationMarker is appended to any section content cut to fit the
// budget.
const TruncationMarker = "\n... (上下文已截断)"

// DefaultBudgetTokens is used when Build is given a non-positive
// budget.
const DefaultBudgetTokens = 4000

// Section is one block of the assembled system prompt. Priority 0 is
// highest, 100 lowest.
type Section struct {
	Name      string
	Content   string
	Tokens    int
	Priority  int
	Trimmable bool
}

// BuildInput carries the per-conversation inputs sources draw from.
type BuildInput struct {
	ProjectID          string
	ProjectTitle       string
	ProjectDescription string
	Query              string
	ToolPermissions    []string
	SkillIDs           []string
	RAGEnabled         bool
	MemoryEnabled      bool
}

// Source contributes sections to the prompt. Gather may use up to
// budgetTokens; the builder trims whatever still does not fit.
type Source interface {
	Name() string
	Priority() int
	Gather(ctx stdcontext.Context, budgetTokens int, input *BuildInput) ([]Section, error)
}

// Builder runs sources in priority order and packs their sections
// into the token budget.
type Builder struct {
	sources []Source
}

func NewBuilder(sources ...Source) *Builder {
	b := &Builder{}
	for _, source := range sources {
		b.AddSource(source)
	}
	return b
}

// AddSource registers a source, keeping the list sorted by priority
// ascending.
func (b *Builder) AddSource(source Source) {
	b.sources = append(b.sources, source)
	sort.SliceStable(b.sources, func(i, j int) bool {
		return b.sources[i].Priority() < b.sources[j].Priority()
	})
}

// Build assembles the prompt. Sections that exceed the remaining
// budget are trimmed when trimmable and skipped otherwise. Returns the
// prompt and the sections that made it in, token counts filled.
func (b *Builder) Build(ctx stdcontext.Context, budgetTokens int, input *BuildInput) (string, []Section) {
	if budgetTokens <= 0 {
		budgetTokens = DefaultBudgetTokens
	}
	if input == nil {
		input = &BuildInput{}
	}

	remaining := budgetTokens
	var kept []Section

	for _, source := range b.sources {
		if remaining <= 0 {
			break
		}
		sections, err := source.Gather(ctx, remaining, input)
		if err != nil {
			slog.Warn("ContextSource 执行失败", "source", source.Name(), "error", err)
			continue
		}
		for _, section := range sections {
			count := tokens.Estimate(section.Content)
			switch {
			case count <= remaining:
				section.Tokens = count
			case section.Trimmable:
				ratio := float64(remaining) / float64(max(count, 1))
				section.Content = cutRunesafe(section.Content, int(float64(len(section.Content))*ratio*0.9)) + TruncationMarker
				section.Tokens = tokens.Estimate(section.Content)
			default:
				continue
			}
			kept = append(kept, section)
			remaining -= section.Tokens
		}
	}

	var parts []string
	for _, section := range kept {
		if strings.TrimSpace(section.Content) != "" {
			parts = append(parts, section.Content)
		}
	}
	return strings.Join(parts, "\n\n"), kept
}

// cutRunesafe slices to at most n bytes, backing off to a rune start.
func cutRunesafe(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
