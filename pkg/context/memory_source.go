package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/atelier-ai/studio/pkg/memory"
)

const (
	memoryFactLimit     = 10
	memoryDecisionLimit = 5
)

// MemorySource surfaces remembered facts and decisions for the
// current project.
type MemorySource struct {
	store *memory.Store
}

func NewMemorySource(store *memory.Store) *MemorySource {
	return &MemorySource{store: store}
}

func (s *MemorySource) Name() string  { return "memory" }
func (s *MemorySource) Priority() int { return 50 }

func (s *MemorySource) Gather(ctx stdcontext.Context, _ int, input *BuildInput) ([]Section, error) {
	if s.store == nil || !input.MemoryEnabled || input.ProjectID == "" {
		return nil, nil
	}

	var sections []Section

	facts, err := s.store.ListRecent(ctx, input.ProjectID, memory.TypeFact, memoryFactLimit)
	if err != nil {
		return nil, err
	}
	if len(facts) > 0 {
		lines := make([]string, 0, len(facts))
		for _, fact := range facts {
			lines = append(lines, "- "+fact.Content)
		}
		sections = append(sections, Section{
			Name:      "项目记忆",
			Content:   "## 项目记忆 (长期)\n" + strings.Join(lines, "\n"),
			Priority:  50,
			Trimmable: true,
		})
	}

	decisions, err := s.store.ListRecent(ctx, input.ProjectID, memory.TypeDecision, memoryDecisionLimit)
	if err != nil {
		return nil, err
	}
	if len(decisions) > 0 {
		lines := make([]string, 0, len(decisions))
		for _, decision := range decisions {
			lines = append(lines, decisionLine(decision))
		}
		sections = append(sections, Section{
			Name:      "决策记录",
			Content:   "## 关键决策\n" + strings.Join(lines, "\n"),
			Priority:  55,
			Trimmable: true,
		})
	}

	return sections, nil
}

// decisionLine prefers the structured metadata form when the item
// carries title/chosen/reason fields.
func decisionLine(item *memory.Item) string {
	title, _ := item.Metadata["title"].(string)
	chosen, _ := item.Metadata["chosen"].(string)
	if title != "" && chosen != "" {
		reason, _ := item.Metadata["reason"].(string)
		return fmt.Sprintf("- **%s**: %s (%s)", title, chosen, reason)
	}
	return "- " + item.Content
}
