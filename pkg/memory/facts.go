package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/atelier-ai/studio/pkg/llms"
)

// rule patterns back up the LLM extraction
var factPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:我们|项目|系统)(?:使用|用了?|基于|采用)\s*(.+?)(?:框架|语言|数据库|技术|来)`), "tech_stack"},
	{regexp.MustCompile(`(.+?)\s*版本[是为]?\s*([\d.]+)`), "version"},
	{regexp.MustCompile(`(?:命名|名字|变量|函数|类).*(?:使用|用|采用)\s*(.+?)(?:风格|规范|方式)`), "naming"},
	{regexp.MustCompile(`(?:架构|结构|设计).*(?:是|为|采用)\s*(.+?)(?:模式|架构|方式)`), "architecture"},
}

var decisionPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:决定|确定|选定|采用|最终|选择)(?:了|使用)?\s*(.+?)(?:,|，|。|$)`), "decision"},
	{regexp.MustCompile(`(?:我们|就|那就)(?:用|选)\s*(.+?)(?:吧|了|$)`), "decision"},
}

var preferencePatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?:我|我们?)(?:喜欢|偏好|倾向|习惯)(?:用|使用)?\s*(.+?)(?:,|，|。|$)`), "preference"},
	{regexp.MustCompile(`(?:不要|别|避免)(?:用|使用)?\s*(.+?)(?:,|，|。|$)`), "avoidance"},
}

var llmLinePattern = regexp.MustCompile(`^\[(\w+)\]\s*(.+)`)

// Streamer is the LLM surface the extractor needs.
type Streamer interface {
	Stream(ctx context.Context, opts llms.StreamOptions) <-chan llms.ProviderEvent
}

// Extractor pulls facts, decisions and preferences out of user
// messages, LLM-first with rule matching as the fallback.
type Extractor struct {
	llm   Streamer
	store *Store
}

// NewExtractor builds an extractor. llm may be nil, in which case only
// the rule patterns run.
func NewExtractor(llm Streamer, store *Store) *Extractor {
	return &Extractor{llm: llm, store: store}
}

// ExtractFromMessages mines the user messages of a conversation and
// optionally stores what it finds. Only user messages are considered;
// assistant statements echo the user.
func (e *Extractor) ExtractFromMessages(ctx context.Context, messages []llms.Message, projectID string, autoStore bool) []*Item {
	var userTexts []string
	for _, m := range messages {
		if m.Role == "user" && m.Content != "" {
			userTexts = append(userTexts, m.Content)
		}
	}
	if len(userTexts) == 0 {
		return nil
	}

	var items []*Item
	if e.llm != nil {
		llmItems, err := e.llmExtract(ctx, userTexts, projectID)
		if err != nil {
			slog.Warn("LLM 事实提取失败, 回退到规则匹配", "error", err)
			items = ruleExtract(userTexts, projectID)
		} else {
			items = llmItems
		}
	} else {
		items = ruleExtract(userTexts, projectID)
	}

	items = deduplicate(items)

	if autoStore && e.store != nil {
		for _, item := range items {
			if _, err := e.store.Add(ctx, item); err != nil {
				slog.Warn("存储记忆失败", "error", err)
			}
		}
	}

	slog.Info("memory extraction finished", "count", len(items), "project", projectID)
	return items
}

func (e *Extractor) llmExtract(ctx context.Context, texts []string, projectID string) ([]*Item, error) {
	if len(texts) > 5 {
		texts = texts[len(texts)-5:]
	}
	combined := strings.Join(texts, "\n---\n")

	prompt := fmt.Sprintf(`从以下用户消息中提取关键信息。每行一条，格式: [类型] 内容
类型包括: FACT(事实), DECISION(决策), PREFERENCE(偏好)
只提取明确的、有价值的信息。如果没有，回复"无"。

用户消息:
%s

提取结果:`, combined)

	var parts []string
	for event := range e.llm.Stream(ctx, llms.StreamOptions{
		Messages:    []llms.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   500,
	}) {
		switch event.Type {
		case llms.EventContentDelta:
			parts = append(parts, event.Text)
		case llms.EventError:
			return nil, fmt.Errorf("%s", event.Error)
		}
	}
	return parseLLMOutput(strings.Join(parts, ""), projectID), nil
}

func parseLLMOutput(output, projectID string) []*Item {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" || strings.Contains(firstRunes(trimmed, 5), "无") {
		return nil
	}

	typeMap := map[string]Type{
		"FACT":       TypeFact,
		"DECISION":   TypeDecision,
		"PREFERENCE": TypePreference,
	}

	var items []*Item
	for _, line := range strings.Split(trimmed, "\n") {
		m := llmLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		memType, ok := typeMap[strings.ToUpper(m[1])]
		content := strings.TrimSpace(m[2])
		if !ok || runeLen(content) < 5 {
			continue
		}
		items = append(items, &Item{
			ID:         NewItemID(),
			Content:    content,
			Type:       memType,
			ProjectID:  projectID,
			Importance: 0.6,
			Source:     "llm_extraction",
		})
	}
	return items
}

func ruleExtract(texts []string, projectID string) []*Item {
	combined := strings.Join(texts, " ")
	var items []*Item

	for _, p := range factPatterns {
		for _, m := range p.re.FindAllStringSubmatch(combined, -1) {
			content := strings.TrimSpace(m[1])
			if runeLen(content) > 3 {
				items = append(items, &Item{
					ID: NewItemID(), Content: content, Type: TypeFact,
					ProjectID: projectID, Importance: 0.5,
					Tags: []string{p.tag}, Source: "rule_extraction",
				})
			}
		}
	}
	for _, p := range decisionPatterns {
		for _, m := range p.re.FindAllStringSubmatch(combined, -1) {
			content := strings.TrimSpace(m[1])
			if runeLen(content) > 3 {
				items = append(items, &Item{
					ID: NewItemID(), Content: content, Type: TypeDecision,
					ProjectID: projectID, Importance: 0.6,
					Tags: []string{p.tag}, Source: "rule_extraction",
				})
			}
		}
	}
	for _, p := range preferencePatterns {
		for _, m := range p.re.FindAllStringSubmatch(combined, -1) {
			content := strings.TrimSpace(m[1])
			if runeLen(content) > 2 {
				items = append(items, &Item{
					ID: NewItemID(), Content: content, Type: TypePreference,
					ProjectID: projectID, Importance: 0.4,
					Tags: []string{p.tag}, Source: "rule_extraction",
				})
			}
		}
	}
	return items
}

// deduplicate keeps the first item per normalized content prefix.
func deduplicate(items []*Item) []*Item {
	seen := make(map[string]bool, len(items))
	var out []*Item
	for _, item := range items {
		key := firstRunes(strings.TrimSpace(strings.ToLower(item.Content)), 50)
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}

func runeLen(s string) int {
	return len([]rune(s))
}
