package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/tokens"
)

const (
	summaryKeepRecent   = 4
	summaryPerMsgRunes  = 2000
	summaryTotalRunes   = 12000
	summaryMaxTokens    = 500
	summaryTemperature  = 0.3
	summaryHeaderFormat = "[上下文摘要] 以下是之前对话的关键信息摘要:\n%s"
)

const summaryPromptFormat = "请用中文简洁总结以下对话的关键信息 (不超过 300 字)。重点保留: 做了什么决定、涉及哪些文件/技术选择、未解决的问题。\n\n%s"

// Streamer is the slice of the LLM client the summarizer needs.
type Streamer interface {
	Stream(ctx stdcontext.Context, opts llms.StreamOptions) <-chan llms.ProviderEvent
}

// Summarizer folds old history into a single summary message once the
// window is nearly full.
type Summarizer struct {
	llm  Streamer
	caps *capabilities.Cache
}

func NewSummarizer(llm Streamer, caps *capabilities.Cache) *Summarizer {
	if caps == nil {
		caps = capabilities.Global()
	}
	return &Summarizer{llm: llm, caps: caps}
}

// SummarizeIfNeeded replaces everything but the last few messages with
// an LLM-written summary when usage crosses the trigger ratio. Returns
// the (possibly unchanged) history and whether it summarized.
func (s *Summarizer) SummarizeIfNeeded(ctx stdcontext.Context, messages []llms.Message, systemPrompt, model string) ([]llms.Message, bool) {
	if s.llm == nil || len(messages) <= summaryKeepRecent {
		return messages, false
	}

	maxInput, _ := s.caps.ContextWindow(model)
	if maxInput < 1 {
		maxInput = 1
	}
	used := messagesTokens(messages) + tokens.Estimate(systemPrompt)
	if float64(used)/float64(maxInput) < SummaryTriggerRatio {
		return messages, false
	}

	summary := s.generateSummary(ctx, messages[:len(messages)-summaryKeepRecent], model)
	if summary == "" {
		return messages, false
	}

	result := make([]llms.Message, 0, summaryKeepRecent+1)
	result = append(result, llms.Message{
		Role:    "system",
		Content: fmt.Sprintf(summaryHeaderFormat, summary),
	})
	result = append(result, messages[len(messages)-summaryKeepRecent:]...)
	return result, true
}

func (s *Summarizer) generateSummary(ctx stdcontext.Context, messages []llms.Message, model string) string {
	var lines []string
	total := 0
	for _, msg := range messages {
		content := msg.Content
		if runes := []rune(content); len(runes) > summaryPerMsgRunes {
			content = string(runes[:summaryPerMsgRunes]) + "..."
		}
		line := fmt.Sprintf("[%s]: %s", msg.Role, content)
		lines = append(lines, line)
		total += len([]rune(line))
		if total > summaryTotalRunes {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}

	prompt := fmt.Sprintf(summaryPromptFormat, strings.Join(lines, "\n\n"))

	var sb strings.Builder
	for event := range s.llm.Stream(ctx, llms.StreamOptions{
		Messages:    []llms.Message{{Role: "user", Content: prompt}},
		Model:       model,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	}) {
		switch event.Type {
		case llms.EventContentDelta:
			sb.WriteString(event.Text)
		case llms.EventError:
			return ""
		}
	}
	return strings.TrimSpace(sb.String())
}
