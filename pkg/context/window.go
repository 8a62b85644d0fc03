package context

import (
	"encoding/json"

	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/tokens"
)

// Window sizing constants.
const (
	// MinRecentMessages survive even a hopelessly small budget.
	MinRecentMessages = 2
	// OutputReserveRatio of the output window is held back from input.
	OutputReserveRatio = 0.05
	// SafetyMargin absorbs estimation error.
	SafetyMargin = 200
	// SummaryTriggerRatio of the input window triggers summarization.
	SummaryTriggerRatio = 0.90
	// SummaryTargetRatio is the usage level summarization aims for.
	SummaryTargetRatio = 0.50

	protectedRecent   = 4
	minHistoryBudget  = 500
	fallbackReserve   = 400
	singleMsgShareCap = 0.3
)

// UsageInfo reports how one prepared request spends the window.
type UsageInfo struct {
	MaxInput        int
	MaxOutput       int
	SystemTokens    int
	PlanTokens      int
	ToolsTokens     int
	HistoryTokens   int
	HistoryBudget   int
	TotalUsed       int
	Available       int
	KeptMessages    int
	DroppedMessages int
}

// Window fits a conversation into the model's context limits.
type Window struct {
	caps *capabilities.Cache
}

func NewWindow(caps *capabilities.Cache) *Window {
	if caps == nil {
		caps = capabilities.Global()
	}
	return &Window{caps: caps}
}

// PrepareContext trims the message history so that system prompt, plan
// summary, tool definitions and history fit the model's input window
// with room reserved for the response.
func (w *Window) PrepareContext(messages []llms.Message, systemPrompt, model, planSummary string, tools []llms.ToolDefinition) ([]llms.Message, UsageInfo) {
	maxInput, maxOutput := w.caps.ContextWindow(model)

	outputReserve := fallbackReserve
	if maxOutput > 0 {
		outputReserve = int(float64(maxOutput) * OutputReserveRatio)
	}
	available := maxInput - outputReserve - SafetyMargin

	systemTokens := tokens.Estimate(systemPrompt)
	planTokens := tokens.Estimate(planSummary)
	toolsTokens := 0
	if len(tools) > 0 {
		if raw, err := json.Marshal(tools); err == nil {
			toolsTokens = tokens.Estimate(string(raw))
		}
	}

	fixed := systemTokens + planTokens + toolsTokens
	historyBudget := available - fixed
	if historyBudget < minHistoryBudget {
		historyBudget = minHistoryBudget
	}

	managed, kept, dropped := truncateMessages(messages, historyBudget)
	historyTokens := messagesTokens(managed)

	return managed, UsageInfo{
		MaxInput:        maxInput,
		MaxOutput:       maxOutput,
		SystemTokens:    systemTokens,
		PlanTokens:      planTokens,
		ToolsTokens:     toolsTokens,
		HistoryTokens:   historyTokens,
		HistoryBudget:   historyBudget,
		TotalUsed:       fixed + historyTokens,
		Available:       available,
		KeptMessages:    kept,
		DroppedMessages: dropped,
	}
}

func messageTokens(msg llms.Message) int {
	return tokens.Estimate(msg.Content)
}

func messagesTokens(messages []llms.Message) int {
	total := 0
	for _, msg := range messages {
		total += messageTokens(msg)
	}
	return total
}

// truncateMessages keeps the newest messages that fit the budget. The
// most recent few are protected; an oversized protected message is cut
// down rather than dropped.
func truncateMessages(messages []llms.Message, budget int) ([]llms.Message, int, int) {
	if messagesTokens(messages) <= budget {
		return messages, len(messages), 0
	}

	protected := protectedRecent
	if protected > len(messages) {
		protected = len(messages)
	}

	singleCap := int(float64(budget) * singleMsgShareCap)
	recent := make([]llms.Message, protected)
	copy(recent, messages[len(messages)-protected:])
	for i := range recent {
		if messageTokens(recent[i]) > singleCap {
			recent[i].Content = tokens.Truncate(recent[i].Content, singleCap, TruncationMarker)
		}
	}

	remaining := budget - messagesTokens(recent)
	if remaining <= 0 {
		keep := MinRecentMessages
		if keep > len(recent) {
			keep = len(recent)
		}
		kept := recent[len(recent)-keep:]
		return kept, len(kept), len(messages) - len(kept)
	}

	result := recent
	for i := len(messages) - protected - 1; i >= 0; i-- {
		cost := messageTokens(messages[i])
		if cost > remaining {
			break
		}
		result = append([]llms.Message{messages[i]}, result...)
		remaining -= cost
	}
	return result, len(result), len(messages) - len(result)
}

const (
	sectionPreviewRunes = 5000
	messagePreviewRunes = 200
	messageDetailCount  = 20
)

// BuildUsageSummary renders usage for the observability endpoints.
// sections and messages are optional detail blocks.
func BuildUsageSummary(usage UsageInfo, sections []Section, messages []llms.Message, includeMessages bool) map[string]any {
	available := usage.Available
	if available < 1 {
		available = 1
	}
	percentage := usage.TotalUsed * 100 / available
	if percentage > 100 {
		percentage = 100
	}

	summary := map[string]any{
		"max_input":  usage.MaxInput,
		"max_output": usage.MaxOutput,
		"total_used": usage.TotalUsed,
		"available":  usage.Available,
		"percentage": percentage,
		"breakdown": map[string]int{
			"system":  usage.SystemTokens,
			"tools":   usage.ToolsTokens,
			"plan":    usage.PlanTokens,
			"history": usage.HistoryTokens,
		},
		"messages": map[string]int{
			"kept":    usage.KeptMessages,
			"dropped": usage.DroppedMessages,
		},
	}

	if len(sections) > 0 {
		details := make([]map[string]any, 0, len(sections))
		for _, section := range sections {
			details = append(details, map[string]any{
				"name":    section.Name,
				"tokens":  section.Tokens,
				"content": runePrefix(section.Content, sectionPreviewRunes),
			})
		}
		summary["system_sections"] = details
	}

	if includeMessages {
		start := len(messages) - messageDetailCount
		if start < 0 {
			start = 0
		}
		details := make([]map[string]any, 0, len(messages)-start)
		for _, msg := range messages[start:] {
			details = append(details, map[string]any{
				"role":    msg.Role,
				"tokens":  messageTokens(msg),
				"preview": runePrefix(msg.Content, messagePreviewRunes),
			})
		}
		summary["message_details"] = details
	}

	return summary
}

func runePrefix(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
