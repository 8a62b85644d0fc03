package tools

import (
	"context"
	"fmt"
)

// askUser surfaces clarification questions. The raw question payload
// is rendered by the caller; the tool result only confirms the pause.
func askUser(_ context.Context, args map[string]any, _ string) string {
	questions, _ := args["questions"].([]any)
	if len(questions) == 0 {
		return "⚠️ 请至少提出一个问题"
	}
	return fmt.Sprintf("✅ 已向用户展示 %d 个问题，请等待用户回答后再继续讨论。不要自行假设答案。", len(questions))
}
