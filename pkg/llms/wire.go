package llms

import "encoding/json"

// Wire types for the shared chat-completions protocol.

type apiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

type apiToolCall struct {
	Index    *int        `json:"index,omitempty"`
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type apiTool struct {
	Type     string          `json:"type"`
	Function apiToolFunction `json:"function"`
}

type apiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
	Stream      bool         `json:"stream,omitempty"`
	Tools       []apiTool    `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
}

type apiUsage struct {
	PromptTokens            int `json:"prompt_tokens"`
	CompletionTokens        int `json:"completion_tokens"`
	TotalTokens             int `json:"total_tokens"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *apiUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		ReasoningTokens:  u.CompletionTokensDetails.ReasoningTokens,
	}
}

type streamDelta struct {
	Content          string        `json:"content"`
	ReasoningContent string        `json:"reasoning_content"`
	Thinking         string        `json:"thinking"`
	ToolCalls        []apiToolCall `json:"tool_calls"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *apiUsage      `json:"usage,omitempty"`
}

type completionMessage struct {
	Content          *string       `json:"content"`
	ReasoningContent string        `json:"reasoning_content"`
	Thinking         string        `json:"thinking"`
	ToolCalls        []apiToolCall `json:"tool_calls"`
}

type completionChoice struct {
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
	Usage   *apiUsage          `json:"usage"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *apiUsage `json:"usage"`
}

// parseSSEChunk translates one decoded SSE chunk into provider events,
// in the fixed order finish, thinking, content, tool-call deltas, usage.
func parseSSEChunk(chunk *streamChunk) []ProviderEvent {
	var events []ProviderEvent

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]

		if choice.FinishReason != "" {
			events = append(events, ProviderEvent{
				Type:         EventFinish,
				FinishReason: choice.FinishReason,
			})
		}

		thinking := choice.Delta.ReasoningContent
		if thinking == "" {
			thinking = choice.Delta.Thinking
		}
		if thinking != "" {
			events = append(events, ProviderEvent{Type: EventThinkingDelta, Text: thinking})
		}

		if choice.Delta.Content != "" {
			events = append(events, ProviderEvent{Type: EventContentDelta, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			events = append(events, ProviderEvent{
				Type:           EventToolCallDelta,
				ToolCallIndex:  idx,
				ToolCallID:     tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			})
		}
	}

	if chunk.Usage != nil {
		events = append(events, ProviderEvent{Type: EventUsage, Usage: chunk.Usage.toUsage()})
	}

	return events
}

// parseCompletionResponse translates a non-stream response body.
func parseCompletionResponse(resp *completionResponse) *CompletionResult {
	result := &CompletionResult{}
	if len(resp.Choices) == 0 {
		result.Usage = resp.Usage.toUsage()
		return result
	}

	choice := resp.Choices[0]
	if choice.Message.Content != nil {
		result.Content = *choice.Message.Content
	}
	result.Thinking = choice.Message.ReasoningContent
	if result.Thinking == "" {
		result.Thinking = choice.Message.Thinking
	}
	result.FinishReason = choice.FinishReason
	result.Usage = resp.Usage.toUsage()

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args == nil {
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return result
}
