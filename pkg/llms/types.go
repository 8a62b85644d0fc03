// Package llms provides the provider-agnostic LLM gateway: the three
// provider driver families, the routing client, streamed event types
// and structured error classification.
package llms

import (
	"encoding/json"
	"sort"
	"strings"
)

// Event types emitted by provider drivers.
const (
	EventContentDelta  = "content_delta"
	EventThinkingDelta = "thinking_delta"
	EventToolCallDelta = "tool_call_delta"
	EventUsage         = "usage"
	EventFinish        = "finish"
	EventError         = "error"
)

// ProviderEvent is one item of a streamed provider response. Type
// selects which payload fields are meaningful.
type ProviderEvent struct {
	Type string

	// content_delta / thinking_delta
	Text string

	// tool_call_delta; identity is the index within one response
	ToolCallIndex  int
	ToolCallID     string
	Name           string
	ArgumentsDelta string

	// usage
	Usage *Usage

	// finish
	FinishReason string

	// error
	Error string
	Meta  *ErrorMeta
}

// Usage reports token consumption of one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// Image attaches to user messages and is sent as a base64 data URI.
type Image struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// Message is the internal conversation form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Images     []Image    `json:"images,omitempty"`
}

// ToolCall is one reconstructed tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Signature identifies a call for duplicate suppression: name plus the
// canonical (key-sorted) JSON of its arguments.
func (tc ToolCall) Signature() string {
	keys := make([]string, 0, len(tc.Arguments))
	for k := range tc.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tc.Name)
	b.WriteString(":")
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(tc.Arguments[k])
		b.Write(kb)
		b.WriteString(":")
		b.Write(vb)
	}
	b.WriteString("}")
	return b.String()
}

// ToolDefinition declares one tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionResult is the non-streaming response form.
type CompletionResult struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// EmbeddingResult carries batch embedding output.
type EmbeddingResult struct {
	Embeddings [][]float32
	Model      string
	Usage      *Usage
}

// Provider families.
const (
	ProviderTypeDefault    = "github_models"
	ProviderTypeCopilot    = "copilot"
	ProviderTypeCompatible = "openai_compatible"
)

// ProviderInfo is the resolved metadata of one driver instance.
type ProviderInfo struct {
	ProviderType string
	Slug         string
	BaseURL      string
	APIKey       string
	Name         string
}

const copilotPrefix = "copilot:"

// IsReasoningModel reports whether the model belongs to the o-series
// reasoning family, which rejects system messages and tool schemas.
func IsReasoningModel(model string) bool {
	name := strings.ToLower(model)
	name = strings.TrimPrefix(name, copilotPrefix)
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if name == prefix || strings.HasPrefix(name, prefix+"-") {
			return true
		}
	}
	return false
}
