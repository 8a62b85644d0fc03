package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/config"
)

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		model    string
		expected bool
	}{
		{"o1", true},
		{"o3-mini", true},
		{"o4-mini-2025", true},
		{"copilot:o1", true},
		{"gpt-4o", false},
		{"o1x", false},
		{"deepseek-chat", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsReasoningModel(tt.model), tt.model)
	}
}

func TestToolCallSignature_OrderIndependent(t *testing.T) {
	a := ToolCall{Name: "read_file", Arguments: map[string]any{"path": "a.py", "start_line": 1}}
	b := ToolCall{Name: "read_file", Arguments: map[string]any{"start_line": 1, "path": "a.py"}}
	assert.Equal(t, a.Signature(), b.Signature())

	c := ToolCall{Name: "read_file", Arguments: map[string]any{"path": "b.py"}}
	assert.NotEqual(t, a.Signature(), c.Signature())
}

func TestParseErrorMeta(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   string
	}{
		{"429", 429, "slow down", ErrKindRateLimit},
		{"rate limit body", 400, "Rate limit of 15 per 60s exceeded", ErrKindRateLimit},
		{"overflow", 413, "maximum context length is 8192 tokens", ErrKindContextOverflow},
		{"auth 401", 401, "bad credentials", ErrKindAuth},
		{"auth 403", 403, "forbidden", ErrKindAuth},
		{"unknown", 500, "boom", ErrKindUnknown},
	}
	for _, tt := range tests {
		meta := ParseErrorMeta(tt.status, tt.body, "gpt-4o", "github_models")
		assert.Equal(t, tt.kind, meta.Kind, tt.name)
		assert.Equal(t, tt.status, meta.StatusCode, tt.name)
		assert.Equal(t, "gpt-4o", meta.Model, tt.name)
	}
}

func TestParseErrorMeta_RateLimitDetails(t *testing.T) {
	meta := ParseErrorMeta(429, "Rate limit of 15 per 60s exceeded. Please wait 42 seconds.", "gpt-4o", "")
	assert.Equal(t, 15, meta.RateLimitCount)
	assert.Equal(t, 60, meta.RateLimitSeconds)
	assert.Equal(t, 42, meta.WaitSeconds)

	meta = ParseErrorMeta(429, "quota: 100 per 1 minute", "gpt-4o", "")
	assert.Equal(t, 100, meta.RateLimitCount)
	assert.Equal(t, 60, meta.RateLimitSeconds)
}

func TestParseErrorMeta_ContextOverflowDetails(t *testing.T) {
	meta := ParseErrorMeta(400,
		"This model's maximum context length is 128000 tokens. However, you requested 150000 tokens",
		"gpt-4o", "")
	assert.Equal(t, ErrKindContextOverflow, meta.Kind)
	assert.Equal(t, 128000, meta.MaxContextTokens)
	assert.Equal(t, 150000, meta.RequestedTokens)
}

func TestParseErrorMeta_RateLimitWinsTieBreak(t *testing.T) {
	// Body mentions both rate limit and context length
	meta := ParseErrorMeta(429, "rate limit: context length too large", "m", "")
	assert.Equal(t, ErrKindRateLimit, meta.Kind)
}

func TestParseSSEChunk_EventOrder(t *testing.T) {
	idx := 0
	chunk := &streamChunk{
		Choices: []streamChoice{{
			Delta: streamDelta{
				Content:          "hi",
				ReasoningContent: "think",
				ToolCalls: []apiToolCall{
					{Index: &idx, ID: "call_1", Function: apiFunction{Name: "read_file", Arguments: `{"pa`}},
				},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &apiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	events := parseSSEChunk(chunk)
	require.Len(t, events, 5)
	assert.Equal(t, EventFinish, events[0].Type)
	assert.Equal(t, "tool_calls", events[0].FinishReason)
	assert.Equal(t, EventThinkingDelta, events[1].Type)
	assert.Equal(t, EventContentDelta, events[2].Type)
	assert.Equal(t, EventToolCallDelta, events[3].Type)
	assert.Equal(t, 0, events[3].ToolCallIndex)
	assert.Equal(t, "call_1", events[3].ToolCallID)
	assert.Equal(t, `{"pa`, events[3].ArgumentsDelta)
	assert.Equal(t, EventUsage, events[4].Type)
	assert.Equal(t, 15, events[4].Usage.TotalTokens)
}

func TestParseCompletionResponse_BadToolArgsPreservedAsRaw(t *testing.T) {
	content := "ok"
	resp := &completionResponse{
		Choices: []completionChoice{{
			Message: completionMessage{
				Content: &content,
				ToolCalls: []apiToolCall{
					{ID: "c1", Function: apiFunction{Name: "run_command", Arguments: "not json"}},
				},
			},
			FinishReason: "tool_calls",
		}},
	}

	result := parseCompletionResponse(resp)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, map[string]any{"_raw": "not json"}, result.ToolCalls[0].Arguments)
}

func TestBuildAPIMessages(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a"}}}},
		{Role: "tool", ToolCallID: "c1", Content: "body"},
	}

	api := BuildAPIMessages(messages, "sys", false)
	require.Len(t, api, 4)
	assert.Equal(t, "system", api[0].Role)
	assert.Equal(t, "sys", api[0].Content)
	assert.Nil(t, api[2].Content) // assistant with tool_calls carries null content
	require.Len(t, api[2].ToolCalls, 1)
	assert.Equal(t, "c1", api[3].ToolCallID)
}

func TestBuildAPIMessages_ReasoningSystemPrompt(t *testing.T) {
	api := BuildAPIMessages(nil, "rules", true)
	require.Len(t, api, 1)
	assert.Equal(t, "user", api[0].Role)
	assert.Equal(t, "[System Instructions]\nrules", api[0].Content)
}

func TestBuildAPIMessages_Images(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "look", Images: []Image{{MimeType: "image/png", Base64: "AAAA"}}},
	}
	api := BuildAPIMessages(messages, "", false)
	parts, ok := api[0].Content.([]apiContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/png;base64,AAAA", parts[1].ImageURL.URL)
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.LLM.BaseURL = baseURL
	cfg.LLM.APIKey = "test-key"
	cfg.Providers = []config.ProviderRecord{
		{Slug: "deepseek", Name: "DeepSeek", BaseURL: baseURL, APIKey: "dk", Enabled: true},
		{Slug: "disabled", BaseURL: baseURL, Enabled: false},
	}
	return cfg
}

func TestResolveProvider_Routing(t *testing.T) {
	client := NewClient(testConfig("http://example"), nil)

	driver, actual := client.ResolveProvider("gpt-4o")
	assert.Equal(t, ProviderTypeDefault, driver.Info().ProviderType)
	assert.Equal(t, "gpt-4o", actual)

	driver, actual = client.ResolveProvider("copilot:gpt-4o")
	assert.Equal(t, ProviderTypeCopilot, driver.Info().ProviderType)
	assert.Equal(t, "gpt-4o", actual)

	driver, actual = client.ResolveProvider("deepseek:deepseek-chat")
	assert.Equal(t, ProviderTypeCompatible, driver.Info().ProviderType)
	assert.Equal(t, "deepseek-chat", actual)

	// disabled slug falls through to the default family
	driver, actual = client.ResolveProvider("disabled:some-model")
	assert.Equal(t, ProviderTypeDefault, driver.Info().ProviderType)
	assert.Equal(t, "disabled:some-model", actual)
}

func TestStream_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"你"}}]}`,
			`{"choices":[{"delta":{"content":"好"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)

	var content string
	var usage *Usage
	var finish string
	for event := range client.Stream(context.Background(), StreamOptions{
		Messages: []Message{{Role: "user", Content: "你好"}},
		Model:    "gpt-4o",
	}) {
		switch event.Type {
		case EventContentDelta:
			content += event.Text
		case EventUsage:
			usage = event.Usage
		case EventFinish:
			finish = event.FinishReason
		case EventError:
			t.Fatalf("unexpected error event: %s", event.Error)
		}
	}

	assert.Equal(t, "你好", content)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestStream_APIErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, "Rate limit of 15 per 60s exceeded. Please wait 30 seconds.")
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)

	var errorEvent *ProviderEvent
	for event := range client.Stream(context.Background(), StreamOptions{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	}) {
		if event.Type == EventError {
			e := event
			errorEvent = &e
		}
	}

	require.NotNil(t, errorEvent)
	assert.Contains(t, errorEvent.Error, "服务错误 (400)")
	require.NotNil(t, errorEvent.Meta)
	assert.Equal(t, ErrKindRateLimit, errorEvent.Meta.Kind)
	assert.Equal(t, 30, errorEvent.Meta.WaitSeconds)
}

func TestStream_AuthPrecondition(t *testing.T) {
	cfg := testConfig("http://example")
	cfg.LLM.APIKey = ""
	client := NewClient(cfg, nil)

	events := make([]ProviderEvent, 0, 1)
	for event := range client.Stream(context.Background(), StreamOptions{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	}) {
		events = append(events, event)
	}

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Error, "未配置 GitHub Models 全局 Token")
}

func TestStream_ReasoningFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Empty(t, req.Tools)
		// system prompt converted to prefixed user message
		assert.Equal(t, "user", req.Messages[0].Role)

		resp := map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "answer", "reasoning_content": "chain"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)

	var types []string
	for event := range client.Stream(context.Background(), StreamOptions{
		Messages:     []Message{{Role: "user", Content: "solve"}},
		Model:        "o3-mini",
		SystemPrompt: "rules",
		Tools:        []ToolDefinition{{Name: "read_file"}},
	}) {
		types = append(types, event.Type)
	}

	assert.Equal(t, []string{EventThinkingDelta, EventContentDelta, EventUsage}, types)
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		resp := map[string]any{
			"data":  []map[string]any{{"embedding": []float32{0.1, 0.2}}},
			"usage": map[string]any{"prompt_tokens": 2, "total_tokens": 2},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), nil)
	result, err := client.Embed(context.Background(), []string{"hello"}, "text-embedding-3-small", "")
	require.NoError(t, err)
	require.Len(t, result.Embeddings, 1)
	assert.Equal(t, []float32{0.1, 0.2}, result.Embeddings[0])
}
