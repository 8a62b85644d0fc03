package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/studio/pkg/config"
)

const driverCacheTTL = 60 * time.Second

// NewRequestID generates the id that groups the tool-call rounds of one
// user message for billing aggregation.
func NewRequestID() string {
	return uuid.New().String()
}

// StreamOptions parameterize one LLM call. The client owns provider
// routing and message normalization; it contains no tool loop.
type StreamOptions struct {
	Messages     []Message
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Tools        []ToolDefinition
	ToolChoice   string
	RequestID    string
}

// Client routes model ids to provider drivers and normalizes messages.
type Client struct {
	mu      sync.Mutex
	cfg     *config.Config
	tokens  TokenSource
	drivers map[string]Driver
	cacheTS time.Time
}

// NewClient creates the LLM client. tokens may be nil; the default
// Copilot token source is then built from configuration.
func NewClient(cfg *config.Config, tokens TokenSource) *Client {
	if tokens == nil {
		tokens = NewTokenSource(cfg.Copilot)
	}
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		drivers: make(map[string]Driver),
	}
}

// ResolveProvider maps a model id to (driver, actual model name):
// "copilot:<m>" selects the Copilot family, "<slug>:<m>" an enabled
// third-party record, anything else the default family.
func (c *Client) ResolveProvider(modelID string) (Driver, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	stale := now.Sub(c.cacheTS) > driverCacheTTL

	if strings.HasPrefix(modelID, copilotPrefix) {
		actual := modelID[len(copilotPrefix):]
		if _, ok := c.drivers["copilot"]; !ok || stale {
			c.drivers["copilot"] = newCopilotDriver(c.cfg.Copilot, c.tokens)
			c.cacheTS = now
		}
		return c.drivers["copilot"], actual
	}

	if idx := strings.Index(modelID, ":"); idx > 0 {
		slug, actual := modelID[:idx], modelID[idx+1:]
		if driver, ok := c.drivers[slug]; ok && !stale {
			return driver, actual
		}
		for _, record := range c.cfg.Providers {
			if record.Slug == slug && record.Enabled {
				driver := newCompatDriver(record)
				c.drivers[slug] = driver
				c.cacheTS = now
				return driver, actual
			}
		}
		slog.Warn("Provider not found or disabled, falling back to default", "slug", slug)
	}

	if _, ok := c.drivers["default"]; !ok || stale {
		c.drivers["default"] = newDefaultDriver(c.cfg.LLM)
		c.cacheTS = now
	}
	return c.drivers["default"], modelID
}

// InvalidateCache drops all cached drivers so configuration changes
// propagate without restart.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.drivers {
		_ = d.Close()
	}
	c.drivers = make(map[string]Driver)
	c.cacheTS = time.Time{}
}

// BuildAPIMessages converts internal messages to wire form. For
// reasoning models the system prompt becomes a prefixed user message
// since those models reject the system role.
func BuildAPIMessages(messages []Message, systemPrompt string, isReasoning bool) []apiMessage {
	out := make([]apiMessage, 0, len(messages)+1)

	if systemPrompt != "" {
		if isReasoning {
			out = append(out, apiMessage{
				Role:    "user",
				Content: "[System Instructions]\n" + systemPrompt,
			})
		} else {
			out = append(out, apiMessage{Role: "system", Content: systemPrompt})
		}
	}

	for _, msg := range messages {
		switch {
		case msg.Role == "tool":
			out = append(out, apiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			entry := apiMessage{Role: "assistant"}
			if msg.Content != "" {
				entry.Content = msg.Content
			}
			entry.ToolCalls = make([]apiToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				entry.ToolCalls[i] = apiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: apiFunction{Name: tc.Name, Arguments: string(argsJSON)},
				}
			}
			out = append(out, entry)

		case msg.Role == "user" && len(msg.Images) > 0:
			var parts []apiContentPart
			if msg.Content != "" {
				parts = append(parts, apiContentPart{Type: "text", Text: msg.Content})
			}
			for _, img := range msg.Images {
				parts = append(parts, apiContentPart{
					Type: "image_url",
					ImageURL: &apiImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
					},
				})
			}
			out = append(out, apiMessage{Role: msg.Role, Content: parts})

		default:
			out = append(out, apiMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	return out
}

// Stream issues one LLM call and emits provider events. No tool loop;
// the agent layer owns rounds.
func (c *Client) Stream(ctx context.Context, opts StreamOptions) <-chan ProviderEvent {
	c.applyDefaults(&opts)

	driver, actualModel := c.ResolveProvider(opts.Model)
	isReasoning := IsReasoningModel(actualModel)

	if err := driver.CheckAuth(); err != nil {
		ch := make(chan ProviderEvent, 1)
		ch <- authErrorEvent(err)
		close(ch)
		return ch
	}

	if isReasoning {
		if len(opts.Tools) > 0 {
			slog.Info("Reasoning model does not support tools, skipping tool injection", "model", actualModel)
			opts.Tools = nil
		}
		return c.streamReasoning(ctx, driver, opts, actualModel)
	}

	req := &Request{
		Model:       actualModel,
		Messages:    BuildAPIMessages(opts.Messages, opts.SystemPrompt, false),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       opts.Tools,
		ToolChoice:  opts.ToolChoice,
		RequestID:   opts.RequestID,
	}

	ch, err := driver.Stream(ctx, req)
	if err != nil {
		out := make(chan ProviderEvent, 1)
		out <- ProviderEvent{Type: EventError, Error: err.Error()}
		close(out)
		return out
	}
	return ch
}

// streamReasoning calls complete() and replays the result as a
// synthetic event sequence (thinking?, content?, usage).
func (c *Client) streamReasoning(ctx context.Context, driver Driver, opts StreamOptions, actualModel string) <-chan ProviderEvent {
	out := make(chan ProviderEvent, 4)

	go func() {
		defer close(out)

		req := &Request{
			Model:       actualModel,
			Messages:    BuildAPIMessages(opts.Messages, opts.SystemPrompt, true),
			Temperature: 1.0,
			MaxTokens:   opts.MaxTokens,
			RequestID:   opts.RequestID,
		}

		result, err := driver.Complete(ctx, req)
		if err != nil {
			out <- authErrorEvent(err)
			return
		}

		if result.Thinking != "" {
			out <- ProviderEvent{Type: EventThinkingDelta, Text: result.Thinking}
		}
		if result.Content != "" {
			out <- ProviderEvent{Type: EventContentDelta, Text: result.Content}
		}
		if result.Usage != nil {
			out <- ProviderEvent{Type: EventUsage, Usage: result.Usage}
		}
	}()

	return out
}

// Complete issues a non-streaming call and returns the text content.
func (c *Client) Complete(ctx context.Context, opts StreamOptions) string {
	var parts []string
	for event := range c.Stream(ctx, opts) {
		switch event.Type {
		case EventContentDelta:
			parts = append(parts, event.Text)
		case EventError:
			parts = append(parts, event.Error)
		}
	}
	return strings.Join(parts, "")
}

// Embed requests embeddings, routing by provider slug (default family
// when slug is empty or "github").
func (c *Client) Embed(ctx context.Context, texts []string, model, providerSlug string) (*EmbeddingResult, error) {
	modelID := model
	if providerSlug != "" && providerSlug != "github" {
		modelID = providerSlug + ":" + model
	}
	driver, actual := c.ResolveProvider(modelID)
	return driver.Embed(ctx, texts, actual)
}

// Close closes all cached drivers.
func (c *Client) Close() {
	c.InvalidateCache()
}

func (c *Client) applyDefaults(opts *StreamOptions) {
	if opts.Model == "" {
		opts.Model = c.cfg.LLM.Model
	}
	if opts.Temperature == 0 {
		if c.cfg.LLM.Temperature != nil {
			opts.Temperature = *c.cfg.LLM.Temperature
		} else {
			opts.Temperature = 0.7
		}
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 8192
	}
}

func authErrorEvent(err error) ProviderEvent {
	event := ProviderEvent{Type: EventError, Error: err.Error()}
	var perr *ProviderError
	if errors.As(err, &perr) {
		event.Meta = perr.Meta
	}
	return event
}
