// Package tokens provides token estimation and length-preserving
// truncation for prompt budgeting.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter provides accurate token counting for a specific model via
// tiktoken, falling back to cl100k_base for unknown models.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

// Message is the minimal shape needed for message-list counting.
type Message struct {
	Role    string
	Content string
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for a specific model.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base (GPT-4 family)
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// role overhead and the assistant reply priming.
func (c *Counter) CountMessages(messages []Message) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tokensPerMessage := 3 // <|start|>role|message<|end|>

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(msg.Role, nil, nil))
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}

	// Every reply is primed with <|start|>assistant<|message|>
	total += 3

	return total
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate gives a fast heuristic count (~4 chars per token) for paths
// where initializing an encoder is not worth it.
func Estimate(text string) int {
	return len(text) / 4
}

// EstimateMessages applies the heuristic over a message list with the
// same per-message overhead as CountMessages.
func EstimateMessages(messages []Message) int {
	total := 3
	for _, msg := range messages {
		total += 3
		total += Estimate(msg.Role)
		total += Estimate(msg.Content)
	}
	return total
}

// Truncate cuts text to approximately maxTokens, appending marker when a
// cut happened. Cuts land on rune boundaries.
func Truncate(text string, maxTokens int, marker string) string {
	if maxTokens <= 0 {
		return marker
	}
	maxChars := maxTokens * 4
	if len(text) <= maxChars {
		return text
	}

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + marker
}
