package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup_ExactAndPrefix(t *testing.T) {
	cache := NewCache()

	tests := []struct {
		model    string
		maxInput int
	}{
		{"gpt-4o", 128000},
		{"copilot:gpt-4o", 128000},
		{"myslug:deepseek-chat", 65536},
		{"o3-mini", 200000},
		{"o3-mini-2025-01-31", 200000},
		{"totally-unknown-model", 128000},
	}

	for _, tt := range tests {
		maxIn, _ := cache.ContextWindow(tt.model)
		assert.Equal(t, tt.maxInput, maxIn, tt.model)
	}
}

func TestLearnFromError_LowersMaxInput(t *testing.T) {
	cache := NewCache()

	msg := "This model's maximum context length is 32768 tokens, however you requested 140000 tokens"
	assert.True(t, cache.LearnFromError("gpt-4o", msg))

	maxIn, maxOut := cache.ContextWindow("gpt-4o")
	assert.Equal(t, 32768, maxIn)
	assert.Equal(t, 16384, maxOut)
	assert.True(t, cache.Lookup("gpt-4o").Learned)
}

func TestLearnFromError_IgnoresLooserLimits(t *testing.T) {
	cache := NewCache()

	msg := "maximum context length is 999999 tokens"
	assert.False(t, cache.LearnFromError("gpt-4", msg))
	maxIn, _ := cache.ContextWindow("gpt-4")
	assert.Equal(t, 8192, maxIn)
}

func TestLearnFromError_MaxSizePattern(t *testing.T) {
	cache := NewCache()

	assert.True(t, cache.LearnFromError("deepseek-chat", "prompt too large. Max size: 16000 tokens"))
	maxIn, _ := cache.ContextWindow("deepseek-chat")
	assert.Equal(t, 16000, maxIn)
}

func TestLearnFromError_NoHint(t *testing.T) {
	cache := NewCache()
	assert.False(t, cache.LearnFromError("gpt-4o", "internal server error"))
	assert.False(t, cache.LearnFromError("gpt-4o", ""))
}

func TestLearnIsPerModelAndResettable(t *testing.T) {
	cache := NewCache()
	cache.LearnFromError("gpt-4o", "maximum context length is 8000 tokens")

	maxIn, _ := cache.ContextWindow("gpt-4o-mini")
	assert.Equal(t, 128000, maxIn)

	cache.Reset()
	maxIn, _ = cache.ContextWindow("gpt-4o")
	assert.Equal(t, 128000, maxIn)
}
