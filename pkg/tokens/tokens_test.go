package tokens

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCounter_KnownModel(t *testing.T) {
	counter, err := NewCounter("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", counter.Model())

	count := counter.Count("Hello, world!")
	assert.Greater(t, count, 0)
	assert.Less(t, count, 10)
}

func TestNewCounter_UnknownModelFallsBack(t *testing.T) {
	counter, err := NewCounter("some-future-model")
	require.NoError(t, err)

	// cl100k_base fallback still counts
	assert.Greater(t, counter.Count("fallback encoding test"), 0)
}

func TestCountMessages_IncludesOverhead(t *testing.T) {
	counter, err := NewCounter("gpt-4o")
	require.NoError(t, err)

	messages := []Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Hi"},
	}

	total := counter.CountMessages(messages)
	contentOnly := counter.Count("You are helpful.") + counter.Count("Hi")
	assert.Greater(t, total, contentOnly)
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 25, Estimate(strings.Repeat("a", 100)))
}

func TestEstimateMessages(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: strings.Repeat("x", 400)},
	}
	// 3 priming + 3 per message + 1 (role "user") + 100 (content)
	assert.Equal(t, 107, EstimateMessages(messages))
}

func TestTruncate(t *testing.T) {
	short := "short text"
	assert.Equal(t, short, Truncate(short, 100, "..."))

	long := strings.Repeat("a", 1000)
	got := Truncate(long, 10, "...(截断)")
	assert.True(t, strings.HasSuffix(got, "...(截断)"))
	assert.Len(t, got, 40+len("...(截断)"))
}

func TestTruncate_RuneBoundary(t *testing.T) {
	long := strings.Repeat("中", 500)
	got := Truncate(long, 10, "")
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 40)
}

func TestTruncate_ZeroBudget(t *testing.T) {
	assert.Equal(t, "...", Truncate("anything", 0, "..."))
}
