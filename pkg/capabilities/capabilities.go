// Package capabilities tracks per-model context windows and feature
// flags, and tightens them when providers reject oversized requests.
package capabilities

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Capability describes what a model can handle.
type Capability struct {
	MaxInput       int
	MaxOutput      int
	SupportsTools  bool
	SupportsVision bool
	Learned        bool
}

// Known windows, matched by exact name then longest prefix. Values are
// conservative published limits.
var knownModels = map[string]Capability{
	"gpt-4o":        {MaxInput: 128000, MaxOutput: 16384, SupportsTools: true, SupportsVision: true},
	"gpt-4o-mini":   {MaxInput: 128000, MaxOutput: 16384, SupportsTools: true, SupportsVision: true},
	"gpt-4.1":       {MaxInput: 1047576, MaxOutput: 32768, SupportsTools: true, SupportsVision: true},
	"gpt-4.1-mini":  {MaxInput: 1047576, MaxOutput: 32768, SupportsTools: true, SupportsVision: true},
	"gpt-4":         {MaxInput: 8192, MaxOutput: 4096, SupportsTools: true},
	"gpt-3.5-turbo": {MaxInput: 16385, MaxOutput: 4096, SupportsTools: true},
	"o1":            {MaxInput: 200000, MaxOutput: 100000},
	"o1-mini":       {MaxInput: 128000, MaxOutput: 65536},
	"o3":            {MaxInput: 200000, MaxOutput: 100000},
	"o3-mini":       {MaxInput: 200000, MaxOutput: 100000},
	"o4-mini":       {MaxInput: 200000, MaxOutput: 100000},
	"deepseek-chat": {MaxInput: 65536, MaxOutput: 8192, SupportsTools: true},
	"claude":        {MaxInput: 200000, MaxOutput: 8192, SupportsTools: true, SupportsVision: true},
}

var defaultCapability = Capability{MaxInput: 128000, MaxOutput: 4096, SupportsTools: true}

// Patterns providers use to report their real limit in overflow errors.
var maxContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)maximum context length[^\d]*(\d{3,})`),
	regexp.MustCompile(`(?i)max size:\s*(\d+)\s*tokens`),
	regexp.MustCompile(`(?i)context window of\s*(\d+)`),
	regexp.MustCompile(`(?i)(\d{4,})\s*tokens.*context`),
}

// Cache resolves model capabilities, overlaying limits learned from
// provider errors onto the static table.
type Cache struct {
	mu       sync.RWMutex
	overlays map[string]Capability
}

func NewCache() *Cache {
	return &Cache{overlays: make(map[string]Capability)}
}

// normalize strips the provider prefix (copilot:gpt-4o -> gpt-4o) and
// lowercases.
func normalize(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if idx := strings.Index(model, ":"); idx >= 0 {
		model = model[idx+1:]
	}
	return model
}

// Lookup resolves the capability for a model: learned overlay first,
// then exact match, then longest known prefix, then the default.
func (c *Cache) Lookup(model string) Capability {
	name := normalize(model)

	c.mu.RLock()
	overlay, learned := c.overlays[name]
	c.mu.RUnlock()
	if learned {
		return overlay
	}

	if cap, ok := knownModels[name]; ok {
		return cap
	}

	best := ""
	for known := range knownModels {
		if strings.HasPrefix(name, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return knownModels[best]
	}

	return defaultCapability
}

// ContextWindow returns (maxInput, maxOutput) for the window manager.
func (c *Cache) ContextWindow(model string) (int, int) {
	cap := c.Lookup(model)
	return cap.MaxInput, cap.MaxOutput
}

// LearnFromError inspects a provider error message for a context-length
// hint and, if the reported limit is tighter than what we believed,
// stores a lowered MaxInput for the model. Returns true when something
// was learned.
func (c *Cache) LearnFromError(model, errMsg string) bool {
	if errMsg == "" {
		return false
	}

	limit := 0
	for _, pattern := range maxContextPatterns {
		if m := pattern.FindStringSubmatch(errMsg); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				limit = n
				break
			}
		}
	}
	if limit == 0 {
		return false
	}

	name := normalize(model)
	current := c.Lookup(model)
	if limit >= current.MaxInput {
		return false
	}

	learned := current
	learned.MaxInput = limit
	learned.Learned = true

	c.mu.Lock()
	c.overlays[name] = learned
	c.mu.Unlock()

	return true
}

// Reset drops all learned overlays. Used by tests and config reloads.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.overlays = make(map[string]Capability)
	c.mu.Unlock()
}

var (
	globalCache *Cache
	globalOnce  sync.Once
)

// Global returns the process-wide capability cache.
func Global() *Cache {
	globalOnce.Do(func() {
		globalCache = NewCache()
	})
	return globalCache
}
