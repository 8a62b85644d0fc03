package mcp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/atelier-ai/studio/pkg/store"
)

const (
	auditPreviewLimit     = 500
	defaultCallsPerMinute = 60
	rateWindow            = time.Minute
)

// Auditor persists one row per MCP tool call. Audit failures never
// block the call itself.
type Auditor struct {
	db *store.DB
}

func NewAuditor(db *store.DB) *Auditor {
	return &Auditor{db: db}
}

// Log records one call with bounded previews of result and error.
func (a *Auditor) Log(serverSlug, toolName string, arguments map[string]any, resultText string, duration time.Duration, success bool, projectID, errorMessage string) {
	if a == nil || a.db == nil {
		return
	}

	argsJSON, _ := json.Marshal(arguments)
	_, err := a.db.Exec(
		`INSERT INTO mcp_audit_log (server_slug, tool_name, arguments, result_preview, duration_ms, success, project_id, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		serverSlug, toolName, string(argsJSON),
		truncatePreview(resultText), duration.Milliseconds(), success,
		projectID, truncatePreview(errorMessage), float64(time.Now().UnixMilli())/1000,
	)
	if err != nil {
		slog.Warn("MCP audit log write failed", "server", serverSlug, "error", err)
	}
}

func truncatePreview(text string) string {
	if len(text) > auditPreviewLimit {
		return text[:auditPreviewLimit]
	}
	return text
}

// RateLimiter is a sliding-window limiter keyed per server and
// project.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	maxCall int
}

func NewRateLimiter(maxCallsPerMinute int) *RateLimiter {
	if maxCallsPerMinute <= 0 {
		maxCallsPerMinute = defaultCallsPerMinute
	}
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		maxCall: maxCallsPerMinute,
	}
}

func rateKey(serverSlug, projectID string) string {
	if projectID == "" {
		projectID = "global"
	}
	return "mcp:" + serverSlug + ":" + projectID
}

// Allow checks the window and records the call when under the limit.
func (l *RateLimiter) Allow(serverSlug, projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rateKey(serverSlug, projectID)
	now := time.Now()
	cutoff := now.Add(-rateWindow)

	window := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}

	if len(window) >= l.maxCall {
		l.windows[key] = window
		return false
	}
	l.windows[key] = append(window, now)
	return true
}

// Usage returns the call count of the current window.
func (l *RateLimiter) Usage(serverSlug, projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-rateWindow)
	count := 0
	for _, t := range l.windows[rateKey(serverSlug, projectID)] {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
