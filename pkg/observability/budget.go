package observability

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSessionBudget is the implicit per-session token limit applied
// when no explicit budget has been configured for the session scope.
const DefaultSessionBudget = 200000

type budgetLimit struct {
	maxTokens     int
	periodSeconds int
}

type usagePoint struct {
	ts     time.Time
	tokens int
}

// BudgetManager enforces token budgets across three scopes: global,
// per-project and per-session. Rolling windows apply when a period is
// configured; otherwise usage accumulates for the process lifetime.
type BudgetManager struct {
	mu     sync.Mutex
	limits map[string]budgetLimit
	usage  map[string][]usagePoint

	sessionDefault int
}

func NewBudgetManager(sessionDefault int) *BudgetManager {
	if sessionDefault <= 0 {
		sessionDefault = DefaultSessionBudget
	}
	return &BudgetManager{
		limits:         make(map[string]budgetLimit),
		usage:          make(map[string][]usagePoint),
		sessionDefault: sessionDefault,
	}
}

// SetLimit configures a budget for a scope ("global", "project:<id>",
// "session:<id>"). periodSeconds 0 means lifetime.
func (b *BudgetManager) SetLimit(scope string, maxTokens, periodSeconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits[scope] = budgetLimit{maxTokens: maxTokens, periodSeconds: periodSeconds}
}

// RecordUsage adds token usage to all scopes relevant to the call.
func (b *BudgetManager) RecordUsage(sessionID, projectID string, tokens int) {
	if tokens <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, scope := range scopesFor(sessionID, projectID) {
		b.usage[scope] = append(b.usage[scope], usagePoint{ts: now, tokens: tokens})
	}
}

func scopesFor(sessionID, projectID string) []string {
	scopes := []string{"global"}
	if projectID != "" {
		scopes = append(scopes, "project:"+projectID)
	}
	if sessionID != "" {
		scopes = append(scopes, "session:"+sessionID)
	}
	return scopes
}

// BudgetCheck is the result of a pre-round budget check.
type BudgetCheck struct {
	Allowed  bool             `json:"allowed"`
	Warnings []string         `json:"warnings"`
	Details  map[string][]int `json:"details"` // scope -> [used, max]
}

// Check evaluates all scopes for the call. At >=80% of a scope a
// warning is added; at 100% the call is disallowed.
func (b *BudgetManager) Check(sessionID, projectID string) BudgetCheck {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := BudgetCheck{Allowed: true, Details: make(map[string][]int)}

	for _, scope := range scopesFor(sessionID, projectID) {
		limit, ok := b.limits[scope]
		if !ok {
			if len(scope) > 8 && scope[:8] == "session:" {
				limit = budgetLimit{maxTokens: b.sessionDefault}
			} else {
				continue
			}
		}
		if limit.maxTokens <= 0 {
			continue
		}

		used := b.usedLocked(scope, limit)
		result.Details[scope] = []int{used, limit.maxTokens}

		if used >= limit.maxTokens {
			result.Allowed = false
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget exceeded for %s: %d/%d tokens", scope, used, limit.maxTokens))
		} else if float64(used) >= 0.8*float64(limit.maxTokens) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget at %.0f%% for %s: %d/%d tokens",
					100*float64(used)/float64(limit.maxTokens), scope, used, limit.maxTokens))
		}
	}

	return result
}

func (b *BudgetManager) usedLocked(scope string, limit budgetLimit) int {
	points := b.usage[scope]

	if limit.periodSeconds > 0 {
		cutoff := time.Now().Add(-time.Duration(limit.periodSeconds) * time.Second)

		// Prune expired points while we are here
		kept := points[:0]
		total := 0
		for _, p := range points {
			if p.ts.After(cutoff) {
				kept = append(kept, p)
				total += p.tokens
			}
		}
		b.usage[scope] = kept
		return total
	}

	total := 0
	for _, p := range points {
		total += p.tokens
	}
	return total
}
