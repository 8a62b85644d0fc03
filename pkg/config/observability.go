package config

// ObservabilityConfig tunes tracing, metrics and token budgets.
type ObservabilityConfig struct {
	// TracesEnabled turns on the domain tracer and its batch writer.
	TracesEnabled *bool `yaml:"traces_enabled,omitempty"`

	// OTLPEndpoint, when set, exports OpenTelemetry spans over gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// MetricsEnabled turns on the Prometheus registry.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`

	// Budgets per scope, in tokens per window.
	Budgets []BudgetConfig `yaml:"budgets,omitempty"`

	// SessionBudgetTokens is the implicit per-session budget.
	SessionBudgetTokens int `yaml:"session_budget_tokens,omitempty"`
}

// BudgetConfig limits token usage for one scope.
type BudgetConfig struct {
	// Scope: "global", "project:<id>" or "session:<id>".
	Scope string `yaml:"scope"`

	// MaxTokens within the window.
	MaxTokens int `yaml:"max_tokens"`

	// PeriodSeconds makes the budget a rolling window; 0 means lifetime.
	PeriodSeconds int `yaml:"period_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *ObservabilityConfig) SetDefaults() {
	if c.TracesEnabled == nil {
		enabled := true
		c.TracesEnabled = &enabled
	}
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
	if c.SessionBudgetTokens == 0 {
		c.SessionBudgetTokens = 200000
	}
}
