// Package agent implements the reasoning loop that drives tool-calling
// conversations: streaming LLM rounds, tool dispatch, duplicate and
// fabrication suppression, and context-window adaptation.
package agent

import (
	"context"

	"github.com/atelier-ai/studio/pkg/llms"
)

// Event types, aligned with the SSE wire protocol.
const (
	EventContent       = "content"
	EventThinking      = "thinking"
	EventToolCallStart = "tool_call_start"
	EventToolCall      = "tool_call"
	EventToolResult    = "tool_result"
	EventToolError     = "tool_error"
	EventUsage         = "usage"
	EventTruncated     = "truncated"
	EventAskUserPending = "ask_user_pending"
	EventError         = "error"

	EventPlanUpdate  = "plan_update"
	EventReflection  = "reflection"
	EventAgentSwitch = "agent_switch"
)

// Event is one item of the agent's output stream.
type Event struct {
	Type string
	Data map[string]any
}

// ToMap flattens the event for SSE serialization: the type field plus
// the payload keys at the top level.
func (e Event) ToMap() map[string]any {
	result := make(map[string]any, len(e.Data)+1)
	result["type"] = e.Type
	for k, v := range e.Data {
		result[k] = v
	}
	return result
}

// ToolExecutor runs one tool call and returns its user-facing text.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (string, error)

// Input is one agent run.
type Input struct {
	Messages     []llms.Message
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	Tools        []llms.ToolDefinition
	Executor     ToolExecutor
	RequestID    string

	MaxToolRounds      int
	EnableReflection   bool
	ReflectionInterval int
	EnablePlanning     bool

	Metadata map[string]any
}

// SetDefaults applies default values.
func (in *Input) SetDefaults() {
	if in.Model == "" {
		in.Model = "gpt-4o"
	}
	if in.Temperature == 0 {
		in.Temperature = 0.7
	}
	if in.MaxTokens == 0 {
		in.MaxTokens = 8192
	}
	if in.MaxToolRounds == 0 {
		in.MaxToolRounds = 15
	}
	if in.ReflectionInterval == 0 {
		in.ReflectionInterval = 5
	}
}

// PlanStep is one step of an execution plan.
type PlanStep struct {
	StepID      int     `json:"step_id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Result      *string `json:"result"`
}

// Plan is an optional upfront task decomposition.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// Reflection actions.
const (
	ReflectContinue = "continue"
	ReflectAdjust   = "adjust"
	ReflectAbort    = "abort"
)

// ReflectionResult is a periodic self-assessment of the run.
type ReflectionResult struct {
	Summary     string
	Action      string
	Adjustments string
}

// ReflectContext carries run statistics into a reflection.
type ReflectContext struct {
	RoundsCompleted int
	ToolCallsCount  int
	SeenDuplicates  int
}

// Reflector reviews the run every few tool rounds and may abort it.
type Reflector interface {
	Reflect(ctx context.Context, input *Input, rc ReflectContext) (*ReflectionResult, error)
}

// Planner decomposes a task before the act loop starts.
type Planner interface {
	Plan(ctx context.Context, input *Input) (*Plan, error)
}

// Streamer is the LLM client surface the agent consumes.
type Streamer interface {
	Stream(ctx context.Context, opts llms.StreamOptions) <-chan llms.ProviderEvent
}

// Agent runs one conversation turn and streams events until done.
type Agent interface {
	Run(ctx context.Context, input *Input) <-chan Event
}
