package agent

import (
	"context"
	"log/slog"

	"github.com/atelier-ai/studio/pkg/capabilities"
)

// Agent strategies. Planning and orchestrated modes currently fall
// back to ReAct.
const (
	StrategyReAct        = "react"
	StrategyPlanning     = "planning"
	StrategyOrchestrated = "orchestrated"
)

// New creates the agent for a strategy. Unknown strategies fall back
// to ReAct.
func New(strategy string, llm Streamer, caps *capabilities.Cache) Agent {
	switch strategy {
	case StrategyReAct, StrategyPlanning, StrategyOrchestrated:
	default:
		slog.Warn("未知 Agent 策略, 回退到 ReAct", "strategy", strategy)
	}
	return NewReAct(llm, caps)
}

// Run creates an agent for the strategy and executes it. Drop-in
// convenience wrapper around New.
func Run(ctx context.Context, strategy string, llm Streamer, caps *capabilities.Cache, input *Input) <-chan Event {
	return New(strategy, llm, caps).Run(ctx, input)
}
