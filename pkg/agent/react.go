package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/observability"
	"github.com/atelier-ai/studio/pkg/tokens"
)

const (
	maxFabricationRetries = 2

	// Reserved headroom when fitting tool results into the remaining
	// context window.
	resultBudgetReserve = 200
	resultBudgetFloor   = 500
)

const fabricationRetryPrompt = "⚠️ 你刚才在文本中伪造了命令执行结果，这是严重违规！" +
	"你并没有真正执行任何命令。" +
	"请立即通过 tool_call 调用 run_command 工具来执行命令，" +
	"不要再在文本中编造结果。"

const duplicateCallResult = "⚠️ 你已经读取过这个内容了，请直接使用之前的结果，不要重复读取。"

// ReAct runs the reasoning-acting loop: stream one LLM round, execute
// any tool calls, feed results back, repeat until the model answers in
// plain text.
type ReAct struct {
	llm       Streamer
	caps      *capabilities.Cache
	reflector Reflector
	planner   Planner

	// FabricationCheck gates the fabricated-execution detector.
	FabricationCheck bool
}

// NewReAct builds the agent. A nil capability cache falls back to the
// process-global one.
func NewReAct(llm Streamer, caps *capabilities.Cache) *ReAct {
	if caps == nil {
		caps = capabilities.Global()
	}
	return &ReAct{llm: llm, caps: caps, FabricationCheck: true}
}

// WithReflector enables periodic reflection rounds.
func (a *ReAct) WithReflector(r Reflector) *ReAct {
	a.reflector = r
	return a
}

// WithPlanner enables upfront task planning.
func (a *ReAct) WithPlanner(p Planner) *ReAct {
	a.planner = p
	return a
}

// Run starts the loop and streams events until the turn completes. The
// channel closes when the run is over.
func (a *ReAct) Run(ctx context.Context, input *Input) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		input.SetDefaults()

		tracer := observability.GetTracer("studio.agent")
		ctx, span := tracer.Start(ctx, observability.SpanAgentRun,
			trace.WithAttributes(attribute.String(observability.AttrLLMModel, input.Model)),
		)
		defer span.End()

		start := time.Now()
		usageTokens := a.run(ctx, input, out)
		span.SetStatus(codes.Ok, "done")

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordAgentRun(ctx, time.Since(start), usageTokens, nil)
		}
	}()
	return out
}

// pendingCall accumulates streamed tool-call fragments by index.
type pendingCall struct {
	id   string
	name string
	args string
}

func (a *ReAct) run(ctx context.Context, input *Input, out chan<- Event) int {
	emit := func(eventType string, data map[string]any) bool {
		if data == nil {
			data = map[string]any{}
		}
		select {
		case out <- Event{Type: eventType, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if input.EnablePlanning && a.planner != nil {
		if plan, err := a.planner.Plan(ctx, input); err == nil && plan != nil {
			if !emit(EventPlanUpdate, map[string]any{"plan": plan}) {
				return 0
			}
		}
	}

	model := input.Model
	toolDefs := input.Tools
	if llms.IsReasoningModel(model) && len(toolDefs) > 0 {
		slog.Info("推理模型不支持 tools, 跳过工具注入", "model", model)
		toolDefs = nil
	}

	messages := make([]llms.Message, len(input.Messages))
	copy(messages, input.Messages)

	totalToolRounds := 0
	totalUsageTokens := 0
	seenCalls := make(map[string]struct{})
	allToolCalls := 0
	fabricationRetries := 0

	for {
		pending := make(map[int]*pendingCall)
		started := make(map[int]struct{})
		hasContent := false
		finishReason := ""
		textParts := make([]string, 0, 8)
		var usage *llms.Usage

		toolChoice := "auto"
		if fabricationRetries > 0 {
			toolChoice = "required"
			slog.Info("伪造重试中, 强制 tool_choice=required", "retry", fabricationRetries)
		}

		stream := a.llm.Stream(ctx, llms.StreamOptions{
			Messages:     messages,
			Model:        model,
			SystemPrompt: input.SystemPrompt,
			Temperature:  input.Temperature,
			MaxTokens:    input.MaxTokens,
			Tools:        toolDefs,
			ToolChoice:   toolChoice,
			RequestID:    input.RequestID,
		})

		for event := range stream {
			switch event.Type {
			case llms.EventContentDelta:
				if !emit(EventContent, map[string]any{"content": event.Text}) {
					return totalUsageTokens
				}
				hasContent = true
				textParts = append(textParts, event.Text)

			case llms.EventThinkingDelta:
				if !emit(EventThinking, map[string]any{"content": event.Text}) {
					return totalUsageTokens
				}

			case llms.EventToolCallDelta:
				idx := event.ToolCallIndex
				tc, ok := pending[idx]
				if !ok {
					tc = &pendingCall{}
					pending[idx] = tc
				}
				if event.ToolCallID != "" {
					tc.id = event.ToolCallID
				}
				if event.Name != "" {
					tc.name = event.Name
					// ask_user 提前通知前端
					if event.Name == "ask_user" && tc.id != "" {
						if _, done := started[idx]; !done {
							started[idx] = struct{}{}
							if !emit(EventToolCallStart, map[string]any{
								"tool_call": map[string]any{"id": tc.id, "name": "ask_user"},
							}) {
								return totalUsageTokens
							}
						}
					}
				}
				tc.args += event.ArgumentsDelta

			case llms.EventUsage:
				usage = event.Usage

			case llms.EventFinish:
				finishReason = event.FinishReason

			case llms.EventError:
				if event.Meta != nil {
					a.caps.LearnFromError(model, event.Error)
				}
				data := map[string]any{"error": event.Error}
				if event.Meta != nil {
					data["error_meta"] = event.Meta
				} else {
					data["error_meta"] = map[string]any{}
				}
				emit(EventError, data)
				return totalUsageTokens
			}
		}

		if err := ctx.Err(); err != nil {
			emit(EventError, map[string]any{"error": fmt.Sprintf("❌ AI 服务异常: %v", err)})
			return totalUsageTokens
		}

		if usage != nil {
			totalUsageTokens += usage.TotalTokens
			if !emit(EventUsage, map[string]any{"usage": map[string]any{
				"prompt_tokens":     usage.PromptTokens,
				"completion_tokens": usage.CompletionTokens,
				"total_tokens":      usage.TotalTokens,
				"tool_rounds":       totalToolRounds,
			}}) {
				return totalUsageTokens
			}
		}

		// max_tokens 截断: 不完整的 tool calls 不可执行
		if finishReason == "length" {
			if len(pending) > 0 {
				slog.Info("输出因 max_tokens 截断, 丢弃不完整工具调用", "count", len(pending))
				pending = make(map[int]*pendingCall)
			}
			if hasContent {
				if !emit(EventTruncated, nil) {
					return totalUsageTokens
				}
			}
		}

		if len(pending) > 0 && input.Executor != nil {
			totalToolRounds++
			if totalToolRounds > input.MaxToolRounds {
				emit(EventContent, map[string]any{
					"content": fmt.Sprintf("\n\n⚠️ 工具调用已达上限 (%d轮)，停止继续调用。", input.MaxToolRounds),
				})
				return totalUsageTokens
			}

			indexes := make([]int, 0, len(pending))
			for idx := range pending {
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)

			assistantCalls := make([]llms.ToolCall, 0, len(indexes))
			calls := make([]llms.ToolCall, 0, len(indexes))
			for _, idx := range indexes {
				tc := pending[idx]
				call := llms.ToolCall{ID: tc.id, Name: tc.name, Arguments: parseArguments(tc.args)}
				assistantCalls = append(assistantCalls, call)
				calls = append(calls, call)
			}
			messages = append(messages, llms.Message{Role: "assistant", ToolCalls: assistantCalls})

			toolMessages := make([]llms.Message, 0, len(calls))
			sawAskUser := false

			for _, call := range calls {
				if call.Name == "ask_user" {
					sawAskUser = true
				}

				sig := call.Signature()
				_, isDuplicate := seenCalls[sig]
				seenCalls[sig] = struct{}{}

				if !emit(EventToolCall, map[string]any{
					"tool_call": map[string]any{"id": call.ID, "name": call.Name, "arguments": call.Arguments},
				}) {
					return totalUsageTokens
				}

				if isDuplicate {
					if !emit(EventToolResult, map[string]any{
						"tool_call_id": call.ID, "name": call.Name, "arguments": call.Arguments,
						"result": duplicateCallResult, "duration_ms": int64(0),
					}) {
						return totalUsageTokens
					}
					toolMessages = append(toolMessages, llms.Message{Role: "tool", ToolCallID: call.ID, Content: duplicateCallResult})
					continue
				}

				startTime := time.Now()
				result, err := input.Executor(ctx, call.Name, call.Arguments)
				durationMS := time.Since(startTime).Milliseconds()
				allToolCalls++

				if err != nil {
					errMsg := fmt.Sprintf("工具执行失败: %v", err)
					if !emit(EventToolError, map[string]any{
						"tool_call_id": call.ID, "name": call.Name, "error": errMsg,
					}) {
						return totalUsageTokens
					}
					toolMessages = append(toolMessages, llms.Message{Role: "tool", ToolCallID: call.ID, Content: errMsg})
					continue
				}

				result = a.fitResult(result, messages, model, input.MaxTokens)

				if !emit(EventToolResult, map[string]any{
					"tool_call_id": call.ID, "name": call.Name, "arguments": call.Arguments,
					"result": result, "duration_ms": durationMS,
				}) {
					return totalUsageTokens
				}
				toolMessages = append(toolMessages, llms.Message{Role: "tool", ToolCallID: call.ID, Content: result})
			}

			messages = append(messages, toolMessages...)

			// ask_user 需要等待用户输入, 本轮到此为止
			if sawAskUser {
				emit(EventAskUserPending, nil)
				return totalUsageTokens
			}

			if input.EnableReflection && a.reflector != nil &&
				totalToolRounds > 0 && totalToolRounds%input.ReflectionInterval == 0 {
				reflection, err := a.reflector.Reflect(ctx, input, ReflectContext{
					RoundsCompleted: totalToolRounds,
					ToolCallsCount:  allToolCalls,
					SeenDuplicates:  len(seenCalls),
				})
				if err == nil && reflection != nil {
					if !emit(EventReflection, map[string]any{
						"reflection": reflection.Summary,
						"action":     reflection.Action,
					}) {
						return totalUsageTokens
					}
					if reflection.Action == ReflectAbort {
						emit(EventContent, map[string]any{
							"content": fmt.Sprintf("\n\n⚠️ Agent 反思后决定终止: %s", reflection.Summary),
						})
						return totalUsageTokens
					}
				}
			}

			continue
		}

		// 无 tool calls — 伪造检测
		if hasContent && len(toolDefs) > 0 && fabricationRetries < maxFabricationRetries && a.FabricationCheck {
			fullText := joinParts(textParts)
			if DetectFabrication(fullText) {
				fabricationRetries++
				slog.Warn("检测到伪造工具执行结果, 重试", "retry", fabricationRetries)
				messages = append(messages,
					llms.Message{Role: "assistant", Content: fullText},
					llms.Message{Role: "user", Content: fabricationRetryPrompt},
				)
				if !emit(EventContent, map[string]any{"content": "\n\n⚠️ 检测到 AI 伪造执行结果，正在重新要求执行...\n\n"}) {
					return totalUsageTokens
				}
				continue
			}
		}

		if !hasContent {
			slog.Warn("模型返回空响应", "finish_reason", finishReason)
			emit(EventContent, map[string]any{"content": "\n\n⚠️ AI 返回了空响应，请重新发送或换个说法试试。"})
		}
		return totalUsageTokens
	}
}

// fitResult trims a tool result so the next request still fits the
// model's context window.
func (a *ReAct) fitResult(result string, messages []llms.Message, model string, maxTokens int) string {
	maxInput, _ := a.caps.ContextWindow(model)
	currentTokens := estimateMessages(messages)
	resultTokens := tokens.Estimate(result)
	remaining := maxInput - currentTokens - maxTokens - resultBudgetReserve

	switch {
	case resultTokens > remaining && remaining > resultBudgetFloor:
		return tokens.Truncate(result, remaining, "") +
			fmt.Sprintf("\n\n[… 内容已截断以适配模型上下文窗口 (%d tokens), 请用 start_line/end_line 指定范围精确读取]", remaining)
	case remaining <= resultBudgetFloor:
		return tokens.Truncate(result, resultBudgetFloor, "") + "\n\n[⚠️ 上下文空间不足, 内容已大幅截断]"
	default:
		return result
	}
}

func estimateMessages(messages []llms.Message) int {
	converted := make([]tokens.Message, len(messages))
	for i, msg := range messages {
		converted[i] = tokens.Message{Role: msg.Role, Content: msg.Content}
	}
	return tokens.EstimateMessages(converted)
}

// parseArguments decodes the accumulated JSON argument string; invalid
// payloads are preserved under _raw so the tool can report them.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func joinParts(parts []string) string {
	return strings.Join(parts, "")
}
