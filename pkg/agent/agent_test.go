package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/llms"
)

// scriptedStreamer replays one canned event round per Stream call and
// records the options of every call.
type scriptedStreamer struct {
	rounds [][]llms.ProviderEvent
	calls  []llms.StreamOptions
}

func (s *scriptedStreamer) Stream(_ context.Context, opts llms.StreamOptions) <-chan llms.ProviderEvent {
	s.calls = append(s.calls, opts)
	var round []llms.ProviderEvent
	if len(s.rounds) > 0 {
		round = s.rounds[0]
		s.rounds = s.rounds[1:]
	}
	ch := make(chan llms.ProviderEvent, len(round)+1)
	for _, event := range round {
		ch <- event
	}
	close(ch)
	return ch
}

func contentRound(text string) []llms.ProviderEvent {
	return []llms.ProviderEvent{
		{Type: llms.EventContentDelta, Text: text},
		{Type: llms.EventFinish, FinishReason: "stop"},
	}
}

func toolCallRound(id, name, args string) []llms.ProviderEvent {
	return []llms.ProviderEvent{
		{Type: llms.EventToolCallDelta, ToolCallIndex: 0, ToolCallID: id},
		{Type: llms.EventToolCallDelta, ToolCallIndex: 0, Name: name},
		{Type: llms.EventToolCallDelta, ToolCallIndex: 0, ArgumentsDelta: args},
		{Type: llms.EventFinish, FinishReason: "tool_calls"},
	}
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for event := range ch {
		events = append(events, event)
	}
	return events
}

func eventsOfType(events []Event, eventType string) []Event {
	var matched []Event
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func joinContent(events []Event) string {
	var b strings.Builder
	for _, event := range eventsOfType(events, EventContent) {
		b.WriteString(event.Data["content"].(string))
	}
	return b.String()
}

func TestRun_PlainContent(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		{
			{Type: llms.EventContentDelta, Text: "你好"},
			{Type: llms.EventContentDelta, Text: "世界"},
			{Type: llms.EventUsage, Usage: &llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
			{Type: llms.EventFinish, FinishReason: "stop"},
		},
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
	}))

	assert.Equal(t, "你好世界", joinContent(events))

	usages := eventsOfType(events, EventUsage)
	require.Len(t, usages, 1)
	usage := usages[0].Data["usage"].(map[string]any)
	assert.Equal(t, 15, usage["total_tokens"])
	assert.Equal(t, 0, usage["tool_rounds"])
}

func TestRun_ToolCallLoop(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"main.go"}`),
		{
			{Type: llms.EventContentDelta, Text: "分析完成"},
			{Type: llms.EventUsage, Usage: &llms.Usage{TotalTokens: 30}},
			{Type: llms.EventFinish, FinishReason: "stop"},
		},
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	var executedName string
	var executedArgs map[string]any
	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "读一下 main.go"}},
		Executor: func(_ context.Context, name string, args map[string]any) (string, error) {
			executedName = name
			executedArgs = args
			return "package main", nil
		},
	}))

	assert.Equal(t, "read_file", executedName)
	assert.Equal(t, "main.go", executedArgs["path"])

	toolCalls := eventsOfType(events, EventToolCall)
	require.Len(t, toolCalls, 1)
	call := toolCalls[0].Data["tool_call"].(map[string]any)
	assert.Equal(t, "call_1", call["id"])
	assert.Equal(t, "read_file", call["name"])

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "package main", results[0].Data["result"])

	// second request carries the assistant tool_calls message and the
	// tool result message
	require.Len(t, llm.calls, 2)
	followup := llm.calls[1].Messages
	require.Len(t, followup, 3)
	assert.Equal(t, "assistant", followup[1].Role)
	require.Len(t, followup[1].ToolCalls, 1)
	assert.Equal(t, "call_1", followup[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", followup[2].Role)
	assert.Equal(t, "package main", followup[2].Content)

	usage := eventsOfType(events, EventUsage)[0].Data["usage"].(map[string]any)
	assert.Equal(t, 1, usage["tool_rounds"])
}

func TestRun_DuplicateToolCallSuppressed(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"a.go"}`),
		toolCallRound("call_2", "read_file", `{"path":"a.go"}`),
		contentRound("done"),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	executions := 0
	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "go"}},
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			executions++
			return "data", nil
		},
	}))

	assert.Equal(t, 1, executions)

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 2)
	assert.Equal(t, "data", results[0].Data["result"])
	assert.Equal(t, duplicateCallResult, results[1].Data["result"])
	assert.Equal(t, int64(0), results[1].Data["duration_ms"])
}

func TestRun_ToolRoundLimit(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"a.go"}`),
		toolCallRound("call_2", "read_file", `{"path":"b.go"}`),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	executions := 0
	events := collect(agent.Run(context.Background(), &Input{
		Messages:      []llms.Message{{Role: "user", Content: "go"}},
		MaxToolRounds: 1,
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			executions++
			return "ok", nil
		},
	}))

	assert.Equal(t, 1, executions)
	assert.Contains(t, joinContent(events), "⚠️ 工具调用已达上限 (1轮)，停止继续调用。")
}

func TestRun_ToolErrorReported(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"gone.go"}`),
		contentRound("无法读取"),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "go"}},
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			return "", errors.New("file not found")
		},
	}))

	toolErrors := eventsOfType(events, EventToolError)
	require.Len(t, toolErrors, 1)
	assert.Equal(t, "工具执行失败: file not found", toolErrors[0].Data["error"])

	// error text still reaches the model as the tool message
	followup := llm.calls[1].Messages
	assert.Equal(t, "工具执行失败: file not found", followup[len(followup)-1].Content)
}

func TestRun_AskUserPauses(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "ask_user", `{"question":"用哪个分支?"}`),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "部署"}},
		Executor: func(_ context.Context, name string, _ map[string]any) (string, error) {
			return "已向用户提问", nil
		},
	}))

	starts := eventsOfType(events, EventToolCallStart)
	require.Len(t, starts, 1)
	startCall := starts[0].Data["tool_call"].(map[string]any)
	assert.Equal(t, "ask_user", startCall["name"])
	assert.Equal(t, "call_1", startCall["id"])

	require.NotEmpty(t, events)
	assert.Equal(t, EventAskUserPending, events[len(events)-1].Type)
	// only one stream round: the turn waits for the user
	assert.Len(t, llm.calls, 1)
}

func TestRun_FabricationRetry(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		contentRound("我已经执行了 rm 命令，删除成功。"),
		contentRound("好的，我会真正调用工具。"),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "删除临时文件"}},
		Tools:    []llms.ToolDefinition{{Name: "run_command"}},
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			return "", nil
		},
	}))

	require.Len(t, llm.calls, 2)
	assert.Equal(t, "auto", llm.calls[0].ToolChoice)
	assert.Equal(t, "required", llm.calls[1].ToolChoice)

	retryMessages := llm.calls[1].Messages
	require.Len(t, retryMessages, 3)
	assert.Equal(t, "assistant", retryMessages[1].Role)
	assert.Equal(t, "我已经执行了 rm 命令，删除成功。", retryMessages[1].Content)
	assert.Equal(t, "user", retryMessages[2].Role)
	assert.Equal(t, fabricationRetryPrompt, retryMessages[2].Content)

	assert.Contains(t, joinContent(events), "⚠️ 检测到 AI 伪造执行结果，正在重新要求执行...")
}

func TestRun_FabricationCheckDisabled(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		contentRound("我已经执行了 rm 命令，删除成功。"),
	}}
	agent := NewReAct(llm, capabilities.NewCache())
	agent.FabricationCheck = false

	collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "删除"}},
		Tools:    []llms.ToolDefinition{{Name: "run_command"}},
	}))

	assert.Len(t, llm.calls, 1)
}

func TestRun_EmptyResponse(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		{{Type: llms.EventFinish, FinishReason: "stop"}},
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
	}))

	assert.Contains(t, joinContent(events), "⚠️ AI 返回了空响应，请重新发送或换个说法试试。")
}

func TestRun_LengthTruncationDropsPendingCalls(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		{
			{Type: llms.EventContentDelta, Text: "部分输出"},
			{Type: llms.EventToolCallDelta, ToolCallIndex: 0, ToolCallID: "call_1"},
			{Type: llms.EventToolCallDelta, ToolCallIndex: 0, Name: "read_file"},
			{Type: llms.EventToolCallDelta, ToolCallIndex: 0, ArgumentsDelta: `{"path":"a`},
			{Type: llms.EventFinish, FinishReason: "length"},
		},
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	executions := 0
	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "go"}},
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			executions++
			return "", nil
		},
	}))

	assert.Equal(t, 0, executions)
	assert.Len(t, eventsOfType(events, EventTruncated), 1)
	assert.Len(t, llm.calls, 1)
}

func TestRun_StreamErrorLearnsCapability(t *testing.T) {
	caps := capabilities.NewCache()
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		{{
			Type:  llms.EventError,
			Error: "This model's maximum context length is 4000 tokens",
			Meta:  &llms.ErrorMeta{Kind: llms.ErrKindContextOverflow, StatusCode: 400},
		}},
	}}
	agent := NewReAct(llm, caps)

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	}))

	errorEvents := eventsOfType(events, EventError)
	require.Len(t, errorEvents, 1)
	assert.Equal(t, "This model's maximum context length is 4000 tokens", errorEvents[0].Data["error"])
	assert.NotNil(t, errorEvents[0].Data["error_meta"])

	maxInput, _ := caps.ContextWindow("gpt-4o")
	assert.Equal(t, 4000, maxInput)
}

func TestRun_ReasoningModelStripsTools(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		contentRound("推理结果"),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
		Model:    "o1-preview",
		Tools:    []llms.ToolDefinition{{Name: "read_file"}},
	}))

	require.Len(t, llm.calls, 1)
	assert.Empty(t, llm.calls[0].Tools)
}

type scriptedReflector struct {
	result *ReflectionResult
	called int
}

func (r *scriptedReflector) Reflect(_ context.Context, _ *Input, _ ReflectContext) (*ReflectionResult, error) {
	r.called++
	return r.result, nil
}

func TestRun_ReflectionAbort(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"a.go"}`),
	}}
	reflector := &scriptedReflector{result: &ReflectionResult{Summary: "陷入循环", Action: ReflectAbort}}
	agent := NewReAct(llm, capabilities.NewCache()).WithReflector(reflector)

	events := collect(agent.Run(context.Background(), &Input{
		Messages:           []llms.Message{{Role: "user", Content: "go"}},
		EnableReflection:   true,
		ReflectionInterval: 1,
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			return "ok", nil
		},
	}))

	assert.Equal(t, 1, reflector.called)

	reflections := eventsOfType(events, EventReflection)
	require.Len(t, reflections, 1)
	assert.Equal(t, "陷入循环", reflections[0].Data["reflection"])
	assert.Equal(t, ReflectAbort, reflections[0].Data["action"])

	assert.Contains(t, joinContent(events), "⚠️ Agent 反思后决定终止: 陷入循环")
	assert.Len(t, llm.calls, 1)
}

func TestFitResult_TruncatesToRemainingBudget(t *testing.T) {
	agent := NewReAct(nil, capabilities.NewCache())

	messages := []llms.Message{{Role: "user", Content: "hi"}}
	huge := strings.Repeat("x", 80_000)

	// gpt-4: 8192 input window, so a 4000-token reservation leaves a
	// budget in the thousands
	fitted := agent.fitResult(huge, messages, "gpt-4", 2000)
	assert.Less(t, len(fitted), len(huge))
	assert.Contains(t, fitted, "内容已截断以适配模型上下文窗口")
	assert.Contains(t, fitted, "请用 start_line/end_line 指定范围精确读取")
}

func TestFitResult_HardFloor(t *testing.T) {
	agent := NewReAct(nil, capabilities.NewCache())

	messages := []llms.Message{{Role: "user", Content: "hi"}}
	result := agent.fitResult(strings.Repeat("y", 10_000), messages, "gpt-4", 8000)
	assert.Contains(t, result, "[⚠️ 上下文空间不足, 内容已大幅截断]")
	assert.LessOrEqual(t, len(result), resultBudgetFloor*4+len("\n\n[⚠️ 上下文空间不足, 内容已大幅截断]"))
}

func TestFitResult_SmallResultUntouched(t *testing.T) {
	agent := NewReAct(nil, capabilities.NewCache())
	result := agent.fitResult("short", []llms.Message{}, "gpt-4o", 4096)
	assert.Equal(t, "short", result)
}

func TestParseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, parseArguments(""))
	assert.Equal(t, map[string]any{"path": "a.go"}, parseArguments(`{"path":"a.go"}`))
	assert.Equal(t, map[string]any{"_raw": `{"broken`}, parseArguments(`{"broken`))
}

func TestDetectFabrication(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"短文本忽略", "已执行", false},
		{"伪造执行命令", "我已经执行了 rm -rf /tmp/cache 命令，缓存已清除。", true},
		{"伪造执行结果", "执行结果如下: 一切正常，没有错误输出。", true},
		{"伪造文件状态", "/tmp/old.log 文件已被删除，无需再处理。", true},
		{"英文错误输出", "运行后提示 No such file or directory，说明文件不在。", true},
		{"正常回答", "这个函数的作用是解析配置文件并返回结构体。", false},
		{"计划执行不算伪造", "接下来我会调用 read_file 工具查看内容。", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFabrication(tt.text), tt.text)
		})
	}
}

func TestEventToMap(t *testing.T) {
	event := Event{Type: EventContent, Data: map[string]any{"content": "hi"}}
	assert.Equal(t, map[string]any{"type": "content", "content": "hi"}, event.ToMap())

	empty := Event{Type: EventTruncated}
	assert.Equal(t, map[string]any{"type": "truncated"}, empty.ToMap())
}

func TestNew_UnknownStrategyFallsBack(t *testing.T) {
	agent := New("bogus", &scriptedStreamer{}, capabilities.NewCache())
	_, ok := agent.(*ReAct)
	assert.True(t, ok)

	react := New(StrategyReAct, &scriptedStreamer{}, capabilities.NewCache())
	_, ok = react.(*ReAct)
	assert.True(t, ok)
}

func TestInputSetDefaults(t *testing.T) {
	input := &Input{}
	input.SetDefaults()
	assert.Equal(t, "gpt-4o", input.Model)
	assert.Equal(t, 0.7, input.Temperature)
	assert.Equal(t, 8192, input.MaxTokens)
	assert.Equal(t, 15, input.MaxToolRounds)
	assert.Equal(t, 5, input.ReflectionInterval)
}

func TestRun_NoExecutorTreatsCallsAsFinal(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"a.go"}`),
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "go"}},
	}))

	// no executor: the pending calls cannot run, the turn ends with the
	// empty-response notice
	assert.Empty(t, eventsOfType(events, EventToolCall))
	assert.Contains(t, joinContent(events), "空响应")
	assert.Len(t, llm.calls, 1)
}

func TestUsageEventCarriesToolRounds(t *testing.T) {
	llm := &scriptedStreamer{rounds: [][]llms.ProviderEvent{
		toolCallRound("call_1", "read_file", `{"path":"a.go"}`),
		{
			{Type: llms.EventContentDelta, Text: "done"},
			{Type: llms.EventUsage, Usage: &llms.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}},
			{Type: llms.EventFinish, FinishReason: "stop"},
		},
	}}
	agent := NewReAct(llm, capabilities.NewCache())

	events := collect(agent.Run(context.Background(), &Input{
		Messages: []llms.Message{{Role: "user", Content: "go"}},
		Executor: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			return "ok", nil
		},
	}))

	usages := eventsOfType(events, EventUsage)
	require.Len(t, usages, 1)
	usage := usages[0].Data["usage"].(map[string]any)
	assert.Equal(t, 120, usage["total_tokens"])
	assert.Equal(t, 1, usage["tool_rounds"])
}
