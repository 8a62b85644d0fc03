package tools

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/observability"
)

// Approval is the user's answer to a write-command request.
type Approval struct {
	Approved bool
	Scope    string
	Reason   string
}

// ApprovalFunc asks the user to approve one write command. A nil
// function means no interactive channel is available.
type ApprovalFunc func(ctx context.Context, command string) (Approval, error)

// scopeLabels render approval scopes in confirmations.
var scopeLabels = map[string]string{
	"once":      "本次",
	"session":   "本会话",
	"project":   "本项目",
	"permanent": "永久",
	"rule":      "规则匹配",
}

// ExternalExecutor routes tool names the builtin set does not own,
// used for MCP server tools.
type ExternalExecutor interface {
	Owns(name string) bool
	Execute(ctx context.Context, name string, args map[string]any) string
}

type builtinFunc func(ctx context.Context, args map[string]any, workspace string) string

var builtinExecutors = map[string]builtinFunc{
	ToolReadFile:      readFile,
	ToolSearchText:    searchText,
	ToolListDirectory: listDirectory,
	ToolGetFileTree:   getFileTree,
	ToolAskUser:       askUser,
}

// Executor dispatches tool calls: permission gate, timeout control,
// the write-command approval flow and external (MCP) routing.
type Executor struct {
	Workspace             string
	Permissions           map[string]bool
	ApprovalFn            ApprovalFunc
	External              ExternalExecutor
	AllowUnattendedWrites bool
}

// NewExecutor builds an executor with the default permission set.
func NewExecutor(workspace string) *Executor {
	return &Executor{
		Workspace:   workspace,
		Permissions: DefaultPermissions(),
	}
}

// Execute runs one tool call and returns its user-facing text result.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) string {
	startTime := time.Now()

	tracer := observability.GetTracer("studio.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)),
	)
	defer span.End()

	result := e.execute(ctx, name, args)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, name, time.Since(startTime), nil)
	}
	span.SetStatus(codes.Ok, "done")
	return result
}

func (e *Executor) execute(ctx context.Context, name string, args map[string]any) string {
	if e.External != nil && e.External.Owns(name) {
		return e.External.Execute(ctx, name, args)
	}

	perms := e.Permissions
	if perms == nil {
		perms = DefaultPermissions()
	}

	if required := toolPermissionMap[name]; !hasPermissions(required, perms) {
		return fmt.Sprintf("⚠️ 工具 '%s' 已被项目管理员禁用", name)
	}

	if name == ToolRunCommand {
		return e.handleRunCommand(ctx, args, perms)
	}

	executor, ok := builtinExecutors[name]
	if !ok {
		return fmt.Sprintf("⚠️ 未知工具: '%s'", name)
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	done := make(chan string, 1)
	go func() { done <- executor(ctx, args, e.Workspace) }()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return fmt.Sprintf("⚠️ 工具 '%s' 执行超时 (%ds)", name, int(toolTimeout.Seconds()))
	}
}

// handleRunCommand routes between the readonly whitelist and the
// approval flow for write commands.
func (e *Executor) handleRunCommand(ctx context.Context, args map[string]any, perms map[string]bool) string {
	command := argString(args, "command")

	if IsReadonlyCommand(command) {
		return runReadonlyCommand(ctx, args, e.Workspace)
	}

	if !perms[PermExecuteCommand] {
		return fmt.Sprintf(
			"⚠️ 此命令不在只读白名单中，且项目未开启「执行写入命令」权限。\n"+
				"命令: %s\n\n"+
				"只读命令示例: git log, git diff, ls, cat, grep, find, python3 -c 等\n"+
				"如需执行此命令，请让用户在工具面板中开启「⚠️ 执行写入命令」权限。", command)
	}

	if e.ApprovalFn == nil {
		if !e.AllowUnattendedWrites {
			return fmt.Sprintf(
				"⚠️ 此写入命令需要用户确认，但当前会话无法进行交互审批。\n"+
					"命令: %s\n\n"+
					"请改用只读命令，或在配置中开启无人值守写入。", command)
		}
		return runUnrestrictedCommand(ctx, args, e.Workspace)
	}

	approval, err := e.ApprovalFn(ctx, command)
	if err != nil || !approval.Approved {
		reason := approval.Reason
		if reason == "" {
			reason = "用户拒绝"
		}
		return fmt.Sprintf(
			"⚠️ 用户拒绝执行此命令。\n"+
				"命令: %s\n"+
				"原因: %s\n\n"+
				"请改用只读命令获取信息，或向用户解释为什么需要执行此命令后再次尝试。", command, reason)
	}

	result := runUnrestrictedCommand(ctx, args, e.Workspace)
	if label := scopeLabels[approval.Scope]; label != "" {
		return fmt.Sprintf("✅ 用户已授权执行 (%s)\n\n%s", label, result)
	}
	return result
}

// ToolOutcome is one entry of a parallel execution batch.
type ToolOutcome struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecuteParallel runs a batch of tool calls concurrently and returns
// outcomes in the original call order.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []llms.ToolCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			result := e.Execute(gctx, call.Name, call.Arguments)
			outcomes[i] = ToolOutcome{
				ID:         call.ID,
				Name:       call.Name,
				Result:     result,
				DurationMS: time.Since(start).Milliseconds(),
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
