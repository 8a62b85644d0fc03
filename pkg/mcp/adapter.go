package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/observability"
)

// Adapter exposes MCP tools to the agent's tool executor. It owns the
// gate chain for one session: registration, permissions, rate limit,
// credential resolution, connection, and the audit trail.
type Adapter struct {
	Registry *ServerRegistry
	Manager  *Manager
	Limiter  *RateLimiter
	Auditor  *Auditor
	Fallback *GitHubFallback

	// Permissions is the project's granted permission set; ProjectID
	// scopes rate limiting and audit rows.
	Permissions   map[string]bool
	ProjectID     string
	CredOverrides map[string]string
}

// Owns reports whether a tool name routes through MCP.
func (a *Adapter) Owns(name string) bool {
	return IsMCPTool(name)
}

// Definitions lists the discovered MCP tools the project may use, with
// the server name prefixed onto each description.
func (a *Adapter) Definitions(perms map[string]bool) []llms.ToolDefinition {
	if a == nil || a.Registry == nil {
		return nil
	}

	var defs []llms.ToolDefinition
	for _, server := range a.Registry.Enabled() {
		if !perms[ServerPermissionKey(server.Config.Slug)] {
			continue
		}
		for _, spec := range server.Tools() {
			defs = append(defs, spec.ToDefinition(server.Config.Slug, server.Config.Name))
		}
	}
	return defs
}

// Execute runs one MCP tool call end to end and renders the outcome as
// model-facing text. Every terminal state is a string, never an error.
func (a *Adapter) Execute(ctx context.Context, name string, args map[string]any) string {
	ctx, span := observability.GetTracer("studio.mcp").Start(ctx, observability.SpanMCPCall)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrToolName, name))

	slug, toolName, ok := ParseToolName(name)
	if !ok {
		span.SetStatus(codes.Error, "bad tool name")
		return fmt.Sprintf("⚠️ 未知工具: '%s'", name)
	}
	span.SetAttributes(attribute.String("mcp.server", slug))

	server, found := a.Registry.Get(slug)
	if !found {
		span.SetStatus(codes.Error, "server not registered")
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 未注册", slug)
	}
	if !server.Config.Enabled {
		span.SetStatus(codes.Error, "server disabled")
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 已禁用", slug)
	}

	if !CheckPermission(slug, toolName, a.Permissions, server.Config.PermissionMap) {
		span.SetStatus(codes.Error, "permission denied")
		return fmt.Sprintf("⚠️ 项目未授权使用 MCP 工具 '%s' (服务: %s)。\n请在项目设置中启用 'mcp_%s' 权限。", toolName, slug, slug)
	}

	if a.Limiter != nil && !a.Limiter.Allow(slug, a.ProjectID) {
		span.SetStatus(codes.Error, "rate limited")
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 调用频率超限, 请稍后重试", slug)
	}

	started := time.Now()

	conn, err := a.Manager.GetOrConnect(ctx, server, a.CredOverrides)
	if err != nil {
		slog.Warn("MCP connect failed", "server", slug, "error", err)
		a.Auditor.Log(slug, toolName, args, "", time.Since(started), false, a.ProjectID, err.Error())
		span.SetStatus(codes.Error, "connect failed")
		if text, handled := a.tryFallback(ctx, slug, toolName, args); handled {
			return "⚠️ MCP 不可用, 使用本地服务:\n" + text
		}
		return fmt.Sprintf("⚠️ MCP 服务 '%s' 连接失败", slug)
	}

	result := conn.CallTool(ctx, toolName, args)
	duration := time.Since(started)

	if result.Err != "" {
		a.Auditor.Log(slug, toolName, args, "", duration, false, a.ProjectID, result.Err)
		span.SetStatus(codes.Error, "call failed")
		if text, handled := a.tryFallback(ctx, slug, toolName, args); handled {
			return "⚠️ MCP 调用失败, 使用本地服务:\n" + text
		}
		return fmt.Sprintf("⚠️ MCP 工具调用失败: %s", result.Err)
	}

	text := ResultToText(result)
	a.Auditor.Log(slug, toolName, args, text, duration, !result.IsError, a.ProjectID, "")
	if result.IsError {
		span.SetStatus(codes.Error, "tool reported error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return text
}

// tryFallback serves github tools from the REST shim when the MCP
// server itself is down. Other servers have no local equivalent.
func (a *Adapter) tryFallback(ctx context.Context, slug, toolName string, args map[string]any) (string, bool) {
	if slug != "github" || !a.Fallback.Available() {
		return "", false
	}
	return a.Fallback.Call(ctx, toolName, args)
}
