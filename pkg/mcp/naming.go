// Package mcp integrates external MCP (Model Context Protocol) servers
// as agent tools: connection management over stdio and HTTP transports,
// tool discovery and naming, credential injection, the permission
// bridge, rate limiting, auditing and a GitHub REST fallback.
package mcp

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/studio/pkg/llms"
)

const (
	toolPrefix    = "mcp_"
	toolSeparator = "__"
)

// MakeToolName builds the agent-side name of an MCP tool:
// mcp_<server_slug>__<tool_name>.
func MakeToolName(serverSlug, mcpToolName string) string {
	return toolPrefix + serverSlug + toolSeparator + mcpToolName
}

// ParseToolName splits an agent-side tool name into server slug and
// MCP tool name. ok is false for non-MCP names.
func ParseToolName(name string) (serverSlug, mcpToolName string, ok bool) {
	if !strings.HasPrefix(name, toolPrefix) {
		return "", "", false
	}
	rest := name[len(toolPrefix):]
	idx := strings.Index(rest, toolSeparator)
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(toolSeparator):], true
}

// IsMCPTool reports whether the tool name belongs to an MCP server.
func IsMCPTool(name string) bool {
	_, _, ok := ParseToolName(name)
	return ok
}

// ToolSpec is one discovered MCP tool in wire form.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToDefinition converts a discovered tool to function-calling form,
// prefixing the description with the server display name.
func (s ToolSpec) ToDefinition(serverSlug, serverName string) llms.ToolDefinition {
	description := s.Description
	if serverName != "" {
		description = fmt.Sprintf("[%s] %s", serverName, description)
	}

	parameters := map[string]any{"type": "object", "properties": map[string]any{}}
	if s.InputSchema != nil {
		if t, ok := s.InputSchema["type"].(string); ok && t != "" {
			parameters["type"] = t
		}
		if props, ok := s.InputSchema["properties"]; ok {
			parameters["properties"] = props
		}
		if required, ok := s.InputSchema["required"]; ok {
			parameters["required"] = required
		}
	}

	return llms.ToolDefinition{
		Name:        MakeToolName(serverSlug, s.Name),
		Description: description,
		Parameters:  parameters,
	}
}

// ContentItem is one element of an MCP tool result.
type ContentItem struct {
	Type string // text, image, resource
	Text string
	URI  string
}

// CallResult is the transport-independent form of a tools/call result.
type CallResult struct {
	Content []ContentItem
	IsError bool
	Err     string // internal error (no response, transport failure)
}

// ResultToText flattens a tool result into the plain text the model
// consumes.
func ResultToText(result *CallResult) string {
	if result.Err != "" {
		return fmt.Sprintf("⚠️ MCP 工具错误: %s", result.Err)
	}
	if len(result.Content) == 0 {
		return "(无输出)"
	}

	parts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		switch item.Type {
		case "text", "":
			parts = append(parts, item.Text)
		case "image":
			parts = append(parts, "[图片数据 - 已省略]")
		case "resource":
			parts = append(parts, fmt.Sprintf("[资源: %s]\n%s", item.URI, item.Text))
		default:
			preview := item.Text
			if len(preview) > 200 {
				preview = preview[:200]
			}
			parts = append(parts, fmt.Sprintf("[%s: %s]", item.Type, preview))
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		text = "⚠️ MCP 工具执行失败:\n" + text
	}
	return text
}
