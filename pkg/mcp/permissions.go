package mcp

import "strings"

// ServerPermissionKey is the project-level switch for one MCP server.
func ServerPermissionKey(serverSlug string) string {
	return "mcp_" + serverSlug
}

// ToolPermissionKey is the fine-grained per-tool key.
func ToolPermissionKey(serverSlug, toolName string) string {
	return "mcp_" + serverSlug + "_" + toolName
}

// CheckPermission gates one MCP tool call: the server switch must be
// granted, and a configured permission_map entry for the tool must
// also be granted. Unmapped tools follow the server switch.
func CheckPermission(serverSlug, toolName string, perms map[string]bool, permissionMap map[string]string) bool {
	if !perms[ServerPermissionKey(serverSlug)] {
		return false
	}
	if mapped, ok := permissionMap[toolName]; ok && mapped != "" && !perms[mapped] {
		return false
	}
	return true
}

// writeToolPatterns mark MCP tools whose names imply mutation.
var writeToolPatterns = []string{
	"create", "update", "delete", "merge", "close", "assign",
	"push", "write", "edit", "remove", "add_comment",
}

// IsWriteOperation reports whether an MCP tool name looks like a
// mutating operation.
func IsWriteOperation(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, pattern := range writeToolPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
