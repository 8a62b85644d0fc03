// Package tools implements the builtin agent tools (file reading,
// text search, directory inspection, command execution and user
// clarification), the permission model that gates them, and the
// executor that dispatches tool calls with timeouts and approvals.
package tools

import "github.com/atelier-ai/studio/pkg/llms"

// Builtin tool names.
const (
	ToolReadFile      = "read_file"
	ToolSearchText    = "search_text"
	ToolListDirectory = "list_directory"
	ToolGetFileTree   = "get_file_tree"
	ToolAskUser       = "ask_user"
	ToolRunCommand    = "run_command"
)

// Permission keys recognized by the gate.
const (
	PermAskUser         = "ask_user"
	PermReadSource      = "read_source"
	PermReadConfig      = "read_config"
	PermSearch          = "search"
	PermTree            = "tree"
	PermExecuteReadonly = "execute_readonly_command"
	PermExecuteCommand  = "execute_command"
)

// AllPermissions enumerates every recognized permission key.
var AllPermissions = []string{
	PermAskUser, PermReadSource, PermReadConfig, PermSearch,
	PermTree, PermExecuteReadonly, PermExecuteCommand,
}

// DefaultPermissions grants everything except unrestricted execution.
func DefaultPermissions() map[string]bool {
	perms := make(map[string]bool, len(AllPermissions))
	for _, p := range AllPermissions {
		if p != PermExecuteCommand {
			perms[p] = true
		}
	}
	return perms
}

// PermissionSet converts a key list into the set form the gate uses.
func PermissionSet(keys []string) map[string]bool {
	perms := make(map[string]bool, len(keys))
	for _, k := range keys {
		perms[k] = true
	}
	return perms
}

// toolPermissionMap names the permissions each builtin tool requires.
var toolPermissionMap = map[string][]string{
	ToolAskUser:       {PermAskUser},
	ToolReadFile:      {PermReadSource},
	ToolSearchText:    {PermSearch},
	ToolListDirectory: {PermTree},
	ToolGetFileTree:   {PermTree},
	ToolRunCommand:    {PermExecuteReadonly},
}

// hasPermissions reports whether every required key is granted.
func hasPermissions(required []string, perms map[string]bool) bool {
	for _, key := range required {
		if !perms[key] {
			return false
		}
	}
	return true
}

var builtinDefinitions = []llms.ToolDefinition{
	{
		Name: ToolReadFile,
		Description: "读取项目中的文件内容。支持指定起始行号来精确读取感兴趣的片段，" +
			"不必每次从头读取整个文件。推荐策略：先用 search_text 定位行号，" +
			"再用 start_line 跳转到目标位置读取。单次最多返回 200 行。" +
			"小文件（<200行）直接一次读完，不要拆分。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "相对于项目根目录的文件路径，例如 'backend/app/games/adventure.py'",
				},
				"start_line": map[string]any{
					"type":        "integer",
					"description": "起始行号 (1-based)，默认从第 1 行开始。配合 search_text 返回的行号，可直接跳到感兴趣的代码位置",
				},
				"end_line": map[string]any{
					"type":        "integer",
					"description": "结束行号 (1-based, inclusive)，不指定则从 start_line 开始读取最多 200 行",
				},
			},
			"required": []string{"path"},
		},
	},
	{
		Name: ToolSearchText,
		Description: "在项目文件中搜索文本或正则表达式，返回匹配的文件路径、行号和上下文。" +
			"这是最高效的代码定位工具——先搜索确定位置，再用 read_file 的 start_line 精确读取。" +
			"务必指定 include_pattern 缩小搜索范围（如 '*.py', '*.vue'），" +
			"否则结果可能过多。返回的行号可直接用于 read_file 的 start_line 参数。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "搜索的文本或正则表达式",
				},
				"is_regex": map[string]any{
					"type":        "boolean",
					"description": "是否为正则表达式，默认 false (精确文本搜索)",
					"default":     false,
				},
				"include_pattern": map[string]any{
					"type":        "string",
					"description": "文件名 glob 过滤，如 '*.py'、'*.vue'、'*.ts'。强烈建议始终指定，避免搜索全部文件类型",
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name: ToolListDirectory,
		Description: "列出目录下的文件和子目录。用于了解项目局部结构。" +
			"建议先用 get_file_tree 获取整体概览，再用此工具查看特定目录的详细内容。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "相对于项目根目录的目录路径，例如 'backend/app/api'。空字符串表示项目根目录。",
					"default":     "",
				},
			},
			"required": []string{},
		},
	},
	{
		Name: ToolGetFileTree,
		Description: "获取项目完整文件树（带缩进的树状结构）。" +
			"适合在对话开始时调用一次，快速了解项目整体结构，" +
			"再根据结构决定读取哪些文件。自动过滤 node_modules、.git 等无关目录。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "子目录路径 (相对于项目根目录)，空字符串表示整个项目",
					"default":     "",
				},
				"max_depth": map[string]any{
					"type":        "integer",
					"description": "目录树最大深度，默认 3",
					"default":     3,
				},
			},
			"required": []string{},
		},
	},
	{
		Name: ToolAskUser,
		Description: "向用户提出需要澄清的问题。当描述模糊、有多种理解方式、" +
			"或缺少关键信息时，主动调用此工具提问。可以一次提出多个问题。\n\n" +
			"## 使用规范\n" +
			"- 每个问题通过 type 指定 'single'(单选) 或 'multi'(多选)\n" +
			"- options 数组中的选项按推荐程度从高到低排列\n" +
			"- 为最推荐的 1-2 个选项设置 recommended: true\n" +
			"- 单选题最后一个选项通常是'其他（请说明）'之类的自定义选项，除非是严格几选一\n" +
			"- 用 context 字段简要说明为什么需要明确这个问题\n" +
			"- 调用此工具后你必须停止，等待用户回答后再继续\n",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"questions": map[string]any{
					"type":        "array",
					"description": "问题列表",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"question": map[string]any{"type": "string", "description": "问题文本"},
							"type":     map[string]any{"type": "string", "enum": []string{"single", "multi"}, "description": "单选/多选"},
							"options": map[string]any{
								"type":        "array",
								"description": "选项列表",
								"items": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"label":       map[string]any{"type": "string", "description": "选项文本"},
										"description": map[string]any{"type": "string", "description": "补充说明"},
										"recommended": map[string]any{"type": "boolean", "description": "是否推荐"},
									},
									"required": []string{"label"},
								},
							},
							"context": map[string]any{"type": "string", "description": "为什么需要明确这个问题"},
						},
						"required": []string{"question"},
					},
				},
			},
			"required": []string{"questions"},
		},
	},
	{
		Name: ToolRunCommand,
		Description: "在项目工作目录中执行 shell 命令。⚠️ 当用户要求你执行命令时，" +
			"你必须调用此工具，禁止在文本中编造执行结果。\n\n" +
			"支持常用的只读命令如 " +
			"git (log, diff, show, status, blame), ls, cat, head, tail, find, " +
			"grep, wc, diff, python3 -c 等。非只读命令需要额外授权。\n\n" +
			"常用场景：\n" +
			"- `git log --oneline -20` 查看近 20 条提交\n" +
			"- `git diff origin/main...HEAD -- path/to/file` 查看单文件变更\n" +
			"- `git diff --stat origin/main...HEAD` 查看变更统计\n" +
			"- `git blame path/to/file` 查看文件逐行负责人\n" +
			"- `find . -name '*.py' -newer some_file` 查找新修改的文件\n" +
			"- `python3 -c \"import json; ...\"` 执行简单脚本\n" +
			"- `docker ps` 查看运行中的容器\n" +
			"- `rm file` 删除文件 (需授权)\n" +
			"- `touch file` 创建文件 (需授权)\n",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "要执行的 shell 命令 (单行)",
				},
			},
			"required": []string{"command"},
		},
	},
}

// DefinitionProvider contributes extra tool definitions, used to
// append MCP server tools behind their own permission keys.
type DefinitionProvider interface {
	Definitions(perms map[string]bool) []llms.ToolDefinition
}

// Definitions returns the builtin tools the permission set allows,
// followed by definitions from any extra providers.
func Definitions(perms map[string]bool, extra ...DefinitionProvider) []llms.ToolDefinition {
	if perms == nil {
		perms = DefaultPermissions()
	}

	var defs []llms.ToolDefinition
	for _, def := range builtinDefinitions {
		if hasPermissions(toolPermissionMap[def.Name], perms) {
			defs = append(defs, def)
		}
	}
	for _, provider := range extra {
		if provider != nil {
			defs = append(defs, provider.Definitions(perms)...)
		}
	}
	return defs
}
