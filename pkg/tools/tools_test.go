package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/llms"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "api"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "api", "handler.go"), []byte("package api\n"), 0o644))
	return dir
}

func TestValidatePath(t *testing.T) {
	ws := newWorkspace(t)

	abs, err := validatePath(ws, "main.go")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(abs, "main.go"))

	_, err = validatePath(ws, "../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "路径越界")
}

func TestIsSensitiveFile(t *testing.T) {
	tests := []struct {
		path      string
		sensitive bool
	}{
		{".env", true},
		{"config/.env.local", true},
		{"secrets/server.key", true},
		{"deploy/id_rsa", true},
		{"node_modules/pkg/index.js", true},
		{"package.json", false}, // allowlisted
		{"src/main.go", false},
		{"README.md", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.sensitive, isSensitiveFile(tt.path), tt.path)
	}
}

func TestReadFile(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()

	result := readFile(ctx, map[string]any{"path": "main.go"}, ws)
	assert.Contains(t, result, "📄 main.go (行 1-3, 共 3 行)")
	assert.Contains(t, result, "package main")
	assert.Contains(t, result, "```")

	result = readFile(ctx, map[string]any{"path": ""}, ws)
	assert.Equal(t, "⚠️ 请指定文件路径", result)

	result = readFile(ctx, map[string]any{"path": "missing.go"}, ws)
	assert.Contains(t, result, "文件不存在")

	result = readFile(ctx, map[string]any{"path": ".env"}, ws)
	assert.Contains(t, result, "无法读取敏感文件")

	result = readFile(ctx, map[string]any{"path": "src"}, ws)
	assert.Contains(t, result, "不是文件")
}

func TestReadFile_RangeAndTruncation(t *testing.T) {
	ws := newWorkspace(t)
	var b strings.Builder
	for i := 1; i <= 300; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ws, "big.txt"), []byte(b.String()), 0o644))

	result := readFile(context.Background(), map[string]any{"path": "big.txt"}, ws)
	assert.Contains(t, result, "(行 1-200, 共 300 行)")
	assert.Contains(t, result, "[截断: 使用 start_line/end_line 查看更多]")
	assert.Contains(t, result, "line 200")
	assert.NotContains(t, result, "line 201\n")

	result = readFile(context.Background(), map[string]any{
		"path": "big.txt", "start_line": float64(250), "end_line": float64(260),
	}, ws)
	assert.Contains(t, result, "(行 250-260, 共 300 行)")
	assert.Contains(t, result, "line 255")
}

func TestReadFile_TooLarge(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "huge.bin"), make([]byte, maxReadFileBytes+1), 0o644))

	result := readFile(context.Background(), map[string]any{"path": "huge.bin"}, ws)
	assert.Contains(t, result, "文件过大")
	assert.Contains(t, result, "请指定行范围读取")
}

func TestListDirectory(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "node_modules", "x"), 0o755))

	result := listDirectory(context.Background(), map[string]any{"path": ""}, ws)
	assert.Contains(t, result, "📂 ./")
	assert.Contains(t, result, "📁 src/")
	assert.Contains(t, result, "📄 main.go")
	assert.NotContains(t, result, "node_modules")

	result = listDirectory(context.Background(), map[string]any{"path": "main.go"}, ws)
	assert.Contains(t, result, "不是目录")
}

func TestGetFileTree(t *testing.T) {
	ws := newWorkspace(t)

	result := getFileTree(context.Background(), map[string]any{}, ws)
	assert.Contains(t, result, "🌳 ./ 目录树 (深度: 3):")
	assert.Contains(t, result, "src/")
	assert.Contains(t, result, "handler.go")
	assert.True(t, strings.Contains(result, "├── ") || strings.Contains(result, "└── "))

	// depth clamp
	result = getFileTree(context.Background(), map[string]any{"max_depth": float64(10)}, ws)
	assert.Contains(t, result, "(深度: 4)")
}

func TestSearchFallback(t *testing.T) {
	ws := newWorkspace(t)

	result := fallbackSearch("func main", false, "*.go", ws)
	assert.Contains(t, result, "找到 1 个匹配")
	assert.Contains(t, result, "main.go:3")

	result = fallbackSearch("nonexistent-token", false, "", ws)
	assert.Contains(t, result, "未找到匹配")

	result = fallbackSearch("([bad", true, "", ws)
	assert.Contains(t, result, "无效的正则表达式")
}

func TestIsReadonlyCommand(t *testing.T) {
	tests := []struct {
		command  string
		readonly bool
	}{
		{"git log --oneline -20", true},
		{"git status", true},
		{"git push origin main", false},
		{"ls -la", true},
		{"cat main.go | grep func", true},
		{"rm -rf build", false},
		{"echo hi > out.txt", false},
		{"ls && rm file", false},
		{"cat a; cat b", false},
		{"git log | tee log.txt", false},
		{"echo `whoami`", false},
		{"echo $(date)", false},
		{"python3 -c \"print(1)\"", true},
		{"python3 script.py", false},
		{"docker ps", true},
		{"docker rm container", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.readonly, IsReadonlyCommand(tt.command), tt.command)
	}
}

func TestRunReadonlyCommand(t *testing.T) {
	ws := newWorkspace(t)
	ctx := context.Background()

	result := runReadonlyCommand(ctx, map[string]any{"command": "echo hello"}, ws)
	assert.Contains(t, result, "$ echo hello")
	assert.Contains(t, result, "hello")

	result = runReadonlyCommand(ctx, map[string]any{"command": "rm -rf build"}, ws)
	assert.Contains(t, result, "不在只读白名单中")
	assert.Contains(t, result, "execute_command")

	result = runReadonlyCommand(ctx, map[string]any{"command": "shutdown now"}, ws)
	assert.Contains(t, result, "危险模式")

	result = runReadonlyCommand(ctx, map[string]any{"command": ""}, ws)
	assert.Equal(t, "⚠️ 请指定要执行的命令", result)
}

func TestAskUser(t *testing.T) {
	result := askUser(context.Background(), map[string]any{
		"questions": []any{
			map[string]any{"question": "用哪种数据库?"},
			map[string]any{"question": "需要鉴权吗?"},
		},
	}, "")
	assert.Equal(t, "✅ 已向用户展示 2 个问题，请等待用户回答后再继续讨论。不要自行假设答案。", result)

	result = askUser(context.Background(), map[string]any{}, "")
	assert.Equal(t, "⚠️ 请至少提出一个问题", result)
}

func TestExecutor_PermissionGate(t *testing.T) {
	ws := newWorkspace(t)
	e := NewExecutor(ws)
	e.Permissions = PermissionSet([]string{PermSearch})

	result := e.Execute(context.Background(), ToolReadFile, map[string]any{"path": "main.go"})
	assert.Contains(t, result, "已被项目管理员禁用")
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := NewExecutor(newWorkspace(t))
	result := e.Execute(context.Background(), "teleport", nil)
	assert.Contains(t, result, "未知工具")
}

func TestExecutor_WriteCommandApprovalFlow(t *testing.T) {
	ws := newWorkspace(t)

	e := NewExecutor(ws)
	e.Permissions[PermExecuteCommand] = true
	e.ApprovalFn = func(_ context.Context, command string) (Approval, error) {
		return Approval{Approved: true, Scope: "session"}, nil
	}

	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "touch created.txt"})
	assert.Contains(t, result, "✅ 用户已授权执行 (本会话)")
	_, err := os.Stat(filepath.Join(ws, "created.txt"))
	assert.NoError(t, err)

	e.ApprovalFn = func(_ context.Context, command string) (Approval, error) {
		return Approval{Approved: false, Reason: "风险过高"}, nil
	}
	result = e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "touch denied.txt"})
	assert.Contains(t, result, "用户拒绝执行此命令")
	assert.Contains(t, result, "风险过高")
	_, err = os.Stat(filepath.Join(ws, "denied.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecutor_WriteCommandWithoutPermission(t *testing.T) {
	e := NewExecutor(newWorkspace(t))

	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "touch x.txt"})
	assert.Contains(t, result, "项目未开启「执行写入命令」权限")
}

func TestExecutor_UnattendedWritesGate(t *testing.T) {
	ws := newWorkspace(t)
	e := NewExecutor(ws)
	e.Permissions[PermExecuteCommand] = true

	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "touch y.txt"})
	assert.Contains(t, result, "无法进行交互审批")

	e.AllowUnattendedWrites = true
	result = e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "touch y.txt"})
	assert.Contains(t, result, "$ touch y.txt")
}

func TestExecuteParallel_PreservesOrder(t *testing.T) {
	ws := newWorkspace(t)
	e := NewExecutor(ws)

	outcomes := e.ExecuteParallel(context.Background(), []llms.ToolCall{
		{ID: "a", Name: ToolReadFile, Arguments: map[string]any{"path": "main.go"}},
		{ID: "b", Name: ToolListDirectory, Arguments: map[string]any{"path": ""}},
		{ID: "c", Name: ToolGetFileTree, Arguments: map[string]any{}},
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, "a", outcomes[0].ID)
	assert.Equal(t, "b", outcomes[1].ID)
	assert.Equal(t, "c", outcomes[2].ID)
	assert.Contains(t, outcomes[0].Result, "📄 main.go")
	assert.Contains(t, outcomes[1].Result, "📂")
	assert.Contains(t, outcomes[2].Result, "🌳")
}

func TestDefinitions_PermissionFiltered(t *testing.T) {
	defs := Definitions(nil)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Contains(t, names, ToolReadFile)
	assert.Contains(t, names, ToolRunCommand)
	assert.Contains(t, names, ToolAskUser)

	defs = Definitions(PermissionSet([]string{PermReadSource}))
	require.Len(t, defs, 1)
	assert.Equal(t, ToolReadFile, defs[0].Name)
}
