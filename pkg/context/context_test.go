package context

import (
	stdcontext "context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/capabilities"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/memory"
	"github.com/atelier-ai/studio/pkg/rag"
	"github.com/atelier-ai/studio/pkg/store"
	"github.com/atelier-ai/studio/pkg/tools"
)

type staticSource struct {
	name     string
	priority int
	sections []Section
	err      error
}

func (s *staticSource) Name() string  { return s.name }
func (s *staticSource) Priority() int { return s.priority }
func (s *staticSource) Gather(stdcontext.Context, int, *BuildInput) ([]Section, error) {
	return s.sections, s.err
}

func TestBuilderPriorityOrder(t *testing.T) {
	builder := NewBuilder(
		&staticSource{name: "low", priority: 50, sections: []Section{{Name: "b", Content: "second"}}},
		&staticSource{name: "high", priority: 10, sections: []Section{{Name: "a", Content: "first"}}},
	)

	prompt, sections := builder.Build(stdcontext.Background(), 1000, nil)
	assert.Equal(t, "first\n\nsecond", prompt)
	require.Len(t, sections, 2)
	assert.Equal(t, "a", sections[0].Name)
}

func TestBuilderTrimsOversized(t *testing.T) {
	long := strings.Repeat("x", 4000) // ~1000 tokens
	builder := NewBuilder(&staticSource{name: "big", priority: 10, sections: []Section{
		{Name: "big", Content: long, Trimmable: true},
	}})

	prompt, sections := builder.Build(stdcontext.Background(), 100, nil)
	require.Len(t, sections, 1)
	assert.True(t, strings.HasSuffix(prompt, TruncationMarker))
	assert.Less(t, len(prompt), len(long))
	assert.LessOrEqual(t, sections[0].Tokens, 100)
}

func TestBuilderSkipsUntrimmable(t *testing.T) {
	builder := NewBuilder(
		&staticSource{name: "big", priority: 10, sections: []Section{
			{Name: "big", Content: strings.Repeat("x", 4000)},
		}},
		&staticSource{name: "small", priority: 20, sections: []Section{
			{Name: "small", Content: "fits"},
		}},
	)

	prompt, sections := builder.Build(stdcontext.Background(), 100, nil)
	require.Len(t, sections, 1)
	assert.Equal(t, "small", sections[0].Name)
	assert.Equal(t, "fits", prompt)
}

func TestBuilderSourceErrorSkipped(t *testing.T) {
	builder := NewBuilder(
		&staticSource{name: "broken", priority: 10, err: fmt.Errorf("boom")},
		&staticSource{name: "ok", priority: 20, sections: []Section{{Name: "ok", Content: "still here"}}},
	)

	prompt, _ := builder.Build(stdcontext.Background(), 1000, nil)
	assert.Equal(t, "still here", prompt)
}

func TestRoleSourceSections(t *testing.T) {
	source := NewRoleSource(Role{}, nil)
	sections, err := source.Gather(stdcontext.Background(), 1000, &BuildInput{
		ProjectTitle:       "demo",
		ProjectDescription: "a demo project",
		ToolPermissions:    []string{tools.PermExecuteReadonly},
	})
	require.NoError(t, err)
	require.Len(t, sections, 4)

	assert.Equal(t, "安全规则", sections[0].Name)
	assert.Equal(t, AntiFabricationHeader, sections[0].Content)
	assert.False(t, sections[0].Trimmable)

	assert.Equal(t, "角色人设", sections[1].Name)
	assert.Equal(t, DefaultPersona, sections[1].Content)

	assert.Equal(t, "项目信息", sections[2].Name)
	assert.Equal(t, "## 当前项目\n- 名称: demo\n- 描述: a demo project", sections[2].Content)

	assert.Equal(t, "工具策略", sections[3].Name)
	assert.Equal(t, DefaultToolStrategy, sections[3].Content)
}

func TestRoleSourceNoExecutePermission(t *testing.T) {
	source := NewRoleSource(Role{SystemPrompt: "你是架构师。", ToolStrategyPrompt: "只用 read_file。"}, nil)
	sections, err := source.Gather(stdcontext.Background(), 1000, &BuildInput{
		ToolPermissions: []string{tools.PermSearch},
	})
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, "角色人设", sections[0].Name)
	assert.Equal(t, "你是架构师。", sections[0].Content)
	assert.Equal(t, "只用 read_file。", sections[1].Content)
}

type fakeComposer struct{ out string }

func (f *fakeComposer) Compose([]string) string { return f.out }

func TestRoleSourceSkills(t *testing.T) {
	source := NewRoleSource(Role{}, &fakeComposer{out: "## 活跃技能\n\n### 🔍 技能: 需求澄清"})
	sections, err := source.Gather(stdcontext.Background(), 1000, &BuildInput{
		SkillIDs: []string{"requirement-clarification"},
	})
	require.NoError(t, err)

	last := sections[len(sections)-1]
	assert.Equal(t, "活跃技能", last.Name)
	assert.Equal(t, 25, last.Priority)
	assert.Contains(t, last.Content, "需求澄清")
}

func TestWorkspaceSource(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("README.md", "# demo\n\na demo service\n")
	var longLines []string
	for i := 0; i < 250; i++ {
		longLines = append(longLines, fmt.Sprintf("module line %d", i))
	}
	write("go.mod", strings.Join(longLines, "\n"))
	write("src/main.go", "package main")
	write("src/__snapshots__/skip.txt", "ignored")
	write("node_modules/dep/index.js", "ignored")

	source := NewWorkspaceSource(root)
	sections, err := source.Gather(stdcontext.Background(), 4000, &BuildInput{})
	require.NoError(t, err)
	require.Len(t, sections, 3)

	tree := sections[0]
	assert.Equal(t, "项目结构", tree.Name)
	assert.Contains(t, tree.Content, "## 项目目录结构")
	assert.Contains(t, tree.Content, "├── ")
	assert.Contains(t, tree.Content, "src/")
	assert.NotContains(t, tree.Content, "node_modules")

	files := sections[1]
	assert.Equal(t, "关键文件", files.Name)
	assert.Contains(t, files.Content, "### README.md")
	assert.Contains(t, files.Content, "### go.mod")
	assert.Contains(t, files.Content, "... (截断, 共 250 行)")

	dirs := sections[2]
	assert.Equal(t, "关键目录", dirs.Name)
	assert.Contains(t, dirs.Content, "- `src/`: main.go")
	assert.NotContains(t, dirs.Content, "__snapshots__")
}

func TestWorkspaceSourceMissingRoot(t *testing.T) {
	source := NewWorkspaceSource(filepath.Join(t.TempDir(), "gone"))
	_, err := source.Gather(stdcontext.Background(), 4000, &BuildInput{})
	assert.Error(t, err)
}

type fakeRetriever struct{ results []rag.RetrievalResult }

func (f *fakeRetriever) Retrieve(stdcontext.Context, string, int, string, string) []rag.RetrievalResult {
	return f.results
}

func TestRAGSource(t *testing.T) {
	retriever := &fakeRetriever{results: []rag.RetrievalResult{
		{Content: "func main() {}", Source: "main.go", Score: 0.92},
	}}
	source := NewRAGSource(retriever)

	sections, err := source.Gather(stdcontext.Background(), 1000, &BuildInput{
		RAGEnabled: true,
		Query:      "main entrypoint",
	})
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "RAG 检索", sections[0].Name)
	assert.Contains(t, sections[0].Content, "## 相关代码片段 (自动检索)")
	assert.Contains(t, sections[0].Content, "### main.go (相关度: 0.92)")

	// disabled or no query yields nothing
	sections, err = source.Gather(stdcontext.Background(), 1000, &BuildInput{Query: "x"})
	require.NoError(t, err)
	assert.Empty(t, sections)
	sections, err = source.Gather(stdcontext.Background(), 1000, &BuildInput{RAGEnabled: true})
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestMemorySource(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := stdcontext.Background()
	memStore := memory.NewStore(db)
	_, err = memStore.Add(ctx, &memory.Item{
		Content: "项目使用 PostgreSQL", Type: memory.TypeFact, ProjectID: "p1", Importance: 0.6,
	})
	require.NoError(t, err)
	_, err = memStore.Add(ctx, &memory.Item{
		Content: "选择了 chi 作为路由", Type: memory.TypeDecision, ProjectID: "p1", Importance: 0.7,
		Metadata: map[string]any{"title": "路由框架", "chosen": "chi", "reason": "轻量"},
	})
	require.NoError(t, err)

	source := NewMemorySource(memStore)
	sections, err := source.Gather(ctx, 1000, &BuildInput{MemoryEnabled: true, ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, sections, 2)

	assert.Equal(t, "项目记忆", sections[0].Name)
	assert.Contains(t, sections[0].Content, "## 项目记忆 (长期)\n- 项目使用 PostgreSQL")
	assert.Equal(t, "决策记录", sections[1].Name)
	assert.Contains(t, sections[1].Content, "- **路由框架**: chi (轻量)")

	// disabled or unscoped yields nothing
	sections, err = source.Gather(ctx, 1000, &BuildInput{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, sections)
	sections, err = source.Gather(ctx, 1000, &BuildInput{MemoryEnabled: true})
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestPrepareContextBudgets(t *testing.T) {
	window := NewWindow(capabilities.NewCache())

	messages := []llms.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	managed, usage := window.PrepareContext(messages, "system prompt", "gpt-4", "", nil)

	assert.Len(t, managed, 2)
	assert.Equal(t, 8192, usage.MaxInput)
	assert.Equal(t, 4096, usage.MaxOutput)
	// 8192 - 5% of 4096 - 200
	assert.Equal(t, 8192-204-200, usage.Available)
	assert.Equal(t, 2, usage.KeptMessages)
	assert.Equal(t, 0, usage.DroppedMessages)
	assert.Equal(t, usage.SystemTokens+usage.HistoryTokens, usage.TotalUsed)
}

func TestPrepareContextHistoryFloor(t *testing.T) {
	window := NewWindow(capabilities.NewCache())

	huge := strings.Repeat("x", 40000) // dwarfs gpt-4's window
	_, usage := window.PrepareContext(nil, huge, "gpt-4", "", nil)
	assert.Equal(t, minHistoryBudget, usage.HistoryBudget)
}

func TestTruncateMessagesKeepsNewest(t *testing.T) {
	var messages []llms.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, llms.Message{
			Role:    "user",
			Content: fmt.Sprintf("msg-%d %s", i, strings.Repeat("a", 400)), // ~100 tokens each
		})
	}

	kept, keptCount, dropped := truncateMessages(messages, 600)
	assert.Equal(t, len(kept), keptCount)
	assert.Equal(t, 10-keptCount, dropped)
	require.GreaterOrEqual(t, keptCount, protectedRecent)

	// the newest message survives
	assert.Contains(t, kept[len(kept)-1].Content, "msg-9")
	// the oldest kept message is newer than everything dropped
	assert.Contains(t, kept[0].Content, fmt.Sprintf("msg-%d", 10-keptCount))
}

func TestTruncateMessagesOversizedRecent(t *testing.T) {
	messages := []llms.Message{
		{Role: "user", Content: "small"},
		{Role: "assistant", Content: strings.Repeat("b", 8000)}, // ~2000 tokens
		{Role: "user", Content: "tail"},
	}

	kept, _, _ := truncateMessages(messages, 1000)
	// the oversized protected message was cut to ~30% of the budget
	for _, msg := range kept {
		assert.LessOrEqual(t, len(msg.Content), int(float64(1000)*singleMsgShareCap)*4+len(TruncationMarker))
	}
	// caller's slice is untouched
	assert.Len(t, messages[1].Content, 8000)
}

func TestTruncateMessagesHopelessBudget(t *testing.T) {
	var messages []llms.Message
	for i := 0; i < 6; i++ {
		messages = append(messages, llms.Message{Role: "user", Content: strings.Repeat("c", 4000)})
	}

	kept, keptCount, dropped := truncateMessages(messages, 10)
	assert.Equal(t, MinRecentMessages, keptCount)
	assert.Len(t, kept, MinRecentMessages)
	assert.Equal(t, 4, dropped)
}

func TestBuildUsageSummary(t *testing.T) {
	usage := UsageInfo{
		MaxInput: 8192, MaxOutput: 4096,
		SystemTokens: 100, PlanTokens: 20, ToolsTokens: 30, HistoryTokens: 250,
		TotalUsed: 400, Available: 800, KeptMessages: 3, DroppedMessages: 1,
	}
	sections := []Section{{Name: "角色人设", Content: "persona", Tokens: 10}}
	messages := []llms.Message{{Role: "user", Content: strings.Repeat("x", 500)}}

	summary := BuildUsageSummary(usage, sections, messages, true)
	assert.Equal(t, 50, summary["percentage"])
	assert.Equal(t, map[string]int{"system": 100, "tools": 30, "plan": 20, "history": 250}, summary["breakdown"])
	assert.Equal(t, map[string]int{"kept": 3, "dropped": 1}, summary["messages"])

	details := summary["system_sections"].([]map[string]any)
	require.Len(t, details, 1)
	assert.Equal(t, "角色人设", details[0]["name"])

	msgDetails := summary["message_details"].([]map[string]any)
	require.Len(t, msgDetails, 1)
	assert.Len(t, msgDetails[0]["preview"].(string), 200)

	// percentage saturates
	usage.TotalUsed = 5000
	summary = BuildUsageSummary(usage, nil, nil, false)
	assert.Equal(t, 100, summary["percentage"])
	assert.NotContains(t, summary, "system_sections")
}

type scriptedStreamer struct {
	events []llms.ProviderEvent
	calls  int
}

func (s *scriptedStreamer) Stream(stdcontext.Context, llms.StreamOptions) <-chan llms.ProviderEvent {
	s.calls++
	ch := make(chan llms.ProviderEvent, len(s.events))
	for _, event := range s.events {
		ch <- event
	}
	close(ch)
	return ch
}

func TestSummarizerBelowTrigger(t *testing.T) {
	llmClient := &scriptedStreamer{}
	summarizer := NewSummarizer(llmClient, capabilities.NewCache())

	messages := []llms.Message{
		{Role: "user", Content: "short"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "another"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "last"},
	}
	result, summarized := summarizer.SummarizeIfNeeded(stdcontext.Background(), messages, "", "gpt-4")
	assert.False(t, summarized)
	assert.Equal(t, messages, result)
	assert.Equal(t, 0, llmClient.calls)
}

func bulkyHistory(n int) []llms.Message {
	var messages []llms.Message
	for i := 0; i < n; i++ {
		messages = append(messages, llms.Message{
			Role:    "user",
			Content: fmt.Sprintf("msg-%d %s", i, strings.Repeat("z", 5000)),
		})
	}
	return messages
}

func TestSummarizerCompactsHistory(t *testing.T) {
	llmClient := &scriptedStreamer{events: []llms.ProviderEvent{
		{Type: llms.EventContentDelta, Text: "决定使用 chi 路由，"},
		{Type: llms.EventContentDelta, Text: "数据库选 sqlite。"},
	}}
	summarizer := NewSummarizer(llmClient, capabilities.NewCache())

	messages := bulkyHistory(8) // ~10000 tokens against gpt-4's 8192 window
	result, summarized := summarizer.SummarizeIfNeeded(stdcontext.Background(), messages, "", "gpt-4")
	require.True(t, summarized)
	require.Len(t, result, summaryKeepRecent+1)

	assert.Equal(t, "system", result[0].Role)
	assert.Equal(t, "[上下文摘要] 以下是之前对话的关键信息摘要:\n决定使用 chi 路由，数据库选 sqlite。", result[0].Content)
	assert.Contains(t, result[1].Content, "msg-4")
	assert.Contains(t, result[len(result)-1].Content, "msg-7")
}

func TestSummarizerLLMFailureLeavesHistory(t *testing.T) {
	llmClient := &scriptedStreamer{events: []llms.ProviderEvent{
		{Type: llms.EventError, Error: "rate limited"},
	}}
	summarizer := NewSummarizer(llmClient, capabilities.NewCache())

	messages := bulkyHistory(8)
	result, summarized := summarizer.SummarizeIfNeeded(stdcontext.Background(), messages, "", "gpt-4")
	assert.False(t, summarized)
	assert.Equal(t, messages, result)
	assert.Equal(t, 1, llmClient.calls)
}
