package skills

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/studio/pkg/llms"
)

func TestComposeEmpty(t *testing.T) {
	engine := NewEngine()
	prompt := engine.Compose(nil)
	assert.Empty(t, prompt.SystemBlock)
	assert.Empty(t, prompt.ToolHints)
	assert.Empty(t, prompt.Constraints)
}

func TestComposeSingleSkill(t *testing.T) {
	engine := NewEngine()
	spec := &Spec{
		Name:              "代码审查",
		Icon:              "👁️",
		Description:       "审查代码质量",
		InstructionPrompt: "按维度审查代码。",
		OutputFormat:      "## 代码审查报告\n{overview}",
		Examples:          []Example{{Input: "审查 main.go", Output: "## 代码审查报告\n良好"}},
		Constraints:       []string{"必须先读取代码再审查"},
		RecommendedTools:  []string{"read_file", "search_text"},
	}

	prompt := engine.Compose([]*Spec{spec})
	assert.True(t, strings.HasPrefix(prompt.SystemBlock, "## 活跃技能\n\n### 👁️ 技能: 代码审查"))
	assert.Contains(t, prompt.SystemBlock, "_审查代码质量_")
	assert.Contains(t, prompt.SystemBlock, "按维度审查代码。")
	assert.Contains(t, prompt.SystemBlock, "**输出格式:**\n```\n## 代码审查报告\n{overview}\n```")
	assert.Contains(t, prompt.SystemBlock, "**示例:**")
	assert.Contains(t, prompt.SystemBlock, "示例 1:")
	assert.Contains(t, prompt.SystemBlock, "输入: 审查 main.go")
	assert.Contains(t, prompt.SystemBlock, "推荐工具: `read_file`, `search_text`")
	assert.Contains(t, prompt.SystemBlock, "### 全局约束\n- 必须先读取代码再审查\n")
	assert.Equal(t, []string{"read_file", "search_text"}, prompt.ToolHints)
}

func TestComposeDeduplicates(t *testing.T) {
	engine := NewEngine()
	prompt := engine.Compose([]*Spec{
		{Name: "a", RecommendedTools: []string{"read_file", "search_text"}, Constraints: []string{"保持简洁"}},
		{Name: "b", RecommendedTools: []string{"search_text", "get_file_tree"}, Constraints: []string{"保持简洁", "先读后写"}},
	})

	assert.Equal(t, []string{"read_file", "search_text", "get_file_tree"}, prompt.ToolHints)
	assert.Equal(t, []string{"保持简洁", "先读后写"}, prompt.Constraints)
	assert.Equal(t, 1, strings.Count(prompt.SystemBlock, "- 保持简洁"))
}

func TestComposeDefaultIcon(t *testing.T) {
	engine := NewEngine()
	prompt := engine.Compose([]*Spec{{Name: "裸技能"}})
	assert.Contains(t, prompt.SystemBlock, "### ⚡ 技能: 裸技能")
}

func TestComposeExampleCap(t *testing.T) {
	engine := NewEngine()
	var examples []Example
	for i := 0; i < 5; i++ {
		examples = append(examples, Example{Input: "in", Output: "out"})
	}
	prompt := engine.Compose([]*Spec{{Name: "x", Examples: examples}})
	assert.Equal(t, 3, strings.Count(prompt.SystemBlock, "输入: in"))
}

func TestPrioritizeTools(t *testing.T) {
	engine := NewEngine()
	available := []llms.ToolDefinition{
		{Name: "ask_user"},
		{Name: "read_file"},
		{Name: "run_command"},
		{Name: "search_text"},
	}

	ordered := engine.PrioritizeTools(available, []string{"search_text", "read_file"})
	names := make([]string, 0, len(ordered))
	for _, tool := range ordered {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"read_file", "search_text", "ask_user", "run_command"}, names)

	// no hints leaves the list untouched
	assert.Equal(t, available, engine.PrioritizeTools(available, nil))
}

func TestValidateOutput(t *testing.T) {
	engine := NewEngine()

	// no format always passes
	result := engine.ValidateOutput("anything", &Spec{})
	assert.True(t, result.Valid)

	spec := &Spec{OutputFormat: "## 代码审查报告\n\n### 总评\n{overview}"}

	result = engine.ValidateOutput("## 代码审查报告\n\n### 总评\n整体良好", spec)
	assert.True(t, result.Valid)

	result = engine.ValidateOutput("随便写点什么", spec)
	require.False(t, result.Valid)
	assert.Contains(t, result.Issues, "缺少章节: 代码审查报告")
	assert.Contains(t, result.Issues, "缺少章节: 总评")

	result = engine.ValidateOutput("## 代码审查报告\n\n### 总评\n{overview}", spec)
	require.False(t, result.Valid)
	assert.Contains(t, result.Issues, "占位符未填充: {overview}")

	jsonSpec := &Spec{OutputFormat: `{"name": "..."}`}
	result = engine.ValidateOutput("not json", jsonSpec)
	require.False(t, result.Valid)
	assert.Contains(t, result.Issues, "输出不是有效的 JSON 格式")
	assert.True(t, engine.ValidateOutput(`{"name": "demo"}`, jsonSpec).Valid)
}

func TestDetectConflicts(t *testing.T) {
	engine := NewEngine()

	conflicts := engine.DetectConflicts([]*Spec{
		{Name: "需求澄清", OutputFormat: "## A"},
		{Name: "代码审查", OutputFormat: "## B"},
	})
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0], "多个技能指定了输出格式: 需求澄清, 代码审查")
	assert.Contains(t, conflicts[0], "将优先使用第一个 (需求澄清)")

	conflicts = engine.DetectConflicts([]*Spec{
		{Name: "审查", Category: "review"},
		{Name: "编码", Category: "coding"},
	})
	require.Len(t, conflicts, 1)
	assert.Contains(t, conflicts[0], "角色混淆")

	assert.Empty(t, engine.DetectConflicts([]*Spec{{Name: "solo", OutputFormat: "## X"}}))
}

func TestCatalogBuiltins(t *testing.T) {
	catalog := NewCatalog()

	specs := catalog.List("", false)
	require.Len(t, specs, 6)
	assert.Equal(t, "需求澄清", specs[0].Name)
	assert.Equal(t, "文档撰写", specs[5].Name)

	review, ok := catalog.Get(SkillCodeReview)
	require.True(t, ok)
	assert.Equal(t, "代码审查", review.Name)
	assert.Equal(t, "review", review.Category)
	assert.Equal(t, "👁️", review.Icon)

	analysis := catalog.List("analysis", false)
	require.Len(t, analysis, 2)
	assert.Equal(t, "需求澄清", analysis[0].Name)
	assert.Equal(t, "技术方案评估", analysis[1].Name)

	assert.Equal(t, []string{"analysis", "coding", "review", "testing", "writing"}, catalog.Categories())
}

func TestCatalogLoad(t *testing.T) {
	catalog := NewCatalog()

	specs := catalog.Load([]string{SkillDocWriting, "missing", SkillAPIDesign})
	require.Len(t, specs, 2)
	assert.Equal(t, "文档撰写", specs[0].Name)
	assert.Equal(t, "API 设计", specs[1].Name)

	// disabled skills are dropped
	require.NoError(t, catalog.Add(&Spec{ID: "custom", Name: "自定义", Enabled: false}))
	assert.Empty(t, catalog.Load([]string{"custom"}))
}

func TestComposerBridge(t *testing.T) {
	composer := NewComposer(nil, nil)

	block := composer.Compose([]string{SkillRequirementClarify})
	assert.Contains(t, block, "### 🔍 技能: 需求澄清")
	assert.Contains(t, block, "### 全局约束")

	hints := composer.Hints([]string{SkillCodeReview})
	assert.Equal(t, []string{"read_file", "search_text", "list_directory", "get_file_tree"}, hints)

	assert.Empty(t, composer.Compose(nil))
}
