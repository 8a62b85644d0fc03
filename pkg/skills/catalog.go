package skills

import (
	"sort"

	"github.com/atelier-ai/studio/pkg/registry"
)

// Builtin skill ids.
const (
	SkillRequirementClarify = "requirement-clarification"
	SkillAPIDesign          = "api-design"
	SkillCodeReview         = "code-review"
	SkillTestDesign         = "test-case-design"
	SkillTechEvaluation     = "tech-evaluation"
	SkillDocWriting         = "doc-writing"
)

// BuiltinSkills seed the catalog.
func BuiltinSkills() []*Spec {
	return []*Spec{
		{
			ID:          SkillRequirementClarify,
			Name:        "需求澄清",
			Icon:        "🔍",
			Category:    "analysis",
			Description: "通过结构化追问帮助用户明确和细化需求",
			InstructionPrompt: "你正在执行需求澄清技能。请遵循以下方法论:\n" +
				"1. 仔细阅读用户的需求描述\n" +
				"2. 识别模糊、矛盾或缺失的点\n" +
				"3. 按优先级提出澄清问题 (最多 5 个)\n" +
				"4. 每个问题应包含: 问题本身 + 为什么需要澄清 + 可能的选项\n" +
				"5. 根据用户回答更新需求理解",
			OutputFormat: "## 需求理解\n{requirement_summary}\n\n" +
				"## 待澄清问题\n1. {question}\n   - 原因: {reason}\n   - 选项: {options}\n\n" +
				"## 假设 (需确认)\n- {assumption}",
			Constraints:      []string{"不要自行假设关键业务决策", "保持问题简洁明了"},
			RecommendedTools: []string{"read_file", "search_text"},
			Tags:             []string{"需求", "分析", "沟通"},
			Enabled:          true,
		},
		{
			ID:          SkillAPIDesign,
			Name:        "API 设计",
			Icon:        "🔌",
			Category:    "coding",
			Description: "设计 RESTful API 端点和数据模型",
			InstructionPrompt: "你正在执行 API 设计技能。请遵循以下流程:\n" +
				"1. 分析需求，识别需要的资源 (Resource)\n" +
				"2. 为每个资源设计 CRUD + 自定义端点\n" +
				"3. 定义请求/响应 Schema\n" +
				"4. 考虑分页、过滤、错误处理\n" +
				"5. 评审一致性和 RESTful 风格",
			OutputFormat: "## API 端点设计\n\n" +
				"### {resource}\n" +
				"| Method | Path | Description | Request | Response |\n" +
				"|--------|------|-------------|---------|----------|\n" +
				"| {method} | {path} | {desc} | {req} | {res} |",
			Constraints:      []string{"遵循 RESTful 命名规范", "错误响应使用统一格式", "包含版本前缀"},
			RecommendedTools: []string{"read_file", "search_text", "list_directory"},
			Tags:             []string{"API", "设计", "REST"},
			Enabled:          true,
		},
		{
			ID:          SkillCodeReview,
			Name:        "代码审查",
			Icon:        "👁️",
			Category:    "review",
			Description: "审查代码质量、安全性和最佳实践",
			InstructionPrompt: "你正在执行代码审查技能。请按以下维度审查:\n" +
				"1. **正确性**: 逻辑是否正确，边界条件是否处理\n" +
				"2. **安全性**: SQL 注入、XSS、路径遍历等风险\n" +
				"3. **性能**: 是否有 N+1、内存泄漏、不必要的计算\n" +
				"4. **可读性**: 命名、注释、代码组织\n" +
				"5. **架构**: 是否符合项目规范，是否有过度设计\n\n" +
				"使用工具读取相关代码文件后再审查。",
			OutputFormat: "## 代码审查报告\n\n" +
				"### 总评\n{overview}\n\n" +
				"### 问题列表\n" +
				"| # | 严重度 | 文件:行 | 问题 | 建议 |\n" +
				"|---|--------|---------|------|------|\n" +
				"| {n} | {severity} | {location} | {issue} | {suggestion} |",
			Examples: []Example{{
				Input:  "审查 backend/api/projects.py",
				Output: "## 代码审查报告\n\n### 总评\n整体质量良好...\n\n### 问题列表\n| # | 严重度 | 文件:行 | 问题 | 建议 |\n|---|--------|---------|------|------|\n| 1 | 中 | projects.py:45 | SQL 未参数化 | 使用 SQLAlchemy ORM |",
			}},
			Constraints:      []string{"必须先读取代码再审查", "按严重度排序问题", "提供具体的修复建议"},
			RecommendedTools: []string{"read_file", "search_text", "list_directory", "get_file_tree"},
			Tags:             []string{"审查", "质量", "安全"},
			Enabled:          true,
		},
		{
			ID:          SkillTestDesign,
			Name:        "测试用例设计",
			Icon:        "🧪",
			Category:    "testing",
			Description: "设计全面的测试用例覆盖方案",
			InstructionPrompt: "你正在执行测试用例设计技能:\n" +
				"1. 分析被测功能的所有分支和边界条件\n" +
				"2. 采用等价类 + 边界值分析方法\n" +
				"3. 包含正向、反向、异常测试\n" +
				"4. 为关键路径设计端到端场景\n" +
				"5. 估算优先级和测试时间",
			OutputFormat: "## 测试用例\n\n" +
				"| ID | 类型 | 描述 | 输入 | 预期结果 | 优先级 |\n" +
				"|----|----- |------|------|----------|--------|\n" +
				"| TC-{n} | {type} | {desc} | {input} | {expected} | {priority} |",
			Constraints:      []string{"覆盖所有主要分支", "包含至少一个性能测试场景"},
			RecommendedTools: []string{"read_file", "search_text"},
			Tags:             []string{"测试", "质量"},
			Enabled:          true,
		},
		{
			ID:          SkillTechEvaluation,
			Name:        "技术方案评估",
			Icon:        "⚖️",
			Category:    "analysis",
			Description: "多维度评估技术方案的可行性和风险",
			InstructionPrompt: "你正在执行技术方案评估技能:\n" +
				"1. 理解方案目标和约束条件\n" +
				"2. 从以下维度评估:\n" +
				"   - 技术可行性 (现有技术栈兼容性)\n" +
				"   - 开发成本 (人力 × 时间)\n" +
				"   - 性能影响 (延迟、吞吐、资源)\n" +
				"   - 维护成本 (复杂度、依赖)\n" +
				"   - 风险 (技术风险、业务风险)\n" +
				"3. 如有替代方案，进行对比\n" +
				"4. 给出明确建议",
			OutputFormat: "## 方案评估\n\n" +
				"### 评估维度\n" +
				"| 维度 | 评分(1-5) | 说明 |\n" +
				"|------|-----------|------|\n" +
				"| {dimension} | {score} | {explanation} |\n\n" +
				"### 风险项\n- {risk}\n\n" +
				"### 建议\n{recommendation}",
			Constraints:      []string{"必须量化评估", "风险项需标注概率和影响"},
			RecommendedTools: []string{"read_file", "search_text", "get_file_tree"},
			Tags:             []string{"评估", "架构", "决策"},
			Enabled:          true,
		},
		{
			ID:          SkillDocWriting,
			Name:        "文档撰写",
			Icon:        "📝",
			Category:    "writing",
			Description: "撰写清晰、结构化的技术文档",
			InstructionPrompt: "你正在执行文档撰写技能:\n" +
				"1. 确定文档类型 (API 文档/设计文档/用户指南/README)\n" +
				"2. 使用适当的 Markdown 格式\n" +
				"3. 包含: 概述、快速开始、详细说明、FAQ\n" +
				"4. 代码示例必须可运行\n" +
				"5. 适当使用表格、流程图",
			Constraints:      []string{"代码示例必须完整可运行", "使用中文撰写", "段落不超过 5 行"},
			RecommendedTools: []string{"read_file", "search_text", "get_file_tree"},
			Tags:             []string{"文档", "写作"},
			Enabled:          true,
		},
	}
}

// Catalog holds the available skills, seeded with the builtins.
type Catalog struct {
	reg *registry.BaseRegistry[*Spec]
}

func NewCatalog() *Catalog {
	c := &Catalog{reg: registry.NewBaseRegistry[*Spec]()}
	for _, spec := range BuiltinSkills() {
		_ = c.reg.Register(spec.ID, spec)
	}
	return c
}

// Add registers or replaces a skill.
func (c *Catalog) Add(spec *Spec) error {
	return c.reg.Set(spec.ID, spec)
}

// Get returns one skill by id.
func (c *Catalog) Get(id string) (*Spec, bool) {
	return c.reg.Get(id)
}

// List returns skills in registration order, optionally filtered by
// category. Disabled skills are excluded unless includeDisabled.
func (c *Catalog) List(category string, includeDisabled bool) []*Spec {
	var out []*Spec
	for _, spec := range c.reg.List() {
		if !includeDisabled && !spec.Enabled {
			continue
		}
		if category != "" && spec.Category != category {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// Load resolves skill ids to enabled specs, preserving the requested
// order. Unknown and disabled ids are dropped.
func (c *Catalog) Load(ids []string) []*Spec {
	var out []*Spec
	for _, id := range ids {
		if spec, ok := c.reg.Get(id); ok && spec.Enabled {
			out = append(out, spec)
		}
	}
	return out
}

// Categories lists the distinct categories of enabled skills, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[string]bool)
	for _, spec := range c.reg.List() {
		if spec.Enabled && spec.Category != "" {
			seen[spec.Category] = true
		}
	}
	out := make([]string, 0, len(seen))
	for category := range seen {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Composer bridges the catalog and engine for prompt assembly.
type Composer struct {
	catalog *Catalog
	engine  *Engine
}

func NewComposer(catalog *Catalog, engine *Engine) *Composer {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if engine == nil {
		engine = NewEngine()
	}
	return &Composer{catalog: catalog, engine: engine}
}

// Compose renders the prompt block for a set of skill ids.
func (c *Composer) Compose(skillIDs []string) string {
	return c.engine.Compose(c.catalog.Load(skillIDs)).SystemBlock
}

// Hints returns the recommended tool names for a set of skill ids.
func (c *Composer) Hints(skillIDs []string) []string {
	return c.engine.Compose(c.catalog.Load(skillIDs)).ToolHints
}
