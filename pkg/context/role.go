package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/atelier-ai/studio/pkg/tools"
)

// AntiFabricationHeader opens the prompt whenever command execution is
// permitted. Non-trimmable: dropping it re-opens fabricated tool
// output.
const AntiFabricationHeader = "⚠️ 你可以调用提供的工具(function calling)来执行命令、读取文件等操作。\n" +
	"严禁在文本中编造或伪造命令执行结果，你必须通过 tool_call 调用工具来获取真实结果。\n" +
	"如果你需要执行命令，请使用 run_command 工具。\n\n"

// DefaultPersona is used when the role carries no system prompt.
const DefaultPersona = "你是一个专业的 AI 助手，帮助用户分析和解决问题。"

// DefaultToolStrategy teaches the model when to reach for which tool.
const DefaultToolStrategy = `## 工具使用策略
你可以使用以下工具来精准获取项目信息:
1. **ask_user**: 需要澄清需求时向用户提问
2. **get_file_tree**: 获取项目目录结构 (建议对话开始时调用一次)
3. **search_text**: 搜索代码 (务必指定 include_pattern)
4. **read_file**: 读取文件 (配合 search_text 的行号使用 start_line)
5. **list_directory**: 查看目录详细内容
6. **run_command**: 执行命令 (只读命令直接执行, 写命令需授权)

⚠️ 调用工具后等待真实结果再继续，不要提前编造结果。
`

// Role describes the active persona.
type Role struct {
	SystemPrompt       string
	ToolStrategyPrompt string
}

// SkillComposer renders the prompt block for a set of active skills.
type SkillComposer interface {
	Compose(skillIDs []string) string
}

// RoleSource emits the persona, safety rules, project header, tool
// strategy and active skills.
type RoleSource struct {
	role     Role
	composer SkillComposer
}

func NewRoleSource(role Role, composer SkillComposer) *RoleSource {
	return &RoleSource{role: role, composer: composer}
}

func (s *RoleSource) Name() string  { return "role" }
func (s *RoleSource) Priority() int { return 10 }

func (s *RoleSource) Gather(_ stdcontext.Context, _ int, input *BuildInput) ([]Section, error) {
	var sections []Section

	if hasExecutePermission(input.ToolPermissions) {
		sections = append(sections, Section{
			Name:     "安全规则",
			Content:  AntiFabricationHeader,
			Priority: 0,
		})
	}

	persona := s.role.SystemPrompt
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	sections = append(sections, Section{
		Name:     "角色人设",
		Content:  persona,
		Priority: 5,
	})

	if input.ProjectTitle != "" {
		content := fmt.Sprintf("## 当前项目\n- 名称: %s", input.ProjectTitle)
		if input.ProjectDescription != "" {
			content += fmt.Sprintf("\n- 描述: %s", input.ProjectDescription)
		}
		sections = append(sections, Section{
			Name:      "项目信息",
			Content:   content,
			Priority:  15,
			Trimmable: true,
		})
	}

	strategy := s.role.ToolStrategyPrompt
	if strings.TrimSpace(strategy) == "" {
		strategy = DefaultToolStrategy
	}
	sections = append(sections, Section{
		Name:      "工具策略",
		Content:   strategy,
		Priority:  20,
		Trimmable: true,
	})

	if s.composer != nil && len(input.SkillIDs) > 0 {
		if content := s.composer.Compose(input.SkillIDs); strings.TrimSpace(content) != "" {
			sections = append(sections, Section{
				Name:      "活跃技能",
				Content:   content,
				Priority:  25,
				Trimmable: true,
			})
		}
	}

	return sections, nil
}

func hasExecutePermission(perms []string) bool {
	for _, perm := range perms {
		if perm == tools.PermExecuteReadonly || perm == tools.PermExecuteCommand {
			return true
		}
	}
	return false
}
