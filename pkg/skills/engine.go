// Package skills turns skills from prompt templates into composable
// capability modules: structured prompt assembly, tool preference
// ordering, output validation and conflict detection.
package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/atelier-ai/studio/pkg/llms"
)

// Example is one few-shot input/output pair.
type Example struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// Spec describes one skill.
type Spec struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	Category          string    `json:"category" yaml:"category"`
	Icon              string    `json:"icon" yaml:"icon"`
	Description       string    `json:"description" yaml:"description"`
	InstructionPrompt string    `json:"instruction_prompt" yaml:"instruction_prompt"`
	OutputFormat      string    `json:"output_format" yaml:"output_format"`
	Examples          []Example `json:"examples,omitempty" yaml:"examples,omitempty"`
	Constraints       []string  `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	RecommendedTools  []string  `json:"recommended_tools,omitempty" yaml:"recommended_tools,omitempty"`
	Tags              []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled           bool      `json:"enabled" yaml:"enabled"`
}

// Prompt is the assembled skill block for one conversation.
type Prompt struct {
	SystemBlock string
	ToolHints   []string
	Constraints []string
}

// ValidationResult reports whether an output matches a skill's
// declared format.
type ValidationResult struct {
	Valid  bool
	Issues []string
}

// Engine assembles skill prompts and checks outputs against them.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Compose merges the active skills into one prompt block. Tool hints
// and constraints are deduplicated preserving first occurrence.
func (e *Engine) Compose(specs []*Spec) Prompt {
	if len(specs) == 0 {
		return Prompt{}
	}

	var blocks []string
	var toolHints []string
	var constraints []string
	seenTools := make(map[string]bool)
	seenConstraints := make(map[string]bool)

	for _, spec := range specs {
		if block := buildSkillBlock(spec); block != "" {
			blocks = append(blocks, block)
		}
		for _, tool := range spec.RecommendedTools {
			if !seenTools[tool] {
				seenTools[tool] = true
				toolHints = append(toolHints, tool)
			}
		}
		for _, constraint := range spec.Constraints {
			if !seenConstraints[constraint] {
				seenConstraints[constraint] = true
				constraints = append(constraints, constraint)
			}
		}
	}

	systemBlock := ""
	if len(blocks) > 0 {
		systemBlock = "## 活跃技能\n\n" + strings.Join(blocks, "\n\n")
		if len(constraints) > 0 {
			systemBlock += "\n\n### 全局约束\n"
			for _, constraint := range constraints {
				systemBlock += fmt.Sprintf("- %s\n", constraint)
			}
		}
	}

	return Prompt{
		SystemBlock: systemBlock,
		ToolHints:   toolHints,
		Constraints: constraints,
	}
}

func buildSkillBlock(spec *Spec) string {
	icon := spec.Icon
	if icon == "" {
		icon = "⚡"
	}
	parts := []string{fmt.Sprintf("### %s 技能: %s", icon, spec.Name)}

	if spec.Description != "" {
		parts = append(parts, fmt.Sprintf("_%s_", spec.Description))
	}
	if spec.InstructionPrompt != "" {
		parts = append(parts, spec.InstructionPrompt)
	}
	if spec.OutputFormat != "" {
		parts = append(parts, fmt.Sprintf("\n**输出格式:**\n```\n%s\n```", spec.OutputFormat))
	}

	if len(spec.Examples) > 0 {
		parts = append(parts, "\n**示例:**")
		examples := spec.Examples
		if len(examples) > 3 {
			examples = examples[:3]
		}
		for i, example := range examples {
			if example.Input == "" || example.Output == "" {
				continue
			}
			parts = append(parts, fmt.Sprintf("\n示例 %d:", i+1))
			parts = append(parts, fmt.Sprintf("输入: %s", example.Input))
			parts = append(parts, fmt.Sprintf("输出: %s", example.Output))
		}
	}

	if len(spec.RecommendedTools) > 0 {
		quoted := make([]string, 0, len(spec.RecommendedTools))
		for _, tool := range spec.RecommendedTools {
			quoted = append(quoted, fmt.Sprintf("`%s`", tool))
		}
		parts = append(parts, fmt.Sprintf("\n推荐工具: %s", strings.Join(quoted, ", ")))
	}

	if len(spec.Constraints) > 0 {
		parts = append(parts, "\n约束:")
		for _, constraint := range spec.Constraints {
			parts = append(parts, fmt.Sprintf("  - %s", constraint))
		}
	}

	return strings.Join(parts, "\n")
}

// PrioritizeTools moves recommended tools to the front, keeping the
// original order otherwise.
func (e *Engine) PrioritizeTools(available []llms.ToolDefinition, hints []string) []llms.ToolDefinition {
	if len(hints) == 0 {
		return available
	}

	hintSet := make(map[string]bool, len(hints))
	for _, hint := range hints {
		hintSet[hint] = true
	}

	var prioritized, rest []llms.ToolDefinition
	for _, tool := range available {
		if hintSet[tool.Name] {
			prioritized = append(prioritized, tool)
		} else {
			rest = append(rest, tool)
		}
	}
	return append(prioritized, rest...)
}

var (
	formatHeaderPattern      = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	formatPlaceholderPattern = regexp.MustCompile(`\{(\w+)\}`)
)

// ValidateOutput checks an LLM output against the skill's declared
// format: JSON parseability when the format asks for JSON, section
// headers present, placeholders filled.
func (e *Engine) ValidateOutput(output string, spec *Spec) ValidationResult {
	if spec == nil || spec.OutputFormat == "" {
		return ValidationResult{Valid: true}
	}

	var issues []string
	format := strings.TrimSpace(spec.OutputFormat)

	if strings.Contains(strings.ToLower(format), "json") || strings.HasPrefix(format, "{") {
		var decoded any
		if err := json.Unmarshal([]byte(output), &decoded); err != nil {
			issues = append(issues, "输出不是有效的 JSON 格式")
		}
	}

	outputLower := strings.ToLower(output)
	for _, match := range formatHeaderPattern.FindAllStringSubmatch(format, -1) {
		header := match[1]
		if !strings.Contains(outputLower, strings.ToLower(header)) {
			issues = append(issues, fmt.Sprintf("缺少章节: %s", header))
		}
	}

	for _, match := range formatPlaceholderPattern.FindAllStringSubmatch(format, -1) {
		placeholder := "{" + match[1] + "}"
		if strings.Contains(output, placeholder) {
			issues = append(issues, fmt.Sprintf("占位符未填充: %s", placeholder))
		}
	}

	return ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// DetectConflicts flags skill combinations likely to confuse the
// model, such as competing output formats or review + coding at once.
func (e *Engine) DetectConflicts(specs []*Spec) []string {
	var conflicts []string

	var withFormat []string
	for _, spec := range specs {
		if spec.OutputFormat != "" {
			withFormat = append(withFormat, spec.Name)
		}
	}
	if len(withFormat) > 1 {
		conflicts = append(conflicts, fmt.Sprintf(
			"多个技能指定了输出格式: %s。将优先使用第一个 (%s) 的格式。",
			strings.Join(withFormat, ", "), withFormat[0]))
	}

	categories := make(map[string]bool)
	for _, spec := range specs {
		categories[spec.Category] = true
	}
	if categories["review"] && categories["coding"] {
		conflicts = append(conflicts, "同时激活了代码审查和编码技能, AI 可能在审查和修改之间角色混淆。")
	}

	return conflicts
}
