package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/atelier-ai/studio/pkg/agent"
	"github.com/atelier-ai/studio/pkg/llms"
	"github.com/atelier-ai/studio/pkg/tools"
)

// ChatCmd runs an interactive agent session in the terminal.
type ChatCmd struct {
	Model   string   `help:"Model id (defaults to llm.model from config)."`
	Project string   `help:"Project id for memory and budget scoping."`
	Skills  []string `help:"Active skill ids." sep:","`
	NoRAG   bool     `name:"no-rag" help:"Disable retrieval context."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		app.executor.ApprovalFn = terminalApproval(reader)
	}

	sessionID := llms.NewRequestID()
	fmt.Println("Studio chat — 输入 exit 退出")

	var history []llms.Message
	for {
		fmt.Print("\n> ")
		if !reader.Scan() {
			break
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		check := app.budget.Check(sessionID, c.Project)
		for _, warning := range check.Warnings {
			fmt.Println("⚠️ ", warning)
		}
		if !check.Allowed {
			continue
		}

		userMessage := llms.Message{Role: "user", Content: line}
		history = append(history, userMessage)

		input, compacted := app.prepareTurn(ctx, history, turnOptions{
			ProjectID:  c.Project,
			Query:      line,
			Model:      c.Model,
			SkillIDs:   c.Skills,
			RAGEnabled: !c.NoRAG,
		})
		history = compacted

		start := time.Now()
		assistant, tokensUsed := c.renderEvents(app.agent.Run(ctx, input))
		fmt.Println()

		if assistant != "" {
			history = append(history, llms.Message{Role: "assistant", Content: assistant})
		}
		app.recordUsage(sessionID, c.Project, tokensUsed, time.Since(start))

		if c.Project != "" {
			app.extractor.ExtractFromMessages(ctx, []llms.Message{userMessage}, c.Project, true)
		}
	}
	return reader.Err()
}

// renderEvents prints the event stream and returns the assistant text
// and total token usage of the turn.
func (c *ChatCmd) renderEvents(events <-chan agent.Event) (string, int) {
	var assistant strings.Builder
	tokensUsed := 0

	for event := range events {
		switch event.Type {
		case agent.EventContent:
			text, _ := event.Data["content"].(string)
			fmt.Print(text)
			assistant.WriteString(text)

		case agent.EventThinking:
			// reasoning traces stay off the transcript

		case agent.EventToolCall:
			if call, ok := event.Data["tool_call"].(map[string]any); ok {
				fmt.Printf("\n🔧 %v\n", call["name"])
			}

		case agent.EventToolResult:
			fmt.Printf("   ↳ 完成 (%v ms)\n", event.Data["duration_ms"])

		case agent.EventToolError:
			fmt.Printf("   ↳ %v\n", event.Data["error"])

		case agent.EventUsage:
			if usage, ok := event.Data["usage"].(map[string]any); ok {
				if total, ok := usage["total_tokens"].(int); ok {
					tokensUsed = total
				}
			}

		case agent.EventAskUserPending:
			// the next REPL line answers the agent's question

		case agent.EventError:
			fmt.Printf("\n%v\n", event.Data["error"])
		}
	}
	return assistant.String(), tokensUsed
}

// terminalApproval asks the user to confirm one write command on the
// controlling terminal.
func terminalApproval(reader *bufio.Scanner) tools.ApprovalFunc {
	return func(_ context.Context, command string) (tools.Approval, error) {
		fmt.Printf("\n⚠️ AI 请求执行写入命令:\n  %s\n允许执行? [y=本次 / s=本会话 / N=拒绝]: ", command)
		if !reader.Scan() {
			return tools.Approval{}, reader.Err()
		}
		switch strings.ToLower(strings.TrimSpace(reader.Text())) {
		case "y", "yes":
			return tools.Approval{Approved: true, Scope: "once"}, nil
		case "s", "session":
			return tools.Approval{Approved: true, Scope: "session"}, nil
		default:
			return tools.Approval{Approved: false, Reason: "用户拒绝"}, nil
		}
	}
}
