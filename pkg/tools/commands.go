package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	commandTimeout  = 30 * time.Second
	maxCmdOutput    = 8000
	toolTimeout     = 10 * time.Second
	writeCmdTimeout = 2 * commandTimeout
)

// readonlyCommands whitelists commands for unattended execution. A nil
// subcommand set allows every invocation; otherwise the first argument
// must be listed.
var readonlyCommands = map[string]map[string]bool{
	"git": {
		"log": true, "diff": true, "show": true, "status": true, "branch": true,
		"tag": true, "describe": true, "rev-parse": true, "ls-files": true,
		"blame": true, "shortlog": true, "remote": true, "stash": true,
	},
	"ls": nil, "cat": nil, "head": nil, "tail": nil,
	"find": nil, "grep": nil, "wc": nil, "file": nil,
	"diff": nil, "pwd": nil, "echo": nil, "which": nil,
	"du": nil, "stat": nil, "realpath": nil, "dirname": nil,
	"basename": nil, "env": nil, "uname": nil, "whoami": nil,
	"date": nil, "tree": nil, "less": nil, "more": nil,
	"sort": nil, "uniq": nil, "awk": nil, "sed": nil,
	"cut": nil, "tr": nil, "xargs": nil,
	"python3":        {"-c": true, "--version": true, "-V": true},
	"python":         {"-c": true, "--version": true, "-V": true},
	"node":           {"-e": true, "--version": true, "-v": true},
	"docker":         {"ps": true, "images": true, "logs": true, "inspect": true, "stats": true, "top": true, "version": true, "info": true},
	"docker-compose": {"ps": true, "logs": true, "config": true, "images": true},
}

// lethalPatterns block execution unconditionally.
var lethalPatterns = []string{"rm -rf /", "mkfs", "> /dev/", ":(){ :|:& };:", "shutdown", "reboot"}

var (
	redirectPattern = regexp.MustCompile(`>{1,2}`)
	pipeTeePattern  = regexp.MustCompile(`\|\s*tee\b`)
)

// IsReadonlyCommand reports whether the command may run unattended.
// It rejects write operators outright, then requires every pipe
// segment to match the whitelist.
func IsReadonlyCommand(commandStr string) bool {
	stripped := strings.TrimSpace(commandStr)
	if stripped == "" {
		return false
	}

	if redirectPattern.MatchString(stripped) {
		return false
	}
	if strings.Contains(stripped, "&&") || strings.Contains(stripped, ";") {
		return false
	}
	if pipeTeePattern.MatchString(stripped) {
		return false
	}
	if strings.Contains(stripped, "`") || strings.Contains(stripped, "$(") {
		return false
	}

	for _, seg := range strings.Split(stripped, "|") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts := strings.Fields(seg)
		if len(parts) == 0 {
			return false
		}
		cmd := filepath.Base(parts[0])

		allowedSubs, listed := readonlyCommands[cmd]
		if !listed {
			return false
		}
		if allowedSubs == nil {
			continue
		}
		if len(parts) < 2 || allowedSubs[parts[1]] {
			continue
		}
		return false
	}

	return true
}

func containsLethalPattern(command string) string {
	for _, pattern := range lethalPatterns {
		if strings.Contains(command, pattern) {
			return pattern
		}
	}
	return ""
}

func formatCommandOutput(command string, stdout, stderr []byte, exitCode int) string {
	out := strings.TrimSpace(string(stdout))
	errText := strings.TrimSpace(string(stderr))

	if len(out) > maxCmdOutput {
		out = out[:maxCmdOutput] + fmt.Sprintf("\n\n... (输出已截断至 %d 字符)", maxCmdOutput)
	}

	result := fmt.Sprintf("$ %s\n", command)
	if out != "" {
		result += "\n" + out
	}
	if errText != "" {
		result += "\n(stderr) " + errText
	}
	if exitCode != 0 {
		result += fmt.Sprintf("\n(exit code: %d)", exitCode)
	}
	return result
}

// runShell executes one shell command inside the workspace with the
// given timeout and returns the formatted transcript.
func runShell(ctx context.Context, command, workspace string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("⚠️ 命令执行超时 (%ds): %s", int(timeout.Seconds()), command)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Sprintf("⚠️ 命令执行失败: %v", err)
		}
	}
	return formatCommandOutput(command, stdout.Bytes(), stderr.Bytes(), exitCode)
}

// runReadonlyCommand executes a whitelisted command.
func runReadonlyCommand(ctx context.Context, args map[string]any, workspace string) string {
	command := strings.TrimSpace(argString(args, "command"))
	if command == "" {
		return "⚠️ 请指定要执行的命令"
	}

	if pattern := containsLethalPattern(command); pattern != "" {
		return fmt.Sprintf("⚠️ 命令包含危险模式: '%s'，已阻止执行", pattern)
	}

	if !IsReadonlyCommand(command) {
		return fmt.Sprintf(
			"⚠️ 此命令不在只读白名单中，需要 '执行任意命令' 权限。\n"+
				"命令: %s\n\n"+
				"只读命令示例: git log, git diff, ls, cat, grep, find, python3 -c 等\n"+
				"如需执行此命令，请让项目管理员开启 'execute_command' 权限。", command)
	}

	return runShell(ctx, command, workspace, commandTimeout)
}

// runUnrestrictedCommand executes an arbitrary command. Callers gate
// this behind the execute_command permission and the approval flow.
func runUnrestrictedCommand(ctx context.Context, args map[string]any, workspace string) string {
	command := strings.TrimSpace(argString(args, "command"))
	if command == "" {
		return "⚠️ 请指定要执行的命令"
	}

	if pattern := containsLethalPattern(command); pattern != "" {
		return fmt.Sprintf("⚠️ 命令包含极端危险模式: '%s'，已阻止执行", pattern)
	}

	return runShell(ctx, command, workspace, writeCmdTimeout)
}
