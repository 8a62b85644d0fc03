// Package workspace manages project checkouts: VCS detection and info
// (git and svn), review and iteration workspaces cloned per project,
// and the cached workspace overview.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/atelier-ai/studio/pkg/config"
)

// Command timeouts.
const (
	defaultCmdTimeout = 120 * time.Second
	cloneTimeout      = 300 * time.Second
	infoTimeout       = 30 * time.Second
	probeTimeout      = 10 * time.Second
)

// CmdResult is the outcome of one VCS command.
type CmdResult struct {
	Code   int
	Stdout string
	Stderr string
}

// execFunc runs one command; injectable for tests.
type execFunc func(ctx context.Context, dir, name string, args, env []string, timeout time.Duration) CmdResult

// Runner executes git and svn commands non-interactively.
type Runner struct {
	cfg *config.WorkspaceConfig
	run execFunc
}

func NewRunner(cfg *config.WorkspaceConfig) *Runner {
	if cfg == nil {
		cfg = &config.WorkspaceConfig{}
	}
	return &Runner{cfg: cfg, run: runCommand}
}

// Git runs a git command in dir with the default timeout.
func (r *Runner) Git(ctx context.Context, dir string, args ...string) CmdResult {
	return r.GitTimeout(ctx, dir, defaultCmdTimeout, args...)
}

// GitTimeout runs a git command with an explicit timeout. Terminal
// prompts are disabled so missing credentials fail instead of hanging.
func (r *Runner) GitTimeout(ctx context.Context, dir string, timeout time.Duration, args ...string) CmdResult {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return r.run(ctx, dir, "git", args, env, timeout)
}

// SVN runs an svn command with credentials from config and the
// non-interactive flags appended.
func (r *Runner) SVN(ctx context.Context, dir string, args ...string) CmdResult {
	return r.SVNTimeout(ctx, dir, defaultCmdTimeout, args...)
}

func (r *Runner) SVNTimeout(ctx context.Context, dir string, timeout time.Duration, args ...string) CmdResult {
	full := append([]string{}, args...)
	if r.cfg.SVNUsername != "" {
		full = append(full, "--username", r.cfg.SVNUsername)
	}
	if r.cfg.SVNPassword != "" {
		full = append(full, "--password", r.cfg.SVNPassword)
	}
	full = append(full,
		"--non-interactive",
		"--no-auth-cache",
		"--trust-server-cert-failures=unknown-ca,cn-mismatch,expired,not-yet-valid,other",
	)
	return r.run(ctx, dir, "svn", full, os.Environ(), timeout)
}

func runCommand(ctx context.Context, dir, name string, args, env []string, timeout time.Duration) CmdResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CmdResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case err == nil:
		result.Code = 0
	case ctx.Err() == context.DeadlineExceeded:
		result.Code = -1
		result.Stderr = name + " 命令超时"
	case errors.Is(err, exec.ErrNotFound):
		result.Code = -1
		result.Stderr = name + " 未安装或不在 PATH 中"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Code = exitErr.ExitCode()
		} else {
			result.Code = -1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}
	return result
}
