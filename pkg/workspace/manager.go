package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/atelier-ai/studio/pkg/config"
)

// ReviewResult reports the state of a prepared review workspace.
type ReviewResult struct {
	WorkspaceDir string   `json:"workspace_dir"`
	Branch       string   `json:"branch"`
	BaseBranch   string   `json:"base_branch"`
	DiffStat     string   `json:"diff_stat"`
	ChangedFiles []string `json:"changed_files"`
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
}

// IterationResult reports the state of a prepared iteration workspace.
type IterationResult struct {
	WorkspaceDir string `json:"workspace_dir"`
	Branch       string `json:"branch"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
}

// Manager prepares per-project git workspaces under the review root so
// review and iteration checkouts never disturb the main tree.
type Manager struct {
	cfg    *config.WorkspaceConfig
	runner *Runner
}

func NewManager(cfg *config.WorkspaceConfig, runner *Runner) *Manager {
	if cfg == nil {
		cfg = &config.WorkspaceConfig{}
		cfg.SetDefaults()
	}
	if runner == nil {
		runner = NewRunner(cfg)
	}
	return &Manager{cfg: cfg, runner: runner}
}

// ReviewPath is the checkout directory for a project's review stage.
func (m *Manager) ReviewPath(projectID string) string {
	return filepath.Join(m.cfg.ReviewRoot, fmt.Sprintf("project-%s-review", projectID))
}

// IterationPath is the checkout directory for one iteration round.
func (m *Manager) IterationPath(projectID string, iteration int) string {
	return filepath.Join(m.cfg.ReviewRoot, fmt.Sprintf("project-%s-iter-%d", projectID, iteration))
}

// CloneURL builds the authenticated clone URL. An explicit
// git_clone_url wins; otherwise the bound repo decides the provider.
func (m *Manager) CloneURL() (string, error) {
	if url := m.cfg.GitCloneURL; url != "" {
		if m.cfg.GitHubToken != "" && strings.HasPrefix(url, "https://") {
			url = strings.Replace(url, "https://", fmt.Sprintf("https://x-access-token:%s@", m.cfg.GitHubToken), 1)
		}
		return url, nil
	}

	if m.cfg.GitLabRepo != "" {
		path := m.cfg.GitLabRepo
		if !strings.HasSuffix(path, ".git") {
			path += ".git"
		}
		if m.cfg.GitLabToken != "" {
			return fmt.Sprintf("https://oauth2:%s@gitlab.com/%s", m.cfg.GitLabToken, path), nil
		}
		return fmt.Sprintf("https://gitlab.com/%s", path), nil
	}

	if m.cfg.GitHubRepo == "" {
		return "", fmt.Errorf("Git 仓库未配置。请设置 git_clone_url 或对应平台仓库配置。")
	}
	if m.cfg.GitHubToken != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", m.cfg.GitHubToken, m.cfg.GitHubRepo), nil
	}
	return fmt.Sprintf("https://github.com/%s.git", m.cfg.GitHubRepo), nil
}

// PrepareReview clones or updates the review checkout on branchName
// and collects the diff against origin/main.
func (m *Manager) PrepareReview(ctx context.Context, projectID, branchName string) ReviewResult {
	result := ReviewResult{
		WorkspaceDir: m.ReviewPath(projectID),
		Branch:       branchName,
		BaseBranch:   "main",
	}

	cloneURL, err := m.CloneURL()
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if err := os.MkdirAll(m.cfg.ReviewRoot, 0o755); err != nil {
		result.Message = fmt.Sprintf("准备工作区失败: %v", err)
		return result
	}

	wsPath := result.WorkspaceDir
	if isDir(filepath.Join(wsPath, ".git")) {
		slog.Info("更新已有工作区", "path", wsPath)
		if r := m.runner.Git(ctx, wsPath, "fetch", "--all", "--prune"); r.Code != 0 {
			result.Message = fmt.Sprintf("git fetch 失败: %s", r.Stderr)
			return result
		}
		if r := m.runner.Git(ctx, wsPath, "checkout", branchName); r.Code != 0 {
			// remote-only branch
			if r := m.runner.Git(ctx, wsPath, "checkout", "-b", branchName, "origin/"+branchName); r.Code != 0 {
				result.Message = fmt.Sprintf("git checkout 失败: %s", r.Stderr)
				return result
			}
		}
		m.runner.Git(ctx, wsPath, "pull", "--ff-only")
	} else {
		if _, err := os.Stat(wsPath); err == nil {
			_ = os.RemoveAll(wsPath)
		}
		slog.Info("克隆仓库", "path", wsPath, "branch", branchName)
		if r := m.runner.GitTimeout(ctx, m.cfg.ReviewRoot, cloneTimeout,
			"clone", "--branch", branchName, cloneURL, wsPath); r.Code != 0 {
			result.Message = fmt.Sprintf("git clone 失败: %s", r.Stderr)
			return result
		}
	}

	if r := m.runner.Git(ctx, wsPath, "diff", "--stat", "origin/main...HEAD"); r.Code == 0 {
		if out := strings.TrimSpace(r.Stdout); out != "" {
			lines := strings.Split(out, "\n")
			result.DiffStat = strings.TrimSpace(lines[len(lines)-1])
		}
	}
	if r := m.runner.Git(ctx, wsPath, "diff", "--name-only", "origin/main...HEAD"); r.Code == 0 {
		for _, line := range strings.Split(strings.TrimSpace(r.Stdout), "\n") {
			if line != "" {
				result.ChangedFiles = append(result.ChangedFiles, line)
			}
		}
	}

	result.Success = true
	result.Message = fmt.Sprintf("审查工作区已就绪 (%d 个文件变更)", len(result.ChangedFiles))
	slog.Info("审查工作区就绪", "project", projectID, "branch", branchName, "files", len(result.ChangedFiles))
	return result
}

// PrepareIteration makes a fresh clone of the implementation branch
// for one discussion round.
func (m *Manager) PrepareIteration(ctx context.Context, projectID string, iteration int, branchName string) IterationResult {
	result := IterationResult{
		WorkspaceDir: m.IterationPath(projectID, iteration),
		Branch:       branchName,
	}

	cloneURL, err := m.CloneURL()
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if err := os.MkdirAll(m.cfg.ReviewRoot, 0o755); err != nil {
		result.Message = fmt.Sprintf("准备工作区失败: %v", err)
		return result
	}

	if _, err := os.Stat(result.WorkspaceDir); err == nil {
		_ = os.RemoveAll(result.WorkspaceDir)
	}

	slog.Info("克隆迭代工作区", "path", result.WorkspaceDir, "branch", branchName)
	if r := m.runner.GitTimeout(ctx, m.cfg.ReviewRoot, cloneTimeout,
		"clone", "--branch", branchName, cloneURL, result.WorkspaceDir); r.Code != 0 {
		result.Message = fmt.Sprintf("git clone 失败: %s", r.Stderr)
		return result
	}

	result.Success = true
	result.Message = fmt.Sprintf("迭代工作区已就绪 (基于 %s)", branchName)
	slog.Info("迭代工作区就绪", "project", projectID, "iteration", iteration)
	return result
}

// Cleanup removes every checkout belonging to a project.
func (m *Manager) Cleanup(projectID string) {
	prefix := "project-" + projectID
	entries, err := os.ReadDir(m.cfg.ReviewRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(m.cfg.ReviewRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("清理工作区失败", "path", path, "error", err)
			continue
		}
		slog.Info("清理工作区", "path", path)
	}
}
