package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sensitive file and directory blacklist. Names match on any path
// segment, extensions on the basename.
var sensitivePatterns = map[string]bool{
	".env": true, ".env.local": true, ".env.production": true,
	".git/objects": true, ".git/refs": true, ".git/logs": true,
	"venv": true, ".venv": true, "node_modules": true, "__pycache__": true,
	"id_rsa": true, "id_ed25519": true,
}

var sensitiveExtensions = map[string]bool{
	".key": true, ".pem": true, ".p12": true, ".pfx": true, ".jks": true,
	".secret": true, ".credentials": true,
}

// Config files readable despite matching sensitive heuristics.
var configAllowlist = map[string]bool{
	"package.json": true, "tsconfig.json": true, "vite.config.ts": true,
	"docker-compose.yml": true, "Dockerfile": true, "nginx.conf": true,
	"requirements.txt": true, "pyproject.toml": true, "setup.cfg": true,
	"CLAUDE.md": true, "README.md": true, "TODO.md": true,
}

const (
	maxReadLines       = 200
	maxSearchResults   = 30
	searchContextLines = 1
	maxReadFileBytes   = 1024 * 1024
	maxTreeDepth       = 4
)

var treeSkipDirs = map[string]bool{
	"node_modules": true, "__pycache__": true, ".git": true, ".venv": true, "venv": true,
	"dist": true, ".claude": true, "studio-data": true, "data": true, ".idea": true, ".vscode": true,
	".mypy_cache": true, ".pytest_cache": true, ".ruff_cache": true, "htmlcov": true,
	".next": true, ".nuxt": true, "build": true, "target": true,
}

// validatePath resolves relPath inside workspace and rejects anything
// that escapes it after symlink resolution.
func validatePath(workspace, relPath string) (string, error) {
	relPath = strings.TrimLeft(strings.TrimSpace(relPath), "/")

	workspaceReal, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		workspaceReal = filepath.Clean(workspace)
	}

	absPath := filepath.Join(workspaceReal, relPath)
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	} else {
		absPath = filepath.Clean(absPath)
	}

	if absPath != workspaceReal && !strings.HasPrefix(absPath, workspaceReal+string(os.PathSeparator)) {
		return absPath, fmt.Errorf("⚠️ 路径越界: '%s' 不在项目目录内", relPath)
	}
	return absPath, nil
}

// isSensitiveFile reports whether the path is blocked from reading.
// The allowlist wins over extension and name heuristics.
func isSensitiveFile(relPath string) bool {
	basename := filepath.Base(relPath)
	ext := strings.ToLower(filepath.Ext(basename))

	if configAllowlist[basename] {
		return false
	}
	if sensitivePatterns[basename] {
		return true
	}
	if sensitiveExtensions[ext] {
		return true
	}

	for _, part := range strings.Split(strings.ReplaceAll(relPath, "\\", "/"), "/") {
		if sensitivePatterns[part] {
			return true
		}
	}
	return false
}
