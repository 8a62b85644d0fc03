package context

import (
	"bufio"
	stdcontext "context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Key files surfaced to the model, in preference order.
var candidateKeyFiles = []string{
	"CLAUDE.md", "README.md", "package.json", "requirements.txt",
	"pyproject.toml", "setup.cfg", "Cargo.toml", "go.mod", "pom.xml",
	"build.gradle", "CMakeLists.txt", "docker-compose.yml", "Dockerfile",
	"Makefile", "tsconfig.json", "vite.config.ts", "webpack.config.js",
	".env.example", "TODO.md", "CHANGELOG.md",
}

// Directories whose contents are worth a one-line overview.
var candidateKeyDirs = []string{
	"app/api", "app/models", "app/services", "app/core",
	"src", "src/views", "src/components", "src/api",
	"frontend/src/views", "frontend/src/components",
	"backend/api", "backend/services", "backend/core",
	"cmd", "internal", "pkg", "lib", "tests", "test",
}

var treeSkipDirs = map[string]bool{
	"node_modules": true, "__pycache__": true, ".git": true, ".venv": true,
	"venv": true, "dist": true, ".claude": true, "studio-data": true,
	"data": true, ".idea": true, ".vscode": true, ".mypy_cache": true,
	".pytest_cache": true, ".ruff_cache": true, "htmlcov": true,
	".next": true, ".nuxt": true, "build": true, "target": true,
}

const (
	keyFileMaxLines  = 200
	keyFileScanCap   = 8
	keyFileUseCount  = 6
	keyDirScanCap    = 8
	keyDirUseCount   = 4
	keyDirMaxEntries = 20
	treeMaxDepth     = 3
)

// WorkspaceSource describes the project on disk: directory tree, key
// files and key directory overviews.
type WorkspaceSource struct {
	root string
}

func NewWorkspaceSource(root string) *WorkspaceSource {
	return &WorkspaceSource{root: root}
}

func (s *WorkspaceSource) Name() string  { return "workspace" }
func (s *WorkspaceSource) Priority() int { return 30 }

func (s *WorkspaceSource) Gather(_ stdcontext.Context, _ int, _ *BuildInput) ([]Section, error) {
	if s.root == "" {
		return nil, nil
	}
	if info, err := os.Stat(s.root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("工作区不可用: %s", s.root)
	}

	var sections []Section

	if tree := buildTree(s.root, treeMaxDepth); tree != "" {
		sections = append(sections, Section{
			Name:      "项目结构",
			Content:   fmt.Sprintf("## 项目目录结构\n```\n%s\n```", tree),
			Priority:  30,
			Trimmable: true,
		})
	}

	if content := s.keyFiles(); content != "" {
		sections = append(sections, Section{
			Name:      "关键文件",
			Content:   content,
			Priority:  35,
			Trimmable: true,
		})
	}

	if content := s.keyDirs(); content != "" {
		sections = append(sections, Section{
			Name:      "关键目录",
			Content:   content,
			Priority:  40,
			Trimmable: true,
		})
	}

	return sections, nil
}

func (s *WorkspaceSource) keyFiles() string {
	var found []string
	for _, name := range candidateKeyFiles {
		path := filepath.Join(s.root, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			found = append(found, name)
			if len(found) >= keyFileScanCap {
				break
			}
		}
	}
	if len(found) > keyFileUseCount {
		found = found[:keyFileUseCount]
	}
	if len(found) == 0 {
		return ""
	}

	var parts []string
	for _, name := range found {
		content, err := readHead(filepath.Join(s.root, name), keyFileMaxLines)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", name, content))
	}
	if len(parts) == 0 {
		return ""
	}
	return "## 项目关键文件\n" + strings.Join(parts, "\n\n")
}

func (s *WorkspaceSource) keyDirs() string {
	var found []string
	for _, rel := range candidateKeyDirs {
		path := filepath.Join(s.root, filepath.FromSlash(rel))
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			found = append(found, rel)
			if len(found) >= keyDirScanCap {
				break
			}
		}
	}
	if len(found) > keyDirUseCount {
		found = found[:keyDirUseCount]
	}
	if len(found) == 0 {
		return ""
	}

	var lines []string
	for _, rel := range found {
		entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		var names []string
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, "__") {
				continue
			}
			names = append(names, name)
			if len(names) >= keyDirMaxEntries {
				break
			}
		}
		lines = append(lines, fmt.Sprintf("- `%s/`: %s", rel, strings.Join(names, ", ")))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## 关键目录概览\n" + strings.Join(lines, "\n")
}

// readHead reads up to maxLines lines, noting the full length when
// truncated.
func readHead(path string, maxLines int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		total++
		if total <= maxLines {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	content := strings.Join(lines, "\n")
	if total > maxLines {
		content += fmt.Sprintf("\n... (截断, 共 %d 行)", total)
	}
	return content, nil
}

// buildTree renders the directory tree down to maxDepth levels.
func buildTree(root string, maxDepth int) string {
	var sb strings.Builder
	sb.WriteString(filepath.Base(root) + "/")
	writeTreeLevel(&sb, root, "", 1, maxDepth)
	return sb.String()
}

func writeTreeLevel(sb *strings.Builder, dir, prefix string, depth, maxDepth int) {
	if depth > maxDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var visible []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() && treeSkipDirs[name] {
			continue
		}
		visible = append(visible, entry)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Name() < visible[j].Name() })

	for i, entry := range visible {
		connector := "├── "
		childPrefix := prefix + "│   "
		if i == len(visible)-1 {
			connector = "└── "
			childPrefix = prefix + "    "
		}
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		sb.WriteString("\n" + prefix + connector + name)
		if entry.IsDir() {
			writeTreeLevel(sb, filepath.Join(dir, entry.Name()), childPrefix, depth+1, maxDepth)
		}
	}
}
