package workspace

import (
	"context"
	"encoding/xml"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var extLanguageMap = map[string]string{
	".py": "Python", ".pyw": "Python",
	".js": "JavaScript", ".mjs": "JavaScript", ".cjs": "JavaScript",
	".ts": "TypeScript", ".tsx": "TypeScript",
	".vue": "Vue",
	".jsx": "React JSX",
	".java": "Java",
	".kt": "Kotlin", ".kts": "Kotlin",
	".go": "Go",
	".rs": "Rust",
	".c":  "C",
	".h":  "C/C++ Header", ".hpp": "C/C++ Header", ".hxx": "C/C++ Header", ".hh": "C/C++ Header",
	".cpp": "C++", ".cc": "C++", ".cxx": "C++",
	".cs":    "C#",
	".rb":    "Ruby",
	".php":   "PHP",
	".swift": "Swift",
	".scala": "Scala",
	".r":     "R",
	".lua":   "Lua",
	".dart":  "Dart",
	".sql":   "SQL",
	".sh":    "Shell", ".bash": "Shell", ".zsh": "Shell",
	".bat": "Batch", ".cmd": "Batch", ".ps1": "PowerShell",
	".html": "HTML", ".htm": "HTML",
	".css": "CSS", ".scss": "SCSS", ".sass": "SASS", ".less": "Less",
	".json": "JSON",
	".xml":  "XML",
	".yaml": "YAML", ".yml": "YAML",
	".toml": "TOML",
	".md":   "Markdown", ".mdx": "Markdown",
	".proto":      "Protobuf",
	".graphql":    "GraphQL",
	".gql":        "GraphQL",
	".dockerfile": "Dockerfile",
	".tf":         "Terraform",
	".svelte":     "Svelte",
}

var overviewIgnoreDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true, "node_modules": true,
	"__pycache__": true, ".tox": true, ".mypy_cache": true,
	".pytest_cache": true, "venv": true, ".venv": true, "env": true,
	".env": true, "dist": true, "build": true, ".next": true,
	".nuxt": true, "target": true, "out": true, "bin": true, "obj": true,
	".idea": true, ".vscode": true, ".gradle": true, "vendor": true,
	"bower_components": true, ".terraform": true, "coverage": true,
	".cache": true,
}

var overviewKeyFiles = []string{
	"CLAUDE.md", "COPILOT.md", "README.md", "README.rst",
	"package.json", "pyproject.toml", "requirements.txt", "setup.py",
	"Cargo.toml", "go.mod", "pom.xml", "build.gradle",
	"Dockerfile", "docker-compose.yml", "docker-compose.yaml",
	"Makefile", "CMakeLists.txt",
	".gitignore", ".editorconfig",
	"tsconfig.json", "vite.config.ts", "webpack.config.js",
	"CONTRIBUTING.md", "LICENSE",
}

const (
	overviewCacheTTL  = 60 * time.Second
	languageScanCap   = 500_000
	languageStatTopN  = 15
	overviewTopN      = 10
	contributorLogCap = 500
)

// LanguageStat is one language bucket of the workspace scan.
type LanguageStat struct {
	Language   string  `json:"language"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Contributor aggregates commits by author.
type Contributor struct {
	Name    string `json:"name"`
	Commits int    `json:"commits"`
}

// CommitInfo is one entry of the recent history.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  string `json:"author"`
	TimeAgo string `json:"time_ago"`
}

// Overview aggregates VCS state, language stats and key files.
type Overview struct {
	WorkspacePath    string         `json:"workspace_path"`
	WorkspaceExists  bool           `json:"workspace_exists"`
	VCSType          string         `json:"vcs_type"`
	VCS              VCSInfo        `json:"vcs"`
	RecentCommits    []CommitInfo   `json:"recent_commits"`
	Contributors     []Contributor  `json:"contributors"`
	LanguageStats    []LanguageStat `json:"language_stats"`
	KeyFiles         []string       `json:"key_files"`
	TotalFiles       int            `json:"total_files"`
	UncommittedCount int            `json:"uncommitted_count"`
	CachedAt         time.Time      `json:"cached_at"`
	FromCache        bool           `json:"from_cache"`
}

// Inspector builds workspace overviews with a short-lived cache; file
// scans on large trees are too slow to repeat per request.
type Inspector struct {
	runner *Runner

	mu       sync.Mutex
	cached   *Overview
	cachedAt time.Time
}

func NewInspector(runner *Runner) *Inspector {
	return &Inspector{runner: runner}
}

// InvalidateCache drops the cached overview; called when the active
// workspace changes.
func (ins *Inspector) InvalidateCache() {
	ins.mu.Lock()
	ins.cached = nil
	ins.mu.Unlock()
}

// Overview returns the aggregated workspace state, cached for 60s.
func (ins *Inspector) Overview(ctx context.Context, dir string, forceRefresh bool) Overview {
	ins.mu.Lock()
	if !forceRefresh && ins.cached != nil && ins.cached.WorkspacePath == dir &&
		time.Since(ins.cachedAt) < overviewCacheTTL {
		cached := *ins.cached
		cached.FromCache = true
		ins.mu.Unlock()
		return cached
	}
	ins.mu.Unlock()

	overview := Overview{
		WorkspacePath:   dir,
		WorkspaceExists: isDir(dir),
		VCSType:         VCSNone,
		VCS:             VCSInfo{Type: VCSNone},
		CachedAt:        time.Now(),
	}
	if !overview.WorkspaceExists {
		ins.store(&overview)
		return overview
	}

	vcsType := ins.runner.DetectVCS(ctx, dir)
	overview.VCSType = vcsType
	overview.VCS = ins.runner.VCSInfo(ctx, dir)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		overview.RecentCommits = ins.recentCommits(groupCtx, dir, vcsType)
		return nil
	})
	group.Go(func() error {
		overview.Contributors = ins.contributors(groupCtx, dir, vcsType)
		return nil
	})
	group.Go(func() error {
		overview.UncommittedCount = ins.uncommittedCount(groupCtx, dir, vcsType)
		return nil
	})
	group.Go(func() error {
		overview.LanguageStats, overview.TotalFiles = scanLanguageStats(dir)
		return nil
	})
	_ = group.Wait()

	overview.KeyFiles = detectKeyFiles(dir)

	ins.store(&overview)
	return overview
}

func (ins *Inspector) store(overview *Overview) {
	ins.mu.Lock()
	ins.cached = overview
	ins.cachedAt = time.Now()
	ins.mu.Unlock()
}

func (ins *Inspector) recentCommits(ctx context.Context, dir, vcsType string) []CommitInfo {
	switch vcsType {
	case VCSGit:
		result := ins.runner.GitTimeout(ctx, dir, 15*time.Second,
			"log", "--oneline", "-"+strconv.Itoa(overviewTopN), "--format=%h|%s|%an|%ar")
		if result.Code != 0 {
			return nil
		}
		var commits []CommitInfo
		for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
			parts := strings.SplitN(line, "|", 4)
			if len(parts) == 4 {
				commits = append(commits, CommitInfo{
					Hash: parts[0], Message: parts[1], Author: parts[2], TimeAgo: parts[3],
				})
			}
		}
		return commits
	case VCSSVN:
		result := ins.runner.SVNTimeout(ctx, dir, infoTimeout,
			"log", "--xml", "-l", strconv.Itoa(overviewTopN))
		if result.Code != 0 {
			return nil
		}
		return parseSVNCommits(result.Stdout)
	}
	return nil
}

func parseSVNCommits(raw string) []CommitInfo {
	entries, err := parseSVNLog(raw)
	if err != nil {
		slog.Warn("svn log XML 解析失败", "error", err)
		return nil
	}
	var commits []CommitInfo
	for _, entry := range entries {
		hash := ""
		if entry.Revision != "" {
			hash = "r" + entry.Revision
		}
		author := strings.TrimSpace(entry.Author)
		if author == "" {
			author = "(no author)"
		}
		commits = append(commits, CommitInfo{
			Hash:    hash,
			Author:  author,
			TimeAgo: strings.TrimSpace(entry.Date),
			Message: strings.TrimSpace(entry.Message),
		})
	}
	return commits
}

func (ins *Inspector) contributors(ctx context.Context, dir, vcsType string) []Contributor {
	switch vcsType {
	case VCSGit:
		result := ins.runner.GitTimeout(ctx, dir, infoTimeout,
			"shortlog", "-sn", "--no-merges", "HEAD")
		if result.Code != 0 {
			return nil
		}
		var contributors []Contributor
		for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
			if len(contributors) >= overviewTopN {
				break
			}
			parts := strings.SplitN(strings.TrimSpace(line), "\t", 2)
			if len(parts) != 2 {
				continue
			}
			count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				continue
			}
			contributors = append(contributors, Contributor{
				Name: strings.TrimSpace(parts[1]), Commits: count,
			})
		}
		return contributors
	case VCSSVN:
		result := ins.runner.SVNTimeout(ctx, dir, 60*time.Second,
			"log", "-l", strconv.Itoa(contributorLogCap), "--xml")
		if result.Code != 0 {
			return nil
		}
		entries, err := parseSVNLog(result.Stdout)
		if err != nil {
			slog.Warn("svn log XML 解析失败", "error", err)
			return nil
		}
		counts := make(map[string]int)
		for _, entry := range entries {
			author := strings.TrimSpace(entry.Author)
			if author == "" {
				author = "(no author)"
			}
			counts[author]++
		}
		contributors := make([]Contributor, 0, len(counts))
		for name, count := range counts {
			contributors = append(contributors, Contributor{Name: name, Commits: count})
		}
		sort.SliceStable(contributors, func(i, j int) bool {
			if contributors[i].Commits != contributors[j].Commits {
				return contributors[i].Commits > contributors[j].Commits
			}
			return contributors[i].Name < contributors[j].Name
		})
		if len(contributors) > overviewTopN {
			contributors = contributors[:overviewTopN]
		}
		return contributors
	}
	return nil
}

func (ins *Inspector) uncommittedCount(ctx context.Context, dir, vcsType string) int {
	var result CmdResult
	switch vcsType {
	case VCSGit:
		result = ins.runner.GitTimeout(ctx, dir, infoTimeout, "status", "--porcelain")
	case VCSSVN:
		result = ins.runner.SVNTimeout(ctx, dir, 60*time.Second, "status", "--depth=immediates")
	default:
		return 0
	}
	if result.Code != 0 {
		return 0
	}
	count := 0
	for _, line := range strings.Split(result.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

type svnLogEntry struct {
	Revision string
	Author   string
	Date     string
	Message  string
}

func parseSVNLog(raw string) ([]svnLogEntry, error) {
	var parsed svnLogXML
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	entries := make([]svnLogEntry, 0, len(parsed.Entries))
	for _, entry := range parsed.Entries {
		entries = append(entries, svnLogEntry{
			Revision: entry.Revision,
			Author:   entry.Author,
			Date:     entry.Date,
			Message:  entry.Message,
		})
	}
	return entries, nil
}

// scanLanguageStats walks the tree counting files per language,
// capped for very large repositories. Returns the top buckets and the
// matched file total.
func scanLanguageStats(dir string) ([]LanguageStat, int) {
	counts := make(map[string]int)
	fileCount := 0

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && overviewIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		fileCount++
		if fileCount > languageScanCap {
			slog.Warn("语言统计: 文件数超过上限, 提前终止扫描", "cap", languageScanCap)
			return filepath.SkipAll
		}
		if lang, ok := extLanguageMap[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			counts[lang]++
		}
		return nil
	})

	stats := make([]LanguageStat, 0, len(counts))
	for lang, count := range counts {
		stats = append(stats, LanguageStat{Language: lang, Count: count})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Language < stats[j].Language
	})
	if len(stats) > languageStatTopN {
		stats = stats[:languageStatTopN]
	}

	total := 0
	for _, stat := range stats {
		total += stat.Count
	}
	if total == 0 {
		total = 1
	}
	for i := range stats {
		stats[i].Percentage = math.Round(float64(stats[i].Count)*1000/float64(total)) / 10
	}
	return stats, total
}

func detectKeyFiles(dir string) []string {
	var found []string
	for _, name := range overviewKeyFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			found = append(found, name)
		}
	}
	return found
}
