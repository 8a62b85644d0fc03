package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	maxSearchOutputLines = 120
	maxSearchOutputChars = 6000
)

// readFile returns a line range of one file wrapped in a fenced block.
func readFile(_ context.Context, args map[string]any, workspace string) string {
	path := argString(args, "path")
	if path == "" {
		return "⚠️ 请指定文件路径"
	}

	absPath, err := validatePath(workspace, path)
	if err != nil {
		return err.Error()
	}
	if isSensitiveFile(path) {
		return fmt.Sprintf("⚠️ 无法读取敏感文件: '%s'", path)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Sprintf("⚠️ 文件不存在: '%s'", path)
	}
	if info.IsDir() {
		return fmt.Sprintf("⚠️ '%s' 不是文件 (可能是目录，请使用 list_directory)", path)
	}
	if info.Size() > maxReadFileBytes {
		return fmt.Sprintf("⚠️ 文件过大 (%.0fKB)，请指定行范围读取", float64(info.Size())/1024)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Sprintf("⚠️ 读取失败: %v", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	totalLines := len(lines)

	start := argInt(args, "start_line", 1)
	if start < 1 {
		start = 1
	}
	end := argInt(args, "end_line", start+maxReadLines-1)
	if end > totalLines {
		end = totalLines
	}
	if end-start+1 > maxReadLines {
		end = start + maxReadLines - 1
	}

	var content string
	if start <= totalLines && start <= end {
		content = strings.Join(lines[start-1:end], "")
	}

	header := fmt.Sprintf("📄 %s (行 %d-%d, 共 %d 行)", path, start, end, totalLines)
	if end < totalLines {
		header += " [截断: 使用 start_line/end_line 查看更多]"
	}
	return fmt.Sprintf("%s\n```\n%s```", header, content)
}

// searchText runs grep over the workspace, falling back to an
// in-process scan when grep is unavailable.
func searchText(ctx context.Context, args map[string]any, workspace string) string {
	query := argString(args, "query")
	if query == "" {
		return "⚠️ 请指定搜索内容"
	}
	isRegex := argBool(args, "is_regex")
	includePattern := argString(args, "include_pattern")

	if _, err := exec.LookPath("grep"); err != nil {
		return fallbackSearch(query, isRegex, includePattern, workspace)
	}

	cmdArgs := []string{"-rn", "--color=never"}
	if isRegex {
		cmdArgs = append(cmdArgs, "-E")
	} else {
		cmdArgs = append(cmdArgs, "-F")
	}
	cmdArgs = append(cmdArgs,
		"-B", strconv.Itoa(searchContextLines),
		"-A", strconv.Itoa(searchContextLines),
		"-m", strconv.Itoa(maxSearchResults),
	)
	for _, dir := range sortedKeys(treeSkipDirs) {
		cmdArgs = append(cmdArgs, "--exclude-dir", dir)
	}
	for _, ext := range sortedKeys(sensitiveExtensions) {
		cmdArgs = append(cmdArgs, "--exclude", "*"+ext)
	}
	cmdArgs = append(cmdArgs, "--exclude", ".env*")

	if includePattern != "" {
		clean := includePattern
		if idx := strings.LastIndex(clean, "/"); idx >= 0 {
			clean = clean[idx+1:]
		}
		if clean == "" || clean == "**" {
			clean = "*"
		}
		cmdArgs = append(cmdArgs, "--include", clean)
	}
	cmdArgs = append(cmdArgs, query, ".")

	cmd := exec.CommandContext(ctx, "grep", cmdArgs...)
	cmd.Dir = workspace
	stdout, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fallbackSearch(query, isRegex, includePattern, workspace)
		}
	}

	output := strings.TrimSpace(string(stdout))
	if output == "" {
		return fmt.Sprintf("🔍 未找到匹配: '%s'", query)
	}

	output = strings.ReplaceAll(output, "\n./", "\n")
	output = strings.TrimLeft(output, "./")

	lines := strings.Split(output, "\n")
	if len(lines) > maxSearchOutputLines {
		output = strings.Join(lines[:maxSearchOutputLines], "\n")
		output += fmt.Sprintf("\n\n... (结果过多，已截断至 %d 行。请使用 include_pattern 缩小范围)", maxSearchOutputLines)
	}
	if len(output) > maxSearchOutputChars {
		output = output[:maxSearchOutputChars]
		output += fmt.Sprintf("\n\n... (输出过长，已截断至 %d 字符。请缩小搜索范围或指定 include_pattern)", maxSearchOutputChars)
	}

	patternDesc := fmt.Sprintf("'%s'", query)
	if isRegex {
		patternDesc = fmt.Sprintf("正则 '%s'", query)
	}
	scope := ""
	if includePattern != "" {
		scope = fmt.Sprintf(" (范围: %s)", includePattern)
	}
	return fmt.Sprintf("🔍 搜索 %s%s:\n\n%s", patternDesc, scope, output)
}

// newLineMatcher compiles the query into a per-line predicate;
// plain-text queries match case-insensitively like the grep path.
func newLineMatcher(query string, isRegex bool) (func(string) bool, error) {
	if isRegex {
		pattern, err := regexp.Compile("(?i)" + query)
		if err != nil {
			return nil, err
		}
		return pattern.MatchString, nil
	}
	lowered := strings.ToLower(query)
	return func(line string) bool {
		return strings.Contains(strings.ToLower(line), lowered)
	}, nil
}

// fallbackSearch is the pure-Go scan used when grep is missing.
func fallbackSearch(query string, isRegex bool, includePattern, workspace string) string {
	matcher, err := newLineMatcher(query, isRegex)
	if err != nil {
		return fmt.Sprintf("⚠️ 无效的正则表达式: %v", err)
	}

	var results []string
	count := 0

	_ = filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || count >= maxSearchResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if treeSkipDirs[d.Name()] && path != workspace {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, _ := filepath.Rel(workspace, path)
		if isSensitiveFile(relPath) {
			return nil
		}
		if includePattern != "" {
			if ok, _ := filepath.Match(includePattern, d.Name()); !ok {
				return nil
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		fileLines := strings.SplitAfter(string(data), "\n")
		if len(fileLines) > 0 && fileLines[len(fileLines)-1] == "" {
			fileLines = fileLines[:len(fileLines)-1]
		}

		for i, line := range fileLines {
			if count >= maxSearchResults {
				break
			}
			if !matcher(line) {
				continue
			}
			count++

			ctxStart := max(0, i-searchContextLines)
			ctxEnd := min(len(fileLines), i+searchContextLines+1)
			var ctxText strings.Builder
			for j := ctxStart; j < ctxEnd; j++ {
				prefix := " "
				if j == i {
					prefix = ">"
				}
				line := fileLines[j]
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				ctxText.WriteString(fmt.Sprintf("%s %d: %s", prefix, j+1, line))
			}
			results = append(results, fmt.Sprintf("%s:%d\n%s", relPath, i+1, ctxText.String()))
		}
		return nil
	})

	if len(results) == 0 {
		return fmt.Sprintf("🔍 未找到匹配: '%s'", query)
	}

	output := strings.Join(results, "\n---\n")
	truncated := ""
	if count >= maxSearchResults {
		truncated = fmt.Sprintf("\n\n... (已达到 %d 条上限)", maxSearchResults)
	}
	return fmt.Sprintf("🔍 搜索 '%s' 找到 %d 个匹配:\n\n%s%s", query, count, output, truncated)
}

// listDirectory lists one directory level, directories first.
func listDirectory(_ context.Context, args map[string]any, workspace string) string {
	path := argString(args, "path")
	target := path
	if target == "" {
		target = "."
	}

	absPath, err := validatePath(workspace, target)
	if err != nil {
		return err.Error()
	}

	info, statErr := os.Stat(absPath)
	if statErr != nil {
		return fmt.Sprintf("⚠️ 目录不存在: '%s'", path)
	}
	if !info.IsDir() {
		return fmt.Sprintf("⚠️ '%s' 不是目录 (请使用 read_file 读取文件)", path)
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return fmt.Sprintf("⚠️ 无权访问: '%s'", path)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var dirsList, filesList []string
	for _, entry := range entries {
		name := entry.Name()
		if treeSkipDirs[name] || strings.HasPrefix(name, "__pycache__") {
			continue
		}
		if entry.IsDir() {
			subCount := 0
			if sub, err := os.ReadDir(filepath.Join(absPath, name)); err == nil {
				subCount = len(sub)
			}
			dirsList = append(dirsList, fmt.Sprintf("📁 %s/ (%d items)", name, subCount))
		} else {
			size := int64(0)
			if fi, err := entry.Info(); err == nil {
				size = fi.Size()
			}
			filesList = append(filesList, fmt.Sprintf("📄 %s (%s)", name, formatSize(size)))
		}
	}

	displayPath := path
	if displayPath == "" {
		displayPath = "."
	}
	result := fmt.Sprintf("📂 %s/\n", displayPath)
	result += strings.Join(append(dirsList, filesList...), "\n")
	if len(dirsList) == 0 && len(filesList) == 0 {
		result += "(空目录)"
	}
	return result
}

func formatSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%dB", size)
	case size < 1048576:
		return fmt.Sprintf("%.1fKB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(size)/1048576)
	}
}

// getFileTree renders a bounded-depth directory tree.
func getFileTree(_ context.Context, args map[string]any, workspace string) string {
	path := argString(args, "path")
	maxDepth := argInt(args, "max_depth", 3)
	if maxDepth > maxTreeDepth {
		maxDepth = maxTreeDepth
	}

	target := path
	if target == "" {
		target = "."
	}

	absPath, err := validatePath(workspace, target)
	if err != nil {
		return err.Error()
	}

	info, statErr := os.Stat(absPath)
	if statErr != nil {
		return fmt.Sprintf("⚠️ 路径不存在: '%s'", path)
	}
	if !info.IsDir() {
		return fmt.Sprintf("⚠️ '%s' 不是目录", path)
	}

	tree := buildTree(absPath, maxDepth, "", 0)
	displayPath := path
	if displayPath == "" {
		displayPath = "."
	}
	return fmt.Sprintf("🌳 %s/ 目录树 (深度: %d):\n\n%s", displayPath, maxDepth, tree)
}

func buildTree(path string, maxDepth int, prefix string, depth int) string {
	if depth >= maxDepth {
		return ""
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("%s(无权限访问)\n", prefix)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	filtered := entries[:0]
	for _, entry := range entries {
		name := entry.Name()
		if treeSkipDirs[name] || strings.HasPrefix(name, ".") {
			continue
		}
		filtered = append(filtered, entry)
	}

	var lines []string
	for i, entry := range filtered {
		isLast := i == len(filtered)-1
		connector := "├── "
		if isLast {
			connector = "└── "
		}
		name := entry.Name()

		if entry.IsDir() {
			lines = append(lines, prefix+connector+name+"/")
			extension := "│   "
			if isLast {
				extension = "    "
			}
			subtree := buildTree(filepath.Join(path, name), maxDepth, prefix+extension, depth+1)
			if subtree != "" {
				lines = append(lines, subtree)
			}
		} else {
			lines = append(lines, prefix+connector+name)
		}
	}

	return strings.Join(lines, "\n")
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
