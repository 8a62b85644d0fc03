package workspace

import (
	"context"
	"encoding/xml"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// VCS types.
const (
	VCSGit  = "git"
	VCSSVN  = "svn"
	VCSNone = "none"
)

// VCSInfo describes the checkout state of a workspace.
type VCSInfo struct {
	Type          string `json:"type"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	CommitShort   string `json:"commit_short"`
	CommitMessage string `json:"commit_message"`

	// svn only
	URL         string `json:"url,omitempty"`
	RelativeURL string `json:"relative_url,omitempty"`
	RepoRoot    string `json:"repo_root,omitempty"`
	LastAuthor  string `json:"last_author,omitempty"`
}

// DetectVCS returns the version control type of a workspace. A
// configured type wins; otherwise directory markers are checked, with
// an upward search for the svn 1.7+ root marker and a final `svn info`
// probe for externals.
func (r *Runner) DetectVCS(ctx context.Context, dir string) string {
	switch strings.ToLower(strings.TrimSpace(r.cfg.VCSType)) {
	case VCSGit:
		return VCSGit
	case VCSSVN:
		return VCSSVN
	}

	if isDir(filepath.Join(dir, ".git")) {
		return VCSGit
	}
	if isDir(filepath.Join(dir, ".svn")) {
		return VCSSVN
	}

	// svn 1.7+ keeps .svn only at the working copy root
	current, err := filepath.Abs(dir)
	if err == nil {
		for i := 0; i < 10; i++ {
			parent := filepath.Dir(current)
			if parent == current {
				break
			}
			if isDir(filepath.Join(parent, ".svn")) {
				return VCSSVN
			}
			current = parent
		}
	}

	if result := r.SVNTimeout(ctx, dir, probeTimeout, "info"); result.Code == 0 {
		return VCSSVN
	}
	return VCSNone
}

// VCSInfo gathers branch and commit details for whichever VCS the
// workspace uses.
func (r *Runner) VCSInfo(ctx context.Context, dir string) VCSInfo {
	switch r.DetectVCS(ctx, dir) {
	case VCSGit:
		return r.gitInfo(ctx, dir)
	case VCSSVN:
		return r.svnInfo(ctx, dir)
	default:
		return VCSInfo{Type: VCSNone}
	}
}

func (r *Runner) gitInfo(ctx context.Context, dir string) VCSInfo {
	info := VCSInfo{Type: VCSGit}
	if dir == "" || !isDir(filepath.Join(dir, ".git")) {
		return info
	}

	if result := r.Git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); result.Code == 0 {
		info.Branch = strings.TrimSpace(result.Stdout)
	}
	if result := r.Git(ctx, dir, "rev-parse", "HEAD"); result.Code == 0 {
		info.Commit = strings.TrimSpace(result.Stdout)
		if len(info.Commit) >= 8 {
			info.CommitShort = info.Commit[:8]
		} else {
			info.CommitShort = info.Commit
		}
	}
	if result := r.Git(ctx, dir, "log", "--oneline", "-1", "--format=%s"); result.Code == 0 {
		info.CommitMessage = strings.TrimSpace(result.Stdout)
	}
	return info
}

type svnInfoXML struct {
	Entry struct {
		URL         string `xml:"url"`
		RelativeURL string `xml:"relative-url"`
		Repository  struct {
			Root string `xml:"root"`
		} `xml:"repository"`
		Commit struct {
			Revision string `xml:"revision,attr"`
			Author   string `xml:"author"`
		} `xml:"commit"`
	} `xml:"entry"`
}

type svnLogXML struct {
	Entries []struct {
		Revision string `xml:"revision,attr"`
		Author   string `xml:"author"`
		Date     string `xml:"date"`
		Message  string `xml:"msg"`
	} `xml:"logentry"`
}

func (r *Runner) svnInfo(ctx context.Context, dir string) VCSInfo {
	info := VCSInfo{Type: VCSSVN}
	if dir == "" {
		return info
	}

	result := r.SVNTimeout(ctx, dir, infoTimeout, "info", "--xml")
	if result.Code == 0 && strings.TrimSpace(result.Stdout) != "" {
		var parsed svnInfoXML
		if err := xml.Unmarshal([]byte(result.Stdout), &parsed); err != nil {
			slog.Warn("svn info XML 解析失败", "error", err)
		} else {
			info.URL = parsed.Entry.URL
			info.RelativeURL = parsed.Entry.RelativeURL
			info.RepoRoot = parsed.Entry.Repository.Root
			if rev := parsed.Entry.Commit.Revision; rev != "" {
				info.Commit = "r" + rev
				info.CommitShort = "r" + rev
			}
			info.LastAuthor = parsed.Entry.Commit.Author
			info.Branch = svnBranchFromURL(parsed.Entry.URL)
		}
	} else {
		slog.Warn("svn info 失败", "error", result.Stderr)
	}

	result = r.SVNTimeout(ctx, dir, infoTimeout, "log", "--xml", "-l", "1")
	if result.Code == 0 && strings.TrimSpace(result.Stdout) != "" {
		var parsed svnLogXML
		if err := xml.Unmarshal([]byte(result.Stdout), &parsed); err == nil && len(parsed.Entries) > 0 {
			info.CommitMessage = strings.TrimSpace(parsed.Entries[0].Message)
		}
	}

	return info
}

func svnBranchFromURL(url string) string {
	if url == "" {
		return ""
	}
	for _, marker := range []string{"/branches/", "/tags/"} {
		if idx := strings.Index(url, marker); idx >= 0 {
			rest := url[idx+len(marker):]
			if slash := strings.Index(rest, "/"); slash >= 0 {
				return rest[:slash]
			}
			return rest
		}
	}
	if strings.Contains(url, "/trunk") {
		return "trunk"
	}
	trimmed := strings.TrimRight(url, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
