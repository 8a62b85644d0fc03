package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-ai/studio/pkg/httpclient"
)

const githubAPIBase = "https://api.github.com"

// GitHubFallback serves a subset of the github MCP server's tools over
// the plain REST API, used when the MCP connection is unavailable.
type GitHubFallback struct {
	token   string
	repo    string
	baseURL string
	client  *httpclient.Client
}

func NewGitHubFallback(token, repo string) *GitHubFallback {
	return &GitHubFallback{
		token:   token,
		repo:    repo,
		baseURL: githubAPIBase,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithHeaderParser(httpclient.ParseGitHubHeaders),
		),
	}
}

// Available reports whether the shim has enough credentials to serve.
func (g *GitHubFallback) Available() bool {
	return g != nil && g.token != "" && g.repo != ""
}

// Call serves one tool by name. handled=false means the tool has no
// local equivalent and the MCP error should surface as-is.
func (g *GitHubFallback) Call(ctx context.Context, toolName string, args map[string]any) (result string, handled bool) {
	if !g.Available() {
		return "", false
	}

	switch toolName {
	case "get_issue", "get-issue":
		number := intArg(args, "issue_number", "number")
		return g.request(ctx, "GET", fmt.Sprintf("/repos/%s/issues/%d", g.repo, number), nil)
	case "create_issue", "create-issue":
		payload := map[string]any{"title": args["title"]}
		if body, ok := args["body"]; ok {
			payload["body"] = body
		}
		if labels, ok := args["labels"]; ok {
			payload["labels"] = labels
		}
		return g.request(ctx, "POST", fmt.Sprintf("/repos/%s/issues", g.repo), payload)
	case "list_pull_requests", "list_pulls", "list-pull-requests":
		state, _ := args["state"].(string)
		if state == "" {
			state = "open"
		}
		return g.request(ctx, "GET", fmt.Sprintf("/repos/%s/pulls?state=%s", g.repo, state), nil)
	case "get_pull_request", "get_pull", "get-pull-request":
		number := intArg(args, "pull_number", "number")
		return g.request(ctx, "GET", fmt.Sprintf("/repos/%s/pulls/%d", g.repo, number), nil)
	case "merge_pull_request", "merge_pull", "merge-pull-request":
		number := intArg(args, "pull_number", "number")
		method, _ := args["merge_method"].(string)
		if method == "" {
			method = "squash"
		}
		payload := map[string]any{"merge_method": method}
		return g.request(ctx, "PUT", fmt.Sprintf("/repos/%s/pulls/%d/merge", g.repo, number), payload)
	case "get_repo", "get_repository":
		return g.request(ctx, "GET", fmt.Sprintf("/repos/%s", g.repo), nil)
	case "list_branches":
		return g.request(ctx, "GET", fmt.Sprintf("/repos/%s/branches", g.repo), nil)
	default:
		return "", false
	}
}

func (g *GitHubFallback) request(ctx context.Context, method, path string, payload map[string]any) (string, bool) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("⚠️ GitHub API 请求构造失败: %v", err), true
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Sprintf("⚠️ GitHub API 请求构造失败: %v", err), true
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil && resp == nil {
		return fmt.Sprintf("⚠️ GitHub API 请求失败: %v", err), true
	}
	defer func() { _ = resp.Body.Close() }()

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Sprintf("⚠️ GitHub API 请求失败: %v", readErr), true
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("⚠️ GitHub API 错误 (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw))), true
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw), true
	}
	indented, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(raw), true
	}
	return string(indented), true
}

func intArg(args map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := args[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}
