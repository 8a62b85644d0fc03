package config

import "fmt"

// WorkspaceConfig binds the core to a project directory and carries the
// credentials MCP servers and the VCS adapter resolve at call time.
type WorkspaceConfig struct {
	// Path is the workspace root. Tool path validation is anchored here.
	Path string `yaml:"path,omitempty"`

	// VCSType forces detection ("git" or "svn"); empty means auto.
	VCSType string `yaml:"vcs_type,omitempty"`

	// GitHubToken authenticates clone URLs and the REST fallback shim.
	GitHubToken string `yaml:"github_token,omitempty"`

	// GitHubRepo is the bound "owner/repo".
	GitHubRepo string `yaml:"github_repo,omitempty"`

	// GitLabToken and GitLabRepo mirror the GitHub pair.
	GitLabToken string `yaml:"gitlab_token,omitempty"`
	GitLabRepo  string `yaml:"gitlab_repo,omitempty"`

	// GitCloneURL overrides the URL derived from the repo binding.
	GitCloneURL string `yaml:"git_clone_url,omitempty"`

	// SVNUsername and SVNPassword authenticate svn operations.
	SVNUsername string `yaml:"svn_username,omitempty"`
	SVNPassword string `yaml:"svn_password,omitempty"`

	// ReviewRoot holds review/iteration checkouts outside the main tree.
	ReviewRoot string `yaml:"review_root,omitempty"`
}

// SetDefaults applies default values.
func (c *WorkspaceConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "."
	}
	if c.ReviewRoot == "" {
		c.ReviewRoot = ".studio/workspaces"
	}
}

// Validate checks the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	switch c.VCSType {
	case "", "git", "svn":
	default:
		return fmt.Errorf("workspace: unsupported vcs_type '%s'", c.VCSType)
	}
	return nil
}

// CredentialMap exposes the workspace credentials under the variable
// names MCP env templates reference.
func (c *WorkspaceConfig) CredentialMap() map[string]string {
	return map[string]string{
		"github_token":   c.GitHubToken,
		"github_repo":    c.GitHubRepo,
		"gitlab_token":   c.GitLabToken,
		"gitlab_repo":    c.GitLabRepo,
		"workspace_path": c.Path,
		"svn_username":   c.SVNUsername,
		"svn_password":   c.SVNPassword,
	}
}
