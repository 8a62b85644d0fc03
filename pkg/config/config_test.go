package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".studio", cfg.DataDir)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 15, cfg.Agent.MaxToolRounds)
	assert.True(t, *cfg.Agent.FabricationCheck)
	assert.False(t, cfg.Agent.AllowUnattendedWrites)
	assert.Equal(t, "chromem", cfg.RAG.Backend)
	assert.Equal(t, 0.7, cfg.RAG.VectorWeight)
	assert.Equal(t, 200000, cfg.Observability.SessionBudgetTokens)
	assert.Contains(t, cfg.Agent.Permissions, "execute_readonly_command")
	assert.NotContains(t, cfg.Agent.Permissions, "execute_command")
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("STUDIO_TEST_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "studio.yaml")
	content := `
llm:
  api_key: ${STUDIO_TEST_KEY}
  model: deepseek-chat
workspace:
  path: /tmp/project
  github_token: ${MISSING_VAR:-fallback}
mcp_servers:
  - slug: github
    command: npx
    args: ["-y", "@modelcontextprotocol/server-github"]
    enabled: true
    env:
      GITHUB_TOKEN: "{github_token}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, "fallback", cfg.Workspace.GitHubToken)
	require.Len(t, cfg.MCPServers, 1)
	assert.Equal(t, "stdio", cfg.MCPServers[0].Transport)
	// {var} placeholders are resolved at connect time, not load time
	assert.Equal(t, "{github_token}", cfg.MCPServers[0].EnvTemplate["GITHUB_TOKEN"])
}

func TestValidate_MCPTransportBinding(t *testing.T) {
	cfg := &Config{
		MCPServers: []MCPServerConfig{
			{Slug: "bad", Transport: "stdio", URL: "http://x"},
		},
	}
	cfg.SetDefaults()
	cfg.MCPServers[0].Command = "npx"
	err := cfg.Validate()
	assert.ErrorContains(t, err, "must not set url")
}

func TestValidate_DuplicateSlugs(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderRecord{
			{Slug: "a", BaseURL: "http://x"},
			{Slug: "a", BaseURL: "http://y"},
		},
	}
	cfg.SetDefaults()
	assert.ErrorContains(t, cfg.Validate(), "duplicate provider slug")
}

func TestWorkspaceCredentialMap(t *testing.T) {
	ws := WorkspaceConfig{Path: "/srv/proj", GitHubToken: "tok"}
	ws.SetDefaults()

	creds := ws.CredentialMap()
	assert.Equal(t, "tok", creds["github_token"])
	assert.Equal(t, "/srv/proj", creds["workspace_path"])
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO_BAR", "baz")

	assert.Equal(t, "baz", expandEnvVars("${FOO_BAR}"))
	assert.Equal(t, "def", expandEnvVars("${NOPE_NOPE:-def}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}
