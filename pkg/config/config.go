// Package config defines the YAML configuration surface of the studio
// core: providers, MCP servers, RAG, budgets and workspace bindings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// Workspace binds the core to a project directory and its VCS.
	Workspace WorkspaceConfig `yaml:"workspace,omitempty"`

	// LLM configures the default provider.
	LLM LLMConfig `yaml:"llm,omitempty"`

	// Copilot configures the Copilot-style provider family.
	Copilot CopilotConfig `yaml:"copilot,omitempty"`

	// Providers lists third-party OpenAI-compatible endpoints by slug.
	Providers []ProviderRecord `yaml:"providers,omitempty"`

	// MCPServers lists external tool servers.
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`

	// Agent tunes the reasoning loop.
	Agent AgentConfig `yaml:"agent,omitempty"`

	// RAG tunes chunking, embedding and retrieval.
	RAG RAGConfig `yaml:"rag,omitempty"`

	// Observability tunes tracing, metrics and budgets.
	Observability ObservabilityConfig `yaml:"observability,omitempty"`

	// DataDir holds the SQLite database and index files.
	DataDir string `yaml:"data_dir,omitempty"`
}

// Load reads, expands and validates a configuration file. A missing
// path yields the zero config with defaults applied.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = ".studio"
	}

	c.Workspace.SetDefaults()
	c.LLM.SetDefaults()
	c.Copilot.SetDefaults()
	c.Agent.SetDefaults()
	c.RAG.SetDefaults()
	c.Observability.SetDefaults()
	for i := range c.MCPServers {
		c.MCPServers[i].SetDefaults()
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := c.Workspace.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.RAG.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Slug == "" {
			return fmt.Errorf("provider record missing slug")
		}
		if seen[p.Slug] {
			return fmt.Errorf("duplicate provider slug '%s'", p.Slug)
		}
		seen[p.Slug] = true
	}

	slugs := make(map[string]bool)
	for i := range c.MCPServers {
		s := &c.MCPServers[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if slugs[s.Slug] {
			return fmt.Errorf("duplicate MCP server slug '%s'", s.Slug)
		}
		slugs[s.Slug] = true
	}

	return nil
}

// DatabasePath returns the SQLite file shared by audit, memory, traces
// and the RAG index.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "studio.db")
}
