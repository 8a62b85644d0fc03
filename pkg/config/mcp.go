package config

import "fmt"

// MCPServerConfig describes one external tool server.
type MCPServerConfig struct {
	// Slug identifies the server in tool names (mcp_<slug>__<tool>).
	Slug string `yaml:"slug"`

	// Name is the display name.
	Name string `yaml:"name,omitempty"`

	// Transport: stdio, sse or streamable_http.
	Transport string `yaml:"transport,omitempty"`

	// Command and Args spawn the stdio subprocess.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// EnvTemplate values may contain {var} placeholders resolved against
	// workspace credentials at connect time.
	EnvTemplate map[string]string `yaml:"env,omitempty"`

	// URL locates sse/http servers.
	URL string `yaml:"url,omitempty"`

	// Enabled gates discovery and execution.
	Enabled bool `yaml:"enabled"`

	// PermissionMap maps tool names to extra required permission keys.
	PermissionMap map[string]string `yaml:"permission_map,omitempty"`
}

// SetDefaults applies default values.
func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "stdio"
	}
	if c.Name == "" {
		c.Name = c.Slug
	}
}

// Validate checks that exactly one transport binding is operative.
func (c *MCPServerConfig) Validate() error {
	if c.Slug == "" {
		return fmt.Errorf("mcp server missing slug")
	}

	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp server '%s': stdio transport requires command", c.Slug)
		}
		if c.URL != "" {
			return fmt.Errorf("mcp server '%s': stdio transport must not set url", c.Slug)
		}
	case "sse", "streamable_http":
		if c.URL == "" {
			return fmt.Errorf("mcp server '%s': %s transport requires url", c.Slug, c.Transport)
		}
		if c.Command != "" {
			return fmt.Errorf("mcp server '%s': %s transport must not set command", c.Slug, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server '%s': unsupported transport '%s'", c.Slug, c.Transport)
	}

	return nil
}
