package config

// LLMConfig configures the default provider family.
type LLMConfig struct {
	// BaseURL of the OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey for bearer authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// Model is the default model when the caller does not pick one.
	Model string `yaml:"model,omitempty"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://models.inference.ai.azure.com"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

// CopilotConfig configures the Copilot-style provider family. The
// bearer token comes from an external session manager per request.
type CopilotConfig struct {
	// BaseURL of the Copilot completions endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// TokenCommand, when set, is executed to obtain a session token.
	TokenCommand string `yaml:"token_command,omitempty"`

	// TokenEnv names an environment variable holding the token.
	TokenEnv string `yaml:"token_env,omitempty"`
}

// SetDefaults applies default values.
func (c *CopilotConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.githubcopilot.com"
	}
	if c.TokenEnv == "" {
		c.TokenEnv = "COPILOT_TOKEN"
	}
}

// ProviderRecord is a third-party OpenAI-compatible endpoint resolved
// by the `<slug>:<model>` model-id shape.
type ProviderRecord struct {
	Slug    string `yaml:"slug"`
	Name    string `yaml:"name,omitempty"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
	Enabled bool   `yaml:"enabled"`
}
