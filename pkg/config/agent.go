package config

import "fmt"

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	// MaxToolRounds caps tool-call rounds per turn.
	MaxToolRounds int `yaml:"max_tool_rounds,omitempty"`

	// FabricationCheck enables the fabricated-execution detector.
	FabricationCheck *bool `yaml:"fabrication_check,omitempty"`

	// ReflectionInterval invokes reflection every N rounds. 0 disables.
	ReflectionInterval int `yaml:"reflection_interval,omitempty"`

	// AllowUnattendedWrites lets write commands run without an approval
	// callback. Off by default.
	AllowUnattendedWrites bool `yaml:"allow_unattended_writes,omitempty"`

	// Permissions granted to the agent by default.
	Permissions []string `yaml:"permissions,omitempty"`
}

// SetDefaults applies default values.
func (c *AgentConfig) SetDefaults() {
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 15
	}
	if c.FabricationCheck == nil {
		enabled := true
		c.FabricationCheck = &enabled
	}
	if c.Permissions == nil {
		c.Permissions = []string{
			"ask_user",
			"read_source",
			"read_config",
			"search",
			"tree",
			"execute_readonly_command",
		}
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("agent: max_tool_rounds must be >= 1, got %d", c.MaxToolRounds)
	}
	if c.ReflectionInterval < 0 {
		return fmt.Errorf("agent: reflection_interval must be >= 0, got %d", c.ReflectionInterval)
	}
	return nil
}
