package mcp

import (
	"log/slog"
	"sync"

	"github.com/atelier-ai/studio/pkg/config"
	"github.com/atelier-ai/studio/pkg/registry"
)

// Server is one registered MCP server with its discovered tools.
type Server struct {
	Config config.MCPServerConfig

	mu    sync.RWMutex
	tools []ToolSpec
}

// Tools returns the tools discovered on this server.
func (s *Server) Tools() []ToolSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// SetTools replaces the discovered tool list.
func (s *Server) SetTools(tools []ToolSpec) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	slog.Info("MCP server tools discovered", "server", s.Config.Slug, "count", len(tools))
}

// ServerRegistry holds all configured MCP servers keyed by slug.
type ServerRegistry struct {
	*registry.BaseRegistry[*Server]
}

// NewServerRegistry registers the configured servers.
func NewServerRegistry(configs []config.MCPServerConfig) *ServerRegistry {
	r := &ServerRegistry{BaseRegistry: registry.NewBaseRegistry[*Server]()}
	for _, cfg := range configs {
		_ = r.Register(cfg.Slug, &Server{Config: cfg})
	}
	return r
}

// Enabled returns the enabled servers in registration order.
func (r *ServerRegistry) Enabled() []*Server {
	var out []*Server
	for _, server := range r.List() {
		if server.Config.Enabled {
			out = append(out, server)
		}
	}
	return out
}
