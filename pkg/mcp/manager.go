package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// connector abstracts Connect so the manager is testable without
// spawning subprocesses.
type connector interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
	CallTool(ctx context.Context, toolName string, arguments map[string]any) *CallResult
	Ping(ctx context.Context) bool
	IsConnected() bool
	ServerInfo() map[string]any
	Close()
}

type dialFunc func(ctx context.Context, server *Server, env map[string]string) (connector, error)

func defaultDial(ctx context.Context, server *Server, env map[string]string) (connector, error) {
	return Connect(ctx, server.Config, env)
}

// Manager owns the live connections, one per server slug. Connections
// are reused while healthy and rebuilt when stale.
type Manager struct {
	registry *ServerRegistry
	secrets  *SecretResolver
	dial     dialFunc

	mu          sync.Mutex
	connections map[string]connector
	lastErrors  map[string]string
}

func NewManager(registry *ServerRegistry, secrets *SecretResolver) *Manager {
	return &Manager{
		registry:    registry,
		secrets:     secrets,
		dial:        defaultDial,
		connections: make(map[string]connector),
		lastErrors:  make(map[string]string),
	}
}

// GetOrConnect returns the live connection for a server, dialing on
// first use and redialing when the cached one went stale. Discovered
// tools are published back onto the server entry.
func (m *Manager) GetOrConnect(ctx context.Context, server *Server, envOverride map[string]string) (connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slug := server.Config.Slug
	if conn, ok := m.connections[slug]; ok {
		if conn.IsConnected() {
			return conn, nil
		}
		conn.Close()
		delete(m.connections, slug)
		slog.Info("MCP connection stale, reconnecting", "server", slug)
	}

	env := m.secrets.Resolve(server.Config.EnvTemplate, envOverride)
	conn, err := m.dial(ctx, server, env)
	if err != nil {
		m.lastErrors[slug] = err.Error()
		return nil, err
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		m.lastErrors[slug] = err.Error()
		conn.Close()
		return nil, fmt.Errorf("tools/list 失败: %w", err)
	}
	server.SetTools(tools)

	m.connections[slug] = conn
	delete(m.lastErrors, slug)
	return conn, nil
}

// Disconnect closes and drops one connection.
func (m *Manager) Disconnect(slug string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[slug]; ok {
		conn.Close()
		delete(m.connections, slug)
	}
}

// DisconnectAll closes every live connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slug, conn := range m.connections {
		conn.Close()
		delete(m.connections, slug)
	}
}

// LastError returns the most recent connection failure for a server.
func (m *Manager) LastError(slug string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErrors[slug]
}

// HealthReport describes one server's connection state.
type HealthReport struct {
	Connected  bool           `json:"connected"`
	Healthy    bool           `json:"healthy"`
	ServerInfo map[string]any `json:"server_info,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

// HealthCheck pings every live connection.
func (m *Manager) HealthCheck(ctx context.Context) map[string]HealthReport {
	m.mu.Lock()
	connections := make(map[string]connector, len(m.connections))
	for slug, conn := range m.connections {
		connections[slug] = conn
	}
	lastErrors := make(map[string]string, len(m.lastErrors))
	for slug, msg := range m.lastErrors {
		lastErrors[slug] = msg
	}
	m.mu.Unlock()

	report := make(map[string]HealthReport)
	for _, server := range m.registry.List() {
		slug := server.Config.Slug
		entry := HealthReport{LastError: lastErrors[slug]}
		if conn, ok := connections[slug]; ok && conn.IsConnected() {
			entry.Connected = true
			entry.Healthy = conn.Ping(ctx)
			entry.ServerInfo = conn.ServerInfo()
		}
		report[slug] = entry
	}
	return report
}

// ServerStatus is the per-server summary shown in status listings.
type ServerStatus struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	LastError string `json:"last_error,omitempty"`
}

// Status summarizes every registered server.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ServerStatus
	for _, server := range m.registry.List() {
		slug := server.Config.Slug
		entry := ServerStatus{
			Slug:      slug,
			Name:      server.Config.Name,
			Enabled:   server.Config.Enabled,
			ToolCount: len(server.Tools()),
			LastError: m.lastErrors[slug],
		}
		if conn, ok := m.connections[slug]; ok && conn.IsConnected() {
			entry.Connected = true
		}
		out = append(out, entry)
	}
	return out
}
