package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpwire "github.com/mark3labs/mcp-go/mcp"

	"github.com/atelier-ai/studio/pkg/config"
	"github.com/atelier-ai/studio/pkg/httpclient"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "studio"
	clientVersion   = "1.0.0"

	initializeTimeout = 30 * time.Second
	rpcTimeout        = 60 * time.Second
	callToolTimeout   = 120 * time.Second
	pingTimeout       = 5 * time.Second
	spawnGracePeriod  = 200 * time.Millisecond
)

// Connection is one live link to an MCP server, over stdio (subprocess
// via mcp-go) or an HTTP transport (JSON-RPC POST).
type Connection struct {
	cfg config.MCPServerConfig

	mu        sync.Mutex
	stdio     *mcpclient.Client
	http      *httpclient.Client
	requestID atomic.Int64
	connected bool
	lastError string
	info      map[string]any
}

// Connect establishes the link and performs the initialize handshake.
func Connect(ctx context.Context, cfg config.MCPServerConfig, env map[string]string) (*Connection, error) {
	conn := &Connection{cfg: cfg}

	var err error
	switch cfg.Transport {
	case "", "stdio":
		err = conn.connectStdio(ctx, env)
	case "sse", "streamable_http":
		err = conn.connectHTTP(ctx)
	default:
		err = fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		conn.lastError = err.Error()
		return nil, err
	}

	conn.connected = true
	return conn, nil
}

func (c *Connection) connectStdio(ctx context.Context, env map[string]string) error {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	client, err := mcpclient.NewStdioMCPClient(c.cfg.Command, envList, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("进程启动失败: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("进程启动失败: %w", err)
	}

	// Servers that die on bad credentials usually exit within the
	// grace period; initialize then fails fast instead of hanging.
	time.Sleep(spawnGracePeriod)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	initReq := mcpwire.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcpwire.Implementation{Name: clientName, Version: clientVersion}

	result, err := client.Initialize(initCtx, initReq)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize 无响应: %w", err)
	}

	c.stdio = client
	c.info = map[string]any{
		"name":    result.ServerInfo.Name,
		"version": result.ServerInfo.Version,
	}
	slog.Info("MCP server connected",
		"server", c.cfg.Slug,
		"transport", "stdio",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
	)
	return nil
}

func (c *Connection) connectHTTP(ctx context.Context) error {
	c.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: rpcTimeout}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	resp, err := c.httpRPC(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}, initializeTimeout)
	if err != nil {
		return fmt.Errorf("initialize 无响应: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize 失败: %s", resp.Error.Message)
	}

	if result, ok := resp.Result.(map[string]any); ok {
		if serverInfo, ok := result["serverInfo"].(map[string]any); ok {
			c.info = serverInfo
		}
	}
	slog.Info("MCP server connected", "server", c.cfg.Slug, "transport", c.cfg.Transport)
	return nil
}

type rpcResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Connection) httpRPC(ctx context.Context, method string, params any, timeout time.Duration) (*rpcResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(text))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return &parsed, nil
	}

	// SSE-framed response
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &parsed); err == nil {
				return &parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("unparseable MCP response")
}

// IsConnected reports whether the link is usable.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent failure description.
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// ServerInfo returns the serverInfo from the initialize handshake.
func (c *Connection) ServerInfo() map[string]any {
	return c.info
}

// ListTools runs tools/list and returns the discovered specs.
func (c *Connection) ListTools(ctx context.Context) ([]ToolSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	if c.stdio != nil {
		resp, err := c.stdio.ListTools(ctx, mcpwire.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		specs := make([]ToolSpec, 0, len(resp.Tools))
		for _, tool := range resp.Tools {
			specs = append(specs, ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schemaToMap(tool.InputSchema),
			})
		}
		return specs, nil
	}

	resp, err := c.httpRPC(ctx, "tools/list", map[string]any{}, rpcTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list 失败: %s", resp.Error.Message)
	}

	var specs []ToolSpec
	if result, ok := resp.Result.(map[string]any); ok {
		if toolList, ok := result["tools"].([]any); ok {
			for _, raw := range toolList {
				toolMap, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				spec := ToolSpec{}
				spec.Name, _ = toolMap["name"].(string)
				spec.Description, _ = toolMap["description"].(string)
				spec.InputSchema, _ = toolMap["inputSchema"].(map[string]any)
				specs = append(specs, spec)
			}
		}
	}
	return specs, nil
}

// CallTool runs tools/call. Transport failures land in CallResult.Err
// so the caller can render and audit them uniformly.
func (c *Connection) CallTool(ctx context.Context, toolName string, arguments map[string]any) *CallResult {
	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	if c.stdio != nil {
		req := mcpwire.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = arguments

		resp, err := c.stdio.CallTool(ctx, req)
		if err != nil {
			return &CallResult{Err: fmt.Sprintf("MCP 工具调用失败: %s (%v)", toolName, err)}
		}

		result := &CallResult{IsError: resp.IsError}
		for _, content := range resp.Content {
			switch item := content.(type) {
			case mcpwire.TextContent:
				result.Content = append(result.Content, ContentItem{Type: "text", Text: item.Text})
			case mcpwire.ImageContent:
				result.Content = append(result.Content, ContentItem{Type: "image"})
			case mcpwire.EmbeddedResource:
				entry := ContentItem{Type: "resource", URI: "?"}
				if text, ok := item.Resource.(mcpwire.TextResourceContents); ok {
					entry.URI = text.URI
					entry.Text = text.Text
				}
				result.Content = append(result.Content, entry)
			}
		}
		return result
	}

	resp, err := c.httpRPC(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": arguments,
	}, callToolTimeout)
	if err != nil {
		return &CallResult{Err: fmt.Sprintf("MCP 工具调用失败: %s (%v)", toolName, err)}
	}
	if resp.Error != nil {
		return &CallResult{Err: resp.Error.Message}
	}

	result := &CallResult{}
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return &CallResult{Err: fmt.Sprintf("MCP 工具调用失败: %s (无响应)", toolName)}
	}
	result.IsError, _ = resultMap["isError"].(bool)
	if contents, ok := resultMap["content"].([]any); ok {
		for _, raw := range contents {
			itemMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			item := ContentItem{}
			item.Type, _ = itemMap["type"].(string)
			item.Text, _ = itemMap["text"].(string)
			if resource, ok := itemMap["resource"].(map[string]any); ok {
				item.URI, _ = resource["uri"].(string)
				item.Text, _ = resource["text"].(string)
			}
			result.Content = append(result.Content, item)
		}
	}
	return result
}

// Ping checks liveness.
func (c *Connection) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if c.stdio != nil {
		return c.stdio.Ping(ctx) == nil
	}
	resp, err := c.httpRPC(ctx, "ping", nil, pingTimeout)
	return err == nil && resp.Error == nil
}

// Close tears down the link; the stdio subprocess is terminated.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.stdio != nil {
		_ = c.stdio.Close()
		c.stdio = nil
	}
	c.http = nil
	slog.Info("MCP server disconnected", "server", c.cfg.Slug)
}

func schemaToMap(schema mcpwire.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
