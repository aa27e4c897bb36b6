// Package mcp connects external Model Context Protocol servers and
// publishes their tools through the local registry, so remote tools flow
// through the same approval and tracing path as builtin ones.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gateclaw/gateclaw/pkg/config"
	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/tools"
)

const (
	initTimeout        = 30 * time.Second
	defaultCallTimeout = 60 * time.Second

	// nameSep joins server and tool into the model-facing name. Both SDK
	// vendors restrict tool names to [a-zA-Z0-9_-], so a dot is out.
	nameSep = "__"
)

// Manager owns the sessions to configured MCP servers and the registry
// entries derived from them.
type Manager struct {
	registry *tools.Registry

	mu         sync.Mutex
	sessions   map[string]*mcpsdk.ClientSession
	registered map[string][]string // server name -> registered tool names
}

func NewManager(registry *tools.Registry) *Manager {
	return &Manager{
		registry:   registry,
		sessions:   make(map[string]*mcpsdk.ClientSession),
		registered: make(map[string][]string),
	}
}

// ConnectAll dials every enabled server. A server that fails to connect
// is logged and skipped; the gateway runs with whatever came up.
func (m *Manager) ConnectAll(ctx context.Context, cfgs []config.MCPServerConfig) {
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if err := m.Connect(ctx, cfg); err != nil {
			logger.WarnCF("mcp", "server unavailable, continuing without it", map[string]any{
				"server": cfg.Name, "error": err.Error(),
			})
		}
	}
}

// Connect dials one server, lists its tools, and registers each under the
// server's name so the approval broker classifies them per server.
func (m *Manager) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp server needs a name")
	}
	transport, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "gateclaw", Version: "1.0"}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", cfg.Name, err)
	}

	callTimeout := defaultCallTimeout
	if cfg.TimeoutSeconds > 0 {
		callTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return m.adoptSession(initCtx, cfg.Name, session, callTimeout)
}

// adoptSession lists the server's tools and registers them, replacing any
// previous session under the same name.
func (m *Manager) adoptSession(ctx context.Context, name string, session *mcpsdk.ClientSession, callTimeout time.Duration) error {
	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return fmt.Errorf("list tools from %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[name]; ok {
		old.Close()
		m.unregisterLocked(name)
	}
	m.sessions[name] = session

	var names []string
	for _, t := range listed.Tools {
		rt := &remoteTool{
			session:     session,
			server:      name,
			remoteName:  t.Name,
			description: t.Description,
			schema:      decodeSchema(t.InputSchema),
			callTimeout: callTimeout,
		}
		m.registry.RegisterServer(rt, name)
		names = append(names, rt.Name())
	}
	m.registered[name] = names

	logger.InfoCF("mcp", "server connected", map[string]any{
		"server": name, "tools": len(names),
	})
	return nil
}

// Disconnect closes one server's session and removes its tools.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[name]; ok {
		session.Close()
		delete(m.sessions, name)
	}
	m.unregisterLocked(name)
}

// Close shuts every session down and clears the registry entries.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
		m.unregisterLocked(name)
	}
	m.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

// Servers reports connected server names.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

func (m *Manager) unregisterLocked(server string) {
	for _, name := range m.registered[server] {
		m.registry.Unregister(name)
	}
	delete(m.registered, server)
}

func buildTransport(cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" {
			t.HTTPClient = bearerClient(cfg.BearerToken)
		}
		return t, nil
	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		t := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" {
			t.HTTPClient = bearerClient(cfg.BearerToken)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func bearerClient(token string) *http.Client {
	return &http.Client{Transport: &bearerTransport{base: http.DefaultTransport, token: token}}
}

type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// remoteTool adapts one MCP tool to the local Tool interface. The exposed
// name is server__tool to keep names unique across servers.
type remoteTool struct {
	session     *mcpsdk.ClientSession
	server      string
	remoteName  string
	description string
	schema      map[string]any
	callTimeout time.Duration
}

func (r *remoteTool) Name() string { return r.server + nameSep + r.remoteName }

func (r *remoteTool) Description() string {
	if r.description != "" {
		return r.description
	}
	return "remote tool " + r.remoteName + " on " + r.server
}

func (r *remoteTool) Parameters() map[string]any { return r.schema }

func (r *remoteTool) Execute(ctx context.Context, args map[string]any) *tools.ToolResult {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := r.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      r.remoteName,
		Arguments: args,
	})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("remote tool call failed: %s", err))
	}
	text := textContent(result)
	if result.IsError {
		return tools.ErrorResult(text)
	}
	return tools.NewToolResult(text)
}

// SplitName recovers the server and remote tool name from an exposed name.
func SplitName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, nameSep)
	return server, tool, ok && server != "" && tool != ""
}

// textContent concatenates text items; non-text content is skipped.
func textContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeSchema turns the SDK's schema value into the map form the
// providers expect. A missing or undecodable schema degrades to a bare
// object schema.
func decodeSchema(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return fallback
	}
	return out
}
