package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gateclaw/gateclaw/pkg/logger"
)

// Definition is the provider-neutral schema of one tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Server is "builtin" for local tools, or the MCP server name.
	Server string
}

// Registry holds the tool table. Tools are registered at init; MCP tools
// may be added and removed at runtime.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	servers map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		servers: make(map[string]string),
	}
}

// Register adds a builtin tool. Registering a duplicate name replaces the
// previous entry.
func (r *Registry) Register(tool Tool) {
	r.RegisterServer(tool, "builtin")
}

// RegisterServer adds a tool owned by the named server.
func (r *Registry) RegisterServer(tool Tool, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		logger.WarnCF("tools", "replacing registered tool", map[string]any{"tool": tool.Name()})
	}
	r.tools[tool.Name()] = tool
	r.servers[tool.Name()] = server
}

// Unregister removes a tool, e.g. when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.servers, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Server returns the owning server of a tool.
func (r *Registry) Server(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[name]; ok {
		return s
	}
	return "builtin"
}

// Names returns registered tool names sorted for stable prompt caching.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns schemas for the named tools, or for every tool when
// allowed is nil. Order follows Names for cache stability.
func (r *Registry) Definitions(allowed []string) []Definition {
	allowSet := map[string]bool{}
	for _, name := range allowed {
		allowSet[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allowed == nil || allowSet[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
			Server:      r.servers[name],
		})
	}
	return defs
}

// Execute runs a tool by name. Unknown tools return an error result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return tool.Execute(ctx, args)
}
