// Package registry aggregates tool definitions discovered across all MCP
// connections into one namespace and routes tool calls back to the
// connection that owns them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mcpchat/mcpchat/internal/mcp"
)

// ErrUnknownTool is returned when a lookup targets a tool that no
// connected server advertises. Callers should surface this to the model
// as a failed tool result rather than aborting the session.
var ErrUnknownTool = errors.New("registry: unknown tool")

// Caller is the dispatch target for a registered tool. *mcp.Conn
// satisfies it; tests substitute fakes.
type Caller interface {
	Name() string
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Entry is one registered tool: its registry-unique name (possibly
// prefixed after collision renaming), its schema, and where it routes.
type Entry struct {
	// Name is unique within the registry.
	Name        string
	Description string
	InputSchema map[string]any

	// Server is the owning server's identity; MCPName is the tool's
	// un-prefixed wire name, used when dispatching to the server.
	Server  string
	MCPName string

	conn Caller
}

// Call dispatches to the owning connection using the wire name.
func (e *Entry) Call(ctx context.Context, args map[string]any) (string, error) {
	return e.conn.CallTool(ctx, e.MCPName, args)
}

// Registry holds the merged tool namespace. Safe for concurrent use,
// though registration normally happens only at session startup.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Register merges a server's tools into the registry.
//
// Collision policy: when another server already owns a tool name, the
// later registration keeps both by renaming the newcomer to
// "{server}:{tool}", suffixed "#2", "#3", ... in the unlikely case the
// prefixed name is taken by yet another server. Matching is
// case-sensitive and the rename depends only on the server and tool
// names and the registration order, so the same inputs always produce
// the same final name. A collision raises a warning, never a silent
// overwrite. Re-registering the same name from the same server replaces
// the earlier entry (the server redefined the tool).
func (r *Registry) Register(serverName string, conn Caller, defs []mcp.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, td := range defs {
		name := td.Name
		if existing, ok := r.entries[name]; ok && existing.Server != serverName {
			name = fmt.Sprintf("%s:%s", serverName, td.Name)
			// The prefixed name can itself belong to another server when
			// that server advertises a wire name of the same shape. Add a
			// numeric suffix until the name is free; the walk order is
			// fixed, so the same inputs still yield the same final name.
			for n := 2; ; n++ {
				taken, ok := r.entries[name]
				if !ok || taken.Server == serverName {
					break
				}
				name = fmt.Sprintf("%s:%s#%d", serverName, td.Name, n)
			}
			r.logger.Warn("tool name collision, registering under prefixed name",
				"tool", td.Name,
				"owner", existing.Server,
				"server", serverName,
				"renamed", name,
			)
		}
		if existing, ok := r.entries[name]; ok && existing.Server == serverName {
			r.logger.Warn("tool redefined by its server",
				"tool", name,
				"server", serverName,
			)
		}

		r.entries[name] = &Entry{
			Name:        name,
			Description: td.Description,
			InputSchema: td.InputSchema,
			Server:      serverName,
			MCPName:     td.Name,
			conn:        conn,
		}
	}
}

// Lookup returns the entry for a registry name.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e, nil
}

// Resolve looks up a tool requested by the model and returns its
// dispatch entry. The entry carries the owning connection and the wire
// name with any registry-added prefix stripped.
func (r *Registry) Resolve(name string) (*Entry, error) {
	return r.Lookup(name)
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ExportSchema produces the tool definitions in the neutral
// function-declaration format the LLM gateway consumes. Output is
// sorted by tool name so exports are deterministic.
func (r *Registry) ExportSchema() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		e := r.entries[name]
		params := any(e.InputSchema)
		if e.InputSchema == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        e.Name,
				"description": e.Description,
				"parameters":  params,
			},
		})
	}
	return result
}
