// Package tools turns the tools reported by tool servers into the
// function specs a chat backend consumes, and keeps the per-server set
// of tools the model is allowed to call.
//
// A tool the user disabled never appears in [Registry.Tools] or
// [Registry.Functions], and [Registry.Lookup] refuses it with
// [ErrToolUnavailable], so a stale call fails instead of running.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/value"
)

// Source lists the tools a server offers. *mcp.Client satisfies it.
type Source interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// Status pairs a tool with its enabled flag, for management views.
type Status struct {
	Descriptor
	Enabled bool `json:"enabled"`
}

// serverTools is the cached tool set of one server.
type serverTools struct {
	order    []string
	byName   map[string]Descriptor
	disabled map[string]bool
}

// Registry holds the discovered tools of every server.
type Registry struct {
	logger *slog.Logger
	enrich bool

	mu      sync.RWMutex
	servers map[string]*serverTools
}

// NewRegistry creates an empty registry. When enrich is true, known
// tools get usage examples appended to their descriptions.
func NewRegistry(logger *slog.Logger, enrich bool) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		enrich:  enrich,
		servers: make(map[string]*serverTools),
	}
}

// RefreshTools fetches the tool list from src and replaces the cached
// set for serverID. It returns the enabled tools in server order. On
// failure the previous cache is kept.
func (r *Registry) RefreshTools(ctx context.Context, serverID string, disabled []string, src Source) ([]Descriptor, error) {
	defs, err := src.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh tools for %s: %w", serverID, err)
	}

	st := &serverTools{
		byName:   make(map[string]Descriptor, len(defs)),
		disabled: toSet(disabled),
	}
	for _, td := range defs {
		if td.Name == "" {
			continue
		}
		if _, dup := st.byName[td.Name]; dup {
			r.logger.Warn("duplicate tool name from server", "server", serverID, "tool", td.Name)
			continue
		}
		d := FromDefinition(serverID, td)
		if r.enrich {
			d = Enrich(d)
		}
		st.order = append(st.order, td.Name)
		st.byName[td.Name] = d
	}

	r.mu.Lock()
	r.servers[serverID] = st
	r.mu.Unlock()

	enabled := r.Tools(serverID)
	r.logger.Debug("tools refreshed",
		"server", serverID,
		"offered", len(st.order),
		"enabled", len(enabled),
	)
	return enabled, nil
}

// SetDisabled replaces the disabled-tool list of serverID without
// contacting the server.
func (r *Registry) SetDisabled(serverID string, disabled []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.servers[serverID]; ok {
		st.disabled = toSet(disabled)
	}
}

// Tools returns the enabled tools of serverID in server order.
func (r *Registry) Tools(serverID string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[serverID]
	if !ok {
		return nil
	}
	out := make([]Descriptor, 0, len(st.order))
	for _, name := range st.order {
		if st.disabled[name] {
			continue
		}
		out = append(out, st.byName[name])
	}
	return out
}

// AllTools returns every tool serverID offers with its enabled flag.
func (r *Registry) AllTools(serverID string) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[serverID]
	if !ok {
		return nil
	}
	out := make([]Status, 0, len(st.order))
	for _, name := range st.order {
		out = append(out, Status{Descriptor: st.byName[name], Enabled: !st.disabled[name]})
	}
	return out
}

// Lookup returns the enabled tool name on serverID.
func (r *Registry) Lookup(serverID, name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[serverID]
	if !ok {
		return Descriptor{}, &ErrToolUnavailable{ToolName: name, Server: serverID}
	}
	d, ok := st.byName[name]
	if !ok {
		return Descriptor{}, &ErrToolUnavailable{ToolName: name, Server: serverID}
	}
	if st.disabled[name] {
		return Descriptor{}, &ErrToolUnavailable{ToolName: name, Server: serverID, Disabled: true}
	}
	return d, nil
}

// Functions returns the model function specs of the enabled tools.
func (r *Registry) Functions(serverID string) []FunctionSpec {
	tools := r.Tools(serverID)
	out := make([]FunctionSpec, len(tools))
	for i, d := range tools {
		out[i] = ToModelFunction(d)
	}
	return out
}

// FunctionMaps returns Functions rendered for chat backends.
func (r *Registry) FunctionMaps(serverID string) []map[string]any {
	specs := r.Functions(serverID)
	out := make([]map[string]any, len(specs))
	for i, f := range specs {
		out[i] = f.Map()
	}
	return out
}

// CoerceArgs coerces args toward the declared parameter types of the
// named tool. Unknown tools leave args unchanged.
func (r *Registry) CoerceArgs(serverID, name string, args value.Args) value.Args {
	d, err := r.Lookup(serverID, name)
	if err != nil {
		return args
	}
	return value.CoerceArgs(args, d.ArgTypes())
}

// Forget drops the cached tools of serverID.
func (r *Registry) Forget(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
