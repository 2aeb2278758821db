package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/opstate"
	"github.com/nugget/tadpole/internal/tools"
)

// Store namespaces and keys.
const (
	nsServers   = "servers"
	nsSelection = "selection"

	keyActiveServer = "active_server"
	keyModel        = "model"
	keyBootstrapped = "bootstrapped"
)

// aggregateLimit bounds concurrent probes in AggregateTools.
const aggregateLimit = 4

// Config holds the dependencies of a Directory.
type Config struct {
	Store    *opstate.Store
	Factory  ClientFactory
	Registry *tools.Registry
	// Defaults are bootstrap entries. All of them are added on first
	// run; built-in entries are restored whenever they are missing.
	Defaults []config.ServerConfig
	Bus      *events.Bus
	Logger   *slog.Logger
}

type entry struct {
	server    Server
	status    Status
	lastErr   string
	checkedAt time.Time

	client    ToolClient
	clientKey string
}

// View is a server together with its connection status.
type View struct {
	Server
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
	Active    bool      `json:"active"`
}

// ServerTools is one server's contribution to an aggregate tool view.
type ServerTools struct {
	Server Server             `json:"server"`
	Tools  []tools.Descriptor `json:"tools"`
}

// Directory is the set of configured tool servers.
type Directory struct {
	store    *opstate.Store
	factory  ClientFactory
	registry *tools.Registry
	bus      *events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	servers  map[string]*entry
	selected string
	model    string
}

// New loads the directory from the store and bootstraps defaults.
func New(cfg Config) (*Directory, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("directory: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = tools.NewRegistry(logger, true)
	}
	factory := cfg.Factory
	if factory == nil {
		factory = NewClientFactory(config.MCPConfig{}, logger)
	}

	d := &Directory{
		store:    cfg.Store,
		factory:  factory,
		registry: registry,
		bus:      cfg.Bus,
		logger:   logger.With("component", "directory"),
		servers:  make(map[string]*entry),
	}

	if err := d.load(); err != nil {
		return nil, err
	}
	if err := d.bootstrap(cfg.Defaults); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	raw, err := d.store.List(nsServers)
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	for id, data := range raw {
		var s Server
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			d.logger.Warn("skipping unreadable server entry", "server_id", id, "error", err)
			continue
		}
		s.ID = id
		d.servers[id] = &entry{server: s, status: StatusUnknown}
	}

	sel, err := d.store.List(nsSelection)
	if err != nil {
		return fmt.Errorf("load selection: %w", err)
	}
	if id := sel[keyActiveServer]; id != "" {
		if _, ok := d.servers[id]; ok {
			d.selected = id
		} else {
			d.logger.Warn("stored active server no longer exists", "server_id", id)
		}
	}
	d.model = sel[keyModel]

	d.logger.Debug("directory loaded", "servers", len(d.servers), "active", d.selected)
	return nil
}

func (d *Directory) bootstrap(defaults []config.ServerConfig) error {
	done, err := d.store.Get(nsSelection, keyBootstrapped)
	if err != nil {
		return fmt.Errorf("load bootstrap flag: %w", err)
	}
	firstRun := done == ""

	var add []Server
	for _, sc := range defaults {
		s := FromConfig(sc)
		if _, ok := d.servers[s.ID]; ok {
			continue
		}
		if firstRun || s.BuiltIn {
			add = append(add, s)
		}
	}
	if len(add) == 0 && !firstRun {
		return nil
	}

	err = d.store.Update(func(b *opstate.Batch) error {
		for _, s := range add {
			if err := b.SetJSON(nsServers, s.ID, s); err != nil {
				return err
			}
		}
		return b.Set(nsSelection, keyBootstrapped, "1")
	})
	if err != nil {
		return fmt.Errorf("bootstrap servers: %w", err)
	}

	for _, s := range add {
		d.servers[s.ID] = &entry{server: s, status: StatusUnknown}
		d.logger.Info("bootstrapped tool server", "server_id", s.ID, "name", s.Name, "builtin", s.BuiltIn)
	}
	if d.selected == "" && firstRun {
		for _, s := range add {
			if s.Enabled {
				d.selected = s.ID
				if err := d.store.Set(nsSelection, keyActiveServer, s.ID); err != nil {
					return fmt.Errorf("store selection: %w", err)
				}
				break
			}
		}
	}
	return nil
}

// Registry returns the tool registry the directory refreshes.
func (d *Directory) Registry() *tools.Registry {
	return d.registry
}

// List returns all servers: built-ins first, then by name.
func (d *Directory) List() []Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Server, 0, len(d.servers))
	for _, e := range d.servers {
		out = append(out, e.server.clone())
	}
	sortServers(out)
	return out
}

// Views returns List together with each server's status.
func (d *Directory) Views() []View {
	servers := d.List()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]View, 0, len(servers))
	for _, s := range servers {
		e, ok := d.servers[s.ID]
		if !ok {
			continue
		}
		out = append(out, View{
			Server:    s,
			Status:    e.status,
			LastError: e.lastErr,
			CheckedAt: e.checkedAt,
			Active:    s.ID == d.selected,
		})
	}
	return out
}

func sortServers(s []Server) {
	slices.SortFunc(s, func(a, b Server) int {
		if a.BuiltIn != b.BuiltIn {
			if a.BuiltIn {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Get returns the server with the given id.
func (d *Directory) Get(id string) (Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.servers[id]
	if !ok {
		return Server{}, unknownServer(id)
	}
	return e.server.clone(), nil
}

// Add creates a new server from s. The id is always freshly assigned
// and built-in status cannot be granted.
func (d *Directory) Add(s Server) (Server, error) {
	s.ID = uuid.NewString()
	s.BuiltIn = false
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)
	if err := validate(s); err != nil {
		return Server{}, err
	}
	s = s.clone()

	d.mu.Lock()
	if err := d.store.SetJSON(nsServers, s.ID, s); err != nil {
		d.mu.Unlock()
		return Server{}, fmt.Errorf("store server %s: %w", s.ID, err)
	}
	d.servers[s.ID] = &entry{server: s, status: StatusUnknown}
	d.mu.Unlock()

	d.logger.Info("tool server added", "server_id", s.ID, "name", s.Name, "url", s.URL)
	d.changed(s.ID, "added")
	return s.clone(), nil
}

// Remove deletes a server. Built-in entries cannot be removed.
func (d *Directory) Remove(id string) error {
	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return unknownServer(id)
	}
	if e.server.BuiltIn {
		d.mu.Unlock()
		return &ConfigurationError{ServerID: id, Reason: "built-in servers cannot be removed"}
	}

	wasSelected := d.selected == id
	err := d.store.Update(func(b *opstate.Batch) error {
		if err := b.Delete(nsServers, id); err != nil {
			return err
		}
		if wasSelected {
			return b.Delete(nsSelection, keyActiveServer)
		}
		return nil
	})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("remove server %s: %w", id, err)
	}

	delete(d.servers, id)
	if wasSelected {
		d.selected = ""
	}
	client := e.client
	d.mu.Unlock()

	d.registry.Forget(id)
	if client != nil {
		if err := client.Close(); err != nil {
			d.logger.Debug("close removed server client", "server_id", id, "error", err)
		}
	}

	d.logger.Info("tool server removed", "server_id", id, "name", e.server.Name)
	d.changed(id, "removed")
	if wasSelected {
		d.selectionChanged()
	}
	return nil
}

// Toggle flips the enabled flag of a server. Disabling a server ends
// its session and clears it from the selection.
func (d *Directory) Toggle(id string) (Server, error) {
	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return Server{}, unknownServer(id)
	}
	s := e.server.clone()
	s.Enabled = !s.Enabled
	deselect := !s.Enabled && d.selected == id
	if err := d.storeServer(s, deselect); err != nil {
		d.mu.Unlock()
		return Server{}, err
	}
	e.server = s
	if deselect {
		d.selected = ""
	}
	client := e.client
	d.mu.Unlock()

	if !s.Enabled && client != nil {
		client.Disconnect()
		d.SetStatus(id, StatusDisconnected, nil)
	}

	d.logger.Info("tool server toggled", "server_id", id, "enabled", s.Enabled)
	d.changed(id, "toggled")
	if deselect {
		d.selectionChanged()
	}
	return s.clone(), nil
}

// storeServer persists s, deleting the active selection in the same
// transaction when deselect is set. d.mu must be held.
func (d *Directory) storeServer(s Server, deselect bool) error {
	err := d.store.Update(func(b *opstate.Batch) error {
		if err := b.SetJSON(nsServers, s.ID, s); err != nil {
			return err
		}
		if deselect {
			return b.Delete(nsSelection, keyActiveServer)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store server %s: %w", s.ID, err)
	}
	return nil
}

// Update replaces the editable settings of a server: name, URL, prompt,
// headers, launch and enabled flag. The id and built-in flag never
// change. A changed connection setting discards the current client.
func (d *Directory) Update(id string, s Server) (Server, error) {
	if s.ID != "" && s.ID != id {
		return Server{}, &ConfigurationError{ServerID: id, Reason: "server id cannot be changed"}
	}
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)

	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return Server{}, unknownServer(id)
	}
	s.ID = id
	s.BuiltIn = e.server.BuiltIn
	if s.DisabledTools == nil {
		s.DisabledTools = e.server.DisabledTools
	}
	if err := validate(s); err != nil {
		d.mu.Unlock()
		return Server{}, err
	}
	s = s.clone()

	deselect := !s.Enabled && d.selected == id
	if err := d.storeServer(s, deselect); err != nil {
		d.mu.Unlock()
		return Server{}, err
	}

	var stale ToolClient
	if e.client != nil && (!s.Enabled || e.clientKey != s.connectionKey()) {
		stale = e.client
		e.client = nil
		e.clientKey = ""
		e.status = StatusUnknown
		e.lastErr = ""
	}
	e.server = s
	if deselect {
		d.selected = ""
	}
	d.mu.Unlock()

	if stale != nil {
		d.registry.Forget(id)
		if err := stale.Close(); err != nil {
			d.logger.Debug("close stale client", "server_id", id, "error", err)
		}
	}
	d.registry.SetDisabled(id, s.DisabledTools)

	d.logger.Info("tool server updated", "server_id", id, "name", s.Name)
	d.changed(id, "updated")
	if deselect {
		d.selectionChanged()
	}
	return s.clone(), nil
}

// SetToolEnabled enables or disables one tool of a server.
func (d *Directory) SetToolEnabled(id, tool string, enabled bool) (Server, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return Server{}, &ConfigurationError{ServerID: id, Reason: "tool name is required"}
	}

	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return Server{}, unknownServer(id)
	}
	s := e.server.clone()
	if enabled {
		s.DisabledTools = slices.DeleteFunc(s.DisabledTools, func(n string) bool { return n == tool })
	} else if !s.ToolDisabled(tool) {
		s.DisabledTools = append(s.DisabledTools, tool)
		slices.Sort(s.DisabledTools)
	}
	if err := d.store.SetJSON(nsServers, id, s); err != nil {
		d.mu.Unlock()
		return Server{}, fmt.Errorf("store server %s: %w", id, err)
	}
	e.server = s
	d.mu.Unlock()

	d.registry.SetDisabled(id, s.DisabledTools)
	d.logger.Info("tool toggled", "server_id", id, "tool", tool, "enabled", enabled)
	d.changed(id, "tools")
	return s.clone(), nil
}

// Select makes id the active server. An empty id clears the selection.
func (d *Directory) Select(id string) error {
	d.mu.Lock()
	if id != "" {
		e, ok := d.servers[id]
		if !ok {
			d.mu.Unlock()
			return unknownServer(id)
		}
		if !e.server.Enabled {
			d.mu.Unlock()
			return &ConfigurationError{ServerID: id, Reason: "server is disabled"}
		}
	}
	if d.selected == id {
		d.mu.Unlock()
		return nil
	}

	var err error
	if id == "" {
		err = d.store.Delete(nsSelection, keyActiveServer)
	} else {
		err = d.store.Set(nsSelection, keyActiveServer, id)
	}
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("store selection: %w", err)
	}
	d.selected = id
	d.mu.Unlock()

	d.logger.Info("active server selected", "server_id", id)
	d.selectionChanged()
	return nil
}

// Selected returns the active server, if any.
func (d *Directory) Selected() (Server, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.servers[d.selected]
	if !ok {
		return Server{}, false
	}
	return e.server.clone(), true
}

// SelectModel records the last chosen chat model.
func (d *Directory) SelectModel(model string) error {
	model = strings.TrimSpace(model)
	d.mu.Lock()
	if err := d.store.Set(nsSelection, keyModel, model); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("store model: %w", err)
	}
	d.model = model
	d.mu.Unlock()
	d.selectionChanged()
	return nil
}

// SelectedModel returns the last chosen chat model, or "".
func (d *Directory) SelectedModel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// Client returns the protocol client of a server, building it on first
// use. The client is rebuilt after its connection settings change.
func (d *Directory) Client(id string) (ToolClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.servers[id]
	if !ok {
		return nil, unknownServer(id)
	}
	key := e.server.connectionKey()
	if e.client == nil || e.clientKey != key {
		if e.client != nil {
			_ = e.client.Close()
		}
		e.client = d.factory(e.server.clone())
		e.clientKey = key
	}
	return e.client, nil
}

// Status returns the connection status of a server.
func (d *Directory) Status(id string) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.servers[id]; ok {
		return e.status
	}
	return StatusUnknown
}

// SetStatus records a status change and publishes it.
func (d *Directory) SetStatus(id string, status Status, cause error) {
	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	prev := e.status
	e.status = status
	e.checkedAt = time.Now()
	e.lastErr = ""
	if cause != nil {
		e.lastErr = cause.Error()
	}
	name := e.server.Name
	lastErr := e.lastErr
	d.mu.Unlock()

	if prev == status {
		return
	}
	d.logger.Info("tool server status changed",
		"server_id", id,
		"name", name,
		"from", string(prev),
		"to", string(status),
		"error", lastErr,
	)
	d.bus.Emit(events.SourceDirectory, events.KindServerStatus, map[string]any{
		"server_id": id,
		"name":      name,
		"status":    string(status),
		"previous":  string(prev),
		"error":     lastErr,
	})
}

// Probe connects to a server if needed and refreshes its tools. The
// status becomes connected on success and error on any failure.
func (d *Directory) Probe(ctx context.Context, id string) ([]tools.Descriptor, error) {
	s, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.Enabled {
		return nil, &ConfigurationError{ServerID: id, Reason: "server is disabled"}
	}
	client, err := d.Client(id)
	if err != nil {
		return nil, err
	}

	if !client.IsConnected() {
		if _, err := client.Connect(ctx); err != nil {
			d.SetStatus(id, StatusError, err)
			return nil, err
		}
	}

	descs, err := d.registry.RefreshTools(ctx, id, s.DisabledTools, client)
	if err != nil {
		d.SetStatus(id, StatusError, err)
		return nil, err
	}
	d.SetStatus(id, StatusConnected, nil)
	return descs, nil
}

// AggregateTools probes every enabled server concurrently and returns
// the tools of the reachable ones, in List order. A failing server is
// marked error and left out without affecting the others.
func (d *Directory) AggregateTools(ctx context.Context) ([]ServerTools, error) {
	var enabled []Server
	for _, s := range d.List() {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	results := make([]*ServerTools, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregateLimit)
	for i, s := range enabled {
		g.Go(func() error {
			descs, err := d.Probe(gctx, s.ID)
			if err != nil {
				d.logger.Warn("tool server unreachable during aggregation",
					"server_id", s.ID,
					"name", s.Name,
					"error", err,
				)
				return nil
			}
			results[i] = &ServerTools{Server: s, Tools: descs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]ServerTools, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Disconnect ends the session with a server.
func (d *Directory) Disconnect(id string) error {
	d.mu.Lock()
	e, ok := d.servers[id]
	if !ok {
		d.mu.Unlock()
		return unknownServer(id)
	}
	client := e.client
	d.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	d.SetStatus(id, StatusDisconnected, nil)
	return nil
}

// Close shuts down every client.
func (d *Directory) Close() error {
	d.mu.Lock()
	var clients []ToolClient
	for _, e := range d.servers {
		if e.client != nil {
			clients = append(clients, e.client)
			e.client = nil
		}
	}
	d.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			d.logger.Debug("close client", "error", err)
		}
	}
	return nil
}

func (d *Directory) changed(id, action string) {
	d.bus.Emit(events.SourceDirectory, events.KindServerChanged, map[string]any{
		"server_id": id,
		"action":    action,
	})
}

func (d *Directory) selectionChanged() {
	d.mu.Lock()
	data := map[string]any{"server_id": d.selected, "model": d.model}
	d.mu.Unlock()
	d.bus.Emit(events.SourceDirectory, events.KindSelectionChanged, data)
}

func validate(s Server) error {
	if s.Name == "" {
		return &ConfigurationError{ServerID: s.ID, Reason: "name is required"}
	}
	if err := config.ValidateServerURL(s.URL); err != nil {
		return &ConfigurationError{ServerID: s.ID, Reason: err.Error()}
	}
	if s.Launch != nil && s.Launch.Command == "" {
		return &ConfigurationError{ServerID: s.ID, Reason: "launch command is required"}
	}
	return nil
}
