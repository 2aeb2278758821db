package connwatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/tadpole/internal/directory"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/tools"
)

// Directory is the server directory the manager watches.
// *directory.Directory satisfies it.
type Directory interface {
	List() []directory.Server
	Probe(ctx context.Context, id string) ([]tools.Descriptor, error)
}

type watched struct {
	w   *Watcher
	url string
	// external watchers were added with Watch and are left alone by Sync.
	external bool
}

// Manager runs one watcher per enabled tool server and keeps the set in
// step with the directory.
type Manager struct {
	dir     Directory
	bus     *events.Bus
	backoff BackoffConfig
	logger  *slog.Logger

	mu       sync.Mutex
	watchers map[string]watched
}

// NewManager creates a manager. dir may be nil when watchers are only
// added through Watch.
func NewManager(dir Directory, bus *events.Bus, backoff BackoffConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		bus:      bus,
		backoff:  backoff.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]watched),
	}
}

// Watch starts a watcher, replacing any watcher with the same ServerID.
// The watcher runs until ctx is cancelled or Stop is called.
//
// Watchers added this way cover dependencies outside the directory,
// such as the chat backend, and are never stopped by Sync.
//
// Panics if ServerID is empty or Probe is nil. Zero-value backoff fields
// take the manager's backoff.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	return m.watch(ctx, cfg, "", true)
}

func (m *Manager) watch(ctx context.Context, cfg WatcherConfig, url string, external bool) *Watcher {
	if cfg.ServerID == "" {
		panic("connwatch: WatcherConfig.ServerID must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ServerID
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = m.backoff
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old, had := m.watchers[cfg.ServerID]
	m.watchers[cfg.ServerID] = watched{w: w, url: url, external: external}
	m.mu.Unlock()

	if had {
		old.w.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Sync starts watchers for enabled servers that lack one, restarts
// watchers whose server URL changed and stops watchers for servers that
// were disabled or removed.
func (m *Manager) Sync(ctx context.Context) {
	if m.dir == nil {
		return
	}
	want := make(map[string]directory.Server)
	for _, s := range m.dir.List() {
		if s.Enabled {
			want[s.ID] = s
		}
	}

	m.mu.Lock()
	var stale []*Watcher
	for id, cur := range m.watchers {
		if cur.external {
			continue
		}
		if s, ok := want[id]; !ok || s.URL != cur.url {
			stale = append(stale, cur.w)
			delete(m.watchers, id)
		}
	}
	var start []directory.Server
	for id, s := range want {
		if _, ok := m.watchers[id]; !ok {
			start = append(start, s)
		}
	}
	m.mu.Unlock()

	for _, w := range stale {
		m.logger.Debug("stopping server watcher", "server_id", w.config.ServerID)
		w.Stop()
	}
	for _, s := range start {
		m.logger.Debug("starting server watcher", "server_id", s.ID, "name", s.Name)
		m.watch(ctx, m.serverWatcher(s), s.URL, false)
	}
}

func (m *Manager) serverWatcher(s directory.Server) WatcherConfig {
	id, name := s.ID, s.Name
	return WatcherConfig{
		ServerID: id,
		Name:     name,
		Probe: func(ctx context.Context) error {
			_, err := m.dir.Probe(ctx, id)
			return err
		},
		OnReady: func() { m.publish(id, name, true, nil) },
		OnDown:  func(err error) { m.publish(id, name, false, err) },
	}
}

func (m *Manager) publish(id, name string, ready bool, err error) {
	data := map[string]any{
		"server_id": id,
		"name":      name,
		"ready":     ready,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceWatcher, events.KindServerStatus, data)
}

// Run syncs watchers with the directory and resyncs on every directory
// change until ctx is cancelled, then stops all watchers.
func (m *Manager) Run(ctx context.Context) {
	m.Sync(ctx)
	defer m.Stop()

	if m.bus == nil {
		<-ctx.Done()
		return
	}
	sub := m.bus.Subscribe(32)
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if e.Source == events.SourceDirectory && e.Kind == events.KindServerChanged {
				m.Sync(ctx)
			}
		}
	}
}

// Status returns the health of every watched server keyed by id.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]ServerStatus, len(m.watchers))
	for id, cur := range m.watchers {
		status[id] = cur.w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for id, cur := range m.watchers {
		watchers = append(watchers, cur.w)
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
