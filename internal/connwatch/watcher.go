// Package connwatch keeps the connection status of tool servers current.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles multi-second to
// multi-minute outages: a tool server restarting, its companion process
// still booting, or a laptop changing networks.
//
// Each Watcher probes a single server in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe (default: 10s). A probe performs a
	// handshake and a tool-list fetch, so keep it above both timeouts.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// ServerID keys the watcher in its Manager.
	ServerID string

	// Name is the display name used in logs.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady is called when the server transitions from not-ready to
	// ready. Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the server transitions from ready to
	// not-ready. Called in a separate goroutine. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServerStatus is the health of a watched server, suitable for JSON
// serialization in health endpoints.
type ServerStatus struct {
	ServerID  string    `json:"server_id"`
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Probes    int       `json:"probes"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one server's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	probes    int
}

// IsReady reports whether the watched server is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServerStatus{
		ServerID:  w.config.ServerID,
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Probes:    w.probes,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("server_id", w.config.ServerID, "name", w.config.Name)

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Info("tool server reachable", "after_attempts", attempt)
			w.transition(true, nil)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == cfg.MaxRetries {
			logger.Info("startup probes failed, entering background polling",
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			if ctx.Err() != nil {
				return
			}
			switch ready := w.ready.Load(); {
			case ready && err != nil:
				logger.Info("tool server became unreachable", "error", err)
				w.transition(false, err)
			case !ready && err == nil:
				logger.Info("tool server recovered")
				w.transition(true, nil)
			case !ready:
				logger.Debug("tool server still unreachable", "error", err)
			}
		}
	}
}

// transition records a readiness change and fires its callback.
func (w *Watcher) transition(ready bool, err error) {
	w.ready.Store(ready)
	if ready && w.config.OnReady != nil {
		go w.config.OnReady()
	}
	if !ready && w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

// check runs one bounded probe and records its outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.probes++
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
