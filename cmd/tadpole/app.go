package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/nugget/tadpole/internal/agent"
	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/directory"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/llm"
	"github.com/nugget/tadpole/internal/opstate"
	"github.com/nugget/tadpole/internal/tools"
	"github.com/nugget/tadpole/internal/usage"
)

const (
	// stateFile is the SQLite database holding the server directory.
	stateFile = "tadpole.db"
	// usageFile holds per-request token counts.
	usageFile = "usage.db"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *opstate.Store
	usage  *usage.Store
	bus    *events.Bus
	dir    *directory.Directory
	llm    *llm.MultiClient
}

// openApp opens the state store and builds the directory and chat
// backend from cfg. The caller must Close the result.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := opstate.NewStore(filepath.Join(cfg.DataDir, stateFile))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, usageFile))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	bus := events.New()
	dir, err := directory.New(directory.Config{
		Store:    store,
		Factory:  directory.NewClientFactory(cfg.MCP, logger),
		Registry: tools.NewRegistry(logger, cfg.Agent.EnrichEnabled()),
		Defaults: cfg.MCP.Servers,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		usageStore.Close()
		store.Close()
		return nil, fmt.Errorf("load server directory: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		usage:  usageStore,
		bus:    bus,
		dir:    dir,
		llm:    llm.NewFromConfig(cfg.Models, cfg.Anthropic, logger),
	}, nil
}

// newOrchestrator creates the orchestrator of one conversation.
func (a *app) newOrchestrator(id string) (*agent.Orchestrator, error) {
	c := agent.ConfigFrom(a.cfg)
	c.ConversationID = id
	return agent.New(c, agent.Deps{
		Directory: a.dir,
		LLM:       a.llm,
		Bus:       a.bus,
		Logger:    a.logger,
		Usage:     a.usage,
	})
}

// models lists the selectable chat models: every configured model plus
// the default.
func (a *app) models() []string {
	names := a.llm.Models()
	if d := a.cfg.Models.Default; d != "" && !slices.Contains(names, d) {
		names = append(names, d)
		slices.Sort(names)
	}
	return names
}

// Close ends every tool server session, stops launched servers and
// closes the stores.
func (a *app) Close() error {
	return errors.Join(a.dir.Close(), a.store.Close(), a.usage.Close())
}
