// Package directory manages the configured tool servers: their
// persisted settings, per-tool enable flags, the active selection and
// each server's connection status.
//
// Every mutation is written to the store before the in-memory view
// changes, so a failed write leaves the directory exactly as it was.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/tadpole/internal/buildinfo"
	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/value"
)

// Status is the connection status of a tool server.
type Status string

// Connection statuses.
const (
	StatusUnknown      Status = "unknown"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Server is one configured tool server.
type Server struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	URL           string               `json:"url"`
	Enabled       bool                 `json:"enabled"`
	DisabledTools []string             `json:"disabled_tools,omitempty"`
	Prompt        string               `json:"prompt,omitempty"`
	BuiltIn       bool                 `json:"builtin,omitempty"`
	Headers       map[string]string    `json:"headers,omitempty"`
	Launch        *config.LaunchConfig `json:"launch,omitempty"`
}

// ToolDisabled reports whether the user switched off the named tool.
func (s Server) ToolDisabled(name string) bool {
	return slices.Contains(s.DisabledTools, name)
}

// clone returns a deep copy of s so callers cannot alias directory state.
func (s Server) clone() Server {
	s.DisabledTools = slices.Clone(s.DisabledTools)
	if s.Headers != nil {
		h := make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			h[k] = v
		}
		s.Headers = h
	}
	if s.Launch != nil {
		l := *s.Launch
		l.Args = slices.Clone(l.Args)
		l.Env = slices.Clone(l.Env)
		s.Launch = &l
	}
	return s
}

// connectionKey captures the settings that require a new client when
// they change.
func (s Server) connectionKey() string {
	var b strings.Builder
	b.WriteString(s.URL)
	keys := make([]string, 0, len(s.Headers))
	for k := range s.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, s.Headers[k])
	}
	if s.Launch != nil {
		fmt.Fprintf(&b, "|launch=%s %s", s.Launch.Command, strings.Join(s.Launch.Args, " "))
	}
	return b.String()
}

// FromConfig converts a bootstrap entry. Entries without an id get one
// derived from their URL so restarts produce the same id.
func FromConfig(sc config.ServerConfig) Server {
	id := sc.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(sc.URL)).String()
	}
	s := Server{
		ID:            id,
		Name:          strings.TrimSpace(sc.Name),
		URL:           strings.TrimSpace(sc.URL),
		Enabled:       sc.IsEnabled(),
		DisabledTools: slices.Clone(sc.DisabledTools),
		Prompt:        sc.Prompt,
		BuiltIn:       sc.BuiltIn,
		Headers:       sc.Headers,
	}
	if sc.Launch != nil {
		l := *sc.Launch
		s.Launch = &l
	}
	return s.clone()
}

// ToolClient is the per-server protocol client the directory manages.
// *mcp.Client satisfies it.
type ToolClient interface {
	Connect(ctx context.Context) (*mcp.ServerInfo, error)
	IsConnected() bool
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args value.Args) (*mcp.ToolResult, error)
	Ping(ctx context.Context) error
	Disconnect()
	Close() error
}

// ClientFactory builds a client for a server.
type ClientFactory func(s Server) ToolClient

// launchedClient stops the companion process when the client closes.
type launchedClient struct {
	*mcp.Client
	launcher *mcp.ProcessLauncher
}

func (c *launchedClient) Close() error {
	err := c.Client.Close()
	if lerr := c.launcher.Stop(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// NewClientFactory returns a factory producing HTTP protocol clients
// configured from cfg. Servers with a launch command get a local
// launcher that Connect falls back to when the server is unreachable.
func NewClientFactory(cfg config.MCPConfig, logger *slog.Logger) ClientFactory {
	if logger == nil {
		logger = slog.Default()
	}
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = buildinfo.ClientName
	}

	return func(s Server) ToolClient {
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     s.URL,
			Headers: s.Headers,
			Logger:  logger.With("mcp_server", s.Name),
		})
		opts := []mcp.Option{
			mcp.WithTimeouts(cfg.HandshakeTimeout, cfg.ListTimeout, cfg.CallTimeout),
			mcp.WithClientInfo(clientName, buildinfo.Version),
		}

		if s.Launch == nil || s.Launch.Command == "" {
			return mcp.NewClient(s.Name, transport, logger, opts...)
		}

		launcher := mcp.NewProcessLauncher(mcp.LaunchConfig{
			Command:      s.Launch.Command,
			Args:         s.Launch.Args,
			Env:          s.Launch.Env,
			Dir:          s.Launch.Dir,
			HealthURL:    s.URL,
			StartTimeout: s.Launch.StartTimeout,
			PollInterval: s.Launch.PollInterval,
			Logger:       logger.With("mcp_server", s.Name, "component", "launcher"),
		})
		opts = append(opts, mcp.WithLauncher(launcher))
		return &launchedClient{
			Client:   mcp.NewClient(s.Name, transport, logger, opts...),
			launcher: launcher,
		}
	}
}

// ConfigurationError reports a rejected directory mutation: an unknown
// id, invalid settings, or an attempt to change an immutable built-in
// entry. Nothing is applied when it is returned.
type ConfigurationError struct {
	ServerID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.ServerID == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: server %s: %s", e.ServerID, e.Reason)
}

func unknownServer(id string) error {
	return &ConfigurationError{ServerID: id, Reason: "unknown server"}
}
