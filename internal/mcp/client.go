package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tadpole/internal/buildinfo"
	"github.com/nugget/tadpole/internal/value"
)

// protocolVersion is the protocol revision advertised during initialize.
const protocolVersion = "2025-03-26"

// Client timeouts. Handshake and discovery gate interactive connect so
// they are short; tool execution may involve expensive server work.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultListTimeout      = 5 * time.Second
	DefaultCallTimeout      = 120 * time.Second
)

// maxListPages bounds tools/list pagination.
const maxListPages = 50

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ResourceContents is the payload of an embedded resource block.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ToolResult is the outcome of a tools/call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the result's content blocks into one string. Binary blocks
// are represented by inline markers naming their type and MIME type.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	return extractText(r.Content)
}

// ServerInfo describes the server reported by the initialize handshake.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
	Instructions    string `json:"-"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeouts overrides the handshake, list and call timeouts. Zero
// values keep the defaults.
func WithTimeouts(handshake, list, call time.Duration) Option {
	return func(c *Client) {
		if handshake > 0 {
			c.handshakeTimeout = handshake
		}
		if list > 0 {
			c.listTimeout = list
		}
		if call > 0 {
			c.callTimeout = call
		}
	}
}

// WithLauncher sets the local launcher used by Connect when the server
// is unreachable.
func WithLauncher(l Launcher) Option {
	return func(c *Client) { c.launcher = l }
}

// WithClientInfo overrides the identity Connect advertises.
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.clientName = name
		c.clientVersion = version
	}
}

// Client owns one tool server connection. It is safe for concurrent
// use; correlation ids are allocated atomically.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	launcher  Launcher
	nextID    atomic.Int64

	clientName       string
	clientVersion    string
	handshakeTimeout time.Duration
	listTimeout      time.Duration
	callTimeout      time.Duration

	mu         sync.RWMutex
	connected  bool
	info       *ServerInfo
	paramTypes map[string]map[string]value.Type
}

// NewClient creates a client for the named server using transport.
func NewClient(name string, transport Transport, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:             name,
		transport:        transport,
		logger:           logger.With("mcp_server", name),
		clientName:       buildinfo.ClientName,
		clientVersion:    buildinfo.Version,
		handshakeTimeout: DefaultHandshakeTimeout,
		listTimeout:      DefaultListTimeout,
		callTimeout:      DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this client talks to.
func (c *Client) Name() string {
	return c.name
}

// IsConnected reports whether a handshake has succeeded and no failure
// or disconnect has happened since.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ServerInfo returns the identity from the last successful handshake.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return nil
	}
	info := *c.info
	return &info
}

// SessionID returns the negotiated session token, or "" when the
// transport carries none.
func (c *Client) SessionID() string {
	if st, ok := c.transport.(SessionTransport); ok {
		return st.SessionID()
	}
	return ""
}

// Connect performs the handshake with the configured client identity.
// When the server is unreachable and a launcher is configured, the
// launcher is started and the handshake retried exactly once.
func (c *Client) Connect(ctx context.Context) (*ServerInfo, error) {
	info, err := c.Initialize(ctx, c.clientName, c.clientVersion)
	if err == nil || c.launcher == nil || !IsConnectionError(err) {
		return info, err
	}

	c.logger.Info("server unreachable, starting local launcher", "error", err)
	if lerr := c.launcher.Launch(ctx); lerr != nil {
		return nil, &ConnectionError{Server: c.name, Op: "launch", Err: errors.Join(err, lerr)}
	}
	return c.Initialize(ctx, c.clientName, c.clientVersion)
}

// Initialize performs the handshake: an initialize request followed by
// the notifications/initialized notification. Any previous session is
// discarded first. Timeouts and transport failures are returned as
// [ConnectionError]; a malformed reply as [ProtocolError].
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (*ServerInfo, error) {
	c.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	resp, err := c.send(ctx, MethodInitialize, params)
	if err != nil {
		return nil, c.classify(MethodInitialize, err)
	}
	if resp.Error != nil {
		return nil, &ProtocolError{Server: c.name, Method: MethodInitialize, Reason: "handshake rejected", Err: resp.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Server: c.name, Method: MethodInitialize, Reason: "decode result", Err: err}
	}

	if err := c.transport.Notify(ctx, NewNotification(MethodInitialized, nil)); err != nil {
		return nil, c.classify(MethodInitialized, err)
	}

	info := result.ServerInfo
	info.ProtocolVersion = result.ProtocolVersion
	info.Instructions = result.Instructions

	stored := info
	c.mu.Lock()
	c.connected = true
	c.info = &stored
	c.mu.Unlock()

	c.logger.Info("tool server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
		"session", c.SessionID() != "",
	)

	return &info, nil
}

// Disconnect clears the session token and marks the client disconnected.
// The transport stays usable for a later handshake.
func (c *Client) Disconnect() {
	if st, ok := c.transport.(SessionTransport); ok {
		st.ResetSession()
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.logger.Debug("disconnected from tool server")
	}
}

// ListTools fetches the server's tool definitions, following pagination
// cursors, and caches each tool's parameter types for argument coercion.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Server: c.name, Op: MethodToolsList, Err: ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	var (
		tools  []ToolDefinition
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.send(ctx, MethodToolsList, params)
		if err != nil {
			return nil, c.classify(MethodToolsList, err)
		}
		if resp.Error != nil {
			return nil, &ProtocolError{Server: c.name, Method: MethodToolsList, Reason: "server error", Err: resp.Error}
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ProtocolError{Server: c.name, Method: MethodToolsList, Reason: "decode result", Err: err}
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	types := make(map[string]map[string]value.Type, len(tools))
	for _, td := range tools {
		types[td.Name] = SchemaTypes(td.InputSchema)
	}

	c.mu.Lock()
	c.paramTypes = types
	c.mu.Unlock()

	c.logger.Info("discovered tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool. Arguments are coerced toward the parameter
// types cached by ListTools before dispatch. A JSON-RPC error, a
// non-success HTTP status or a result flagged isError is returned as
// [ToolExecutionError]; in the isError case the result is returned too.
func (c *Client) CallTool(ctx context.Context, name string, args value.Args) (*ToolResult, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Server: c.name, Op: MethodToolsCall, Err: ErrNotConnected}
	}

	c.mu.RLock()
	types := c.paramTypes[name]
	c.mu.RUnlock()

	if args == nil {
		args = value.Args{}
	}
	args = value.CoerceArgs(args, types)

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.send(ctx, MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			if se.StatusCode == 404 {
				c.dropSession("session rejected", err)
			}
			return nil, &ToolExecutionError{Server: c.name, Tool: name, Code: se.StatusCode, Message: se.Error()}
		}
		return nil, c.classify(MethodToolsCall, err)
	}
	if resp.Error != nil {
		return nil, &ToolExecutionError{Server: c.name, Tool: name, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Server: c.name, Method: MethodToolsCall, Reason: "decode result", Err: err}
	}

	c.logger.Debug("tool call complete",
		"tool", name,
		"blocks", len(result.Content),
		"is_error", result.IsError,
		"elapsed", time.Since(start),
	)

	if result.IsError {
		return &result, &ToolExecutionError{Server: c.name, Tool: name, Message: result.Text()}
	}
	return &result, nil
}

// Ping checks whether the server is responsive on the current session.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return &ConnectionError{Server: c.name, Op: MethodPing, Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	resp, err := c.send(ctx, MethodPing, nil)
	if err != nil {
		return c.classify(MethodPing, err)
	}
	if resp.Error != nil {
		return &ProtocolError{Server: c.name, Method: MethodPing, Reason: "server error", Err: resp.Error}
	}
	return nil
}

// Close disconnects and shuts down the transport.
func (c *Client) Close() error {
	c.Disconnect()
	return c.transport.Close()
}

// send issues one JSON-RPC request with a fresh correlation id and
// checks the envelope.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if reason := resp.check(id); reason != "" {
		return nil, &ProtocolError{Server: c.name, Method: method, Reason: reason}
	}
	return resp, nil
}

// classify maps a transport-level error to the error taxonomy. Protocol
// errors pass through; everything else is a connection failure, which
// also ends the current session.
func (c *Client) classify(method string, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if pe.Server == "" {
			pe.Server = c.name
		}
		return pe
	}
	c.dropSession("transport failure", err)
	return &ConnectionError{Server: c.name, Op: method, Err: err}
}

func (c *Client) dropSession(reason string, err error) {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if connected {
		c.logger.Warn("dropping session", "reason", reason, "error", err)
	}
	c.Disconnect()
}

// SchemaTypes extracts the declared type of each top-level property of
// a JSON schema object. Nullable unions resolve to their non-null member.
func SchemaTypes(schema map[string]any) map[string]value.Type {
	props, _ := schema["properties"].(map[string]any)
	types := make(map[string]value.Type, len(props))
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t := propertyType(prop); t != "" {
			types[name] = t
		}
	}
	return types
}

func propertyType(prop map[string]any) value.Type {
	switch t := prop["type"].(type) {
	case string:
		return value.Type(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != string(value.TypeNull) {
				return value.Type(s)
			}
		}
	}
	for _, key := range []string{"anyOf", "oneOf"} {
		variants, _ := prop[key].([]any)
		for _, v := range variants {
			sub, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if t := propertyType(sub); t != "" && t != value.TypeNull {
				return t
			}
		}
	}
	return ""
}

// extractText joins text content blocks with newlines. Non-text blocks
// become inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			if b.MimeType != "" {
				parts = append(parts, fmt.Sprintf("[%s: %s]", b.Type, b.MimeType))
			} else {
				parts = append(parts, fmt.Sprintf("[%s]", b.Type))
			}
		case "resource":
			switch {
			case b.Resource != nil && b.Resource.Text != "":
				parts = append(parts, b.Resource.Text)
			case b.Resource != nil:
				parts = append(parts, fmt.Sprintf("[resource: %s]", b.Resource.URI))
			default:
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
