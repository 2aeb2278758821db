package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/httpkit"
)

// Session header names. Servers following the current protocol revision
// send Mcp-Session-Id; older ones send Mcp-Session.
const (
	sessionHeader       = "Mcp-Session-Id"
	legacySessionHeader = "Mcp-Session"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP transport that speaks JSON-RPC over POST.
type HTTPConfig struct {
	// URL is the server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// HTTPClient overrides the default client. Deadlines come from the
	// request context, so the client should not impose its own timeout.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with a tool server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST; the response is either a JSON
// body or a server-sent-events stream carrying the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		// Deadlines come from the request context.
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// URL returns the endpoint this transport posts to.
func (t *HTTPTransport) URL() string { return t.url }

// SessionID returns the negotiated session token, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// ResetSession forgets the session token so the next request starts a
// fresh session.
func (t *HTTPTransport) ResetSession() {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
}

// Send posts a JSON-RPC request and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp request", "method", req.Method, "id", req.ID, "json", string(body))

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(httpkit.ReadErrorBody(httpResp.Body, 4096)),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, httpResp.Body, req)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp response", "method", req.Method, "json", string(respBody))

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, &ProtocolError{Method: req.Method, Reason: "empty response body"}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Method: req.Method, Reason: "decode response", Err: err}
	}
	return &resp, nil
}

// readEventStream scans an SSE body for the first data payload that
// decodes as the response to req. Server-initiated notifications and
// requests that share the stream are skipped.
func (t *HTTPTransport) readEventStream(ctx context.Context, r io.Reader, req *Request) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		payload := data.String()
		data.Reset()
		if strings.TrimSpace(payload) == "" {
			return nil, false
		}
		t.logger.Log(ctx, config.LevelTrace, "mcp event", "method", req.Method, "json", payload)

		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			t.logger.Debug("skipping undecodable event", "method", req.Method, "error", err)
			return nil, false
		}
		if resp.ID != req.ID || (resp.Result == nil && resp.Error == nil) {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, &ProtocolError{Method: req.Method, Reason: "event stream ended without a response"}
}

// Notify posts a JSON-RPC notification. The server may answer with 200,
// 202 or 204.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return &StatusError{
		StatusCode: httpResp.StatusCode,
		Body:       strings.TrimSpace(httpkit.ReadErrorBody(httpResp.Body, 4096)),
	}
}

// post sends body with the protocol headers and captures any session
// token the server returns.
func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if sid := t.SessionID(); sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	sid := httpResp.Header.Get(sessionHeader)
	if sid == "" {
		sid = httpResp.Header.Get(legacySessionHeader)
	}
	if sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.logger.Debug("session established", "session_id", sid)
		}
		t.sessionID = sid
		t.mu.Unlock()
	}

	return httpResp, nil
}

// Close releases pooled connections.
func (t *HTTPTransport) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
