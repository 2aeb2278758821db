package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/tadpole/internal/agent"
	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/directory"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/llm"
	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/opstate"
	"github.com/nugget/tadpole/internal/tools"
	"github.com/nugget/tadpole/internal/usage"
	"github.com/nugget/tadpole/internal/value"
)

type stubTools struct {
	mu        sync.Mutex
	down      bool
	connected bool
}

func (c *stubTools) Connect(context.Context) (*mcp.ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, &mcp.ConnectionError{Server: "stub", Op: "initialize", Err: errors.New("connection refused")}
	}
	c.connected = true
	return &mcp.ServerInfo{Name: "stub"}, nil
}

func (c *stubTools) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubTools) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return []mcp.ToolDefinition{
		{Name: "list_widgets", Description: "List widgets", InputSchema: map[string]any{"type": "object"}},
		{Name: "delete_widget", Description: "Delete a widget", InputSchema: map[string]any{"type": "object"}},
	}, nil
}

func (c *stubTools) CallTool(_ context.Context, name string, _ value.Args) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "w1, w2"}}}, nil
}

func (c *stubTools) Ping(context.Context) error { return nil }

func (c *stubTools) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *stubTools) Close() error {
	c.Disconnect()
	return nil
}

// scriptedLLM asks for list_widgets on the first request of each turn
// and answers plainly when no tools are offered.
type scriptedLLM struct{}

func (scriptedLLM) Chat(_ context.Context, _ string, _ []llm.Message, fns []map[string]any) (*llm.ChatResponse, error) {
	if fns != nil {
		return &llm.ChatResponse{Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{llm.NewToolCall("list_widgets", nil)},
		}}, nil
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "You have 2 widgets: w1, w2"}}, nil
}

func (scriptedLLM) Ping(context.Context) error { return nil }

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	dir   *directory.Directory
	bus   *events.Bus
	usage *usage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := opstate.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.New()
	dir, err := directory.New(directory.Config{
		Store: store,
		Factory: func(s directory.Server) directory.ToolClient {
			return &stubTools{down: strings.Contains(s.URL, "down")}
		},
		Registry: tools.NewRegistry(nil, false),
		Defaults: []config.ServerConfig{{ID: "widgets", Name: "Widgets", URL: "http://widgets.test/mcp", BuiltIn: true}},
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("directory.New: %v", err)
	}
	t.Cleanup(func() { dir.Close() })

	us, err := usage.NewStore(":memory:")
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() { us.Close() })

	srv := NewServer("127.0.0.1", 0, Deps{
		Directory: dir,
		Bus:       bus,
		NewOrchestrator: func(id string) (*agent.Orchestrator, error) {
			return agent.New(agent.Config{ConversationID: id, Model: "test-model"}, agent.Deps{Directory: dir, LLM: scriptedLLM{}, Bus: bus, Usage: us})
		},
		Models: func() []string { return []string{"llama3.1", "claude-test"} },
		Usage:  us,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, ts: ts, dir: dir, bus: bus, usage: us}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", code, body)
	}
	if _, ok := body["event_subscribers"].(float64); !ok {
		t.Errorf("health event_subscribers = %v", body["event_subscribers"])
	}
	code, body = env.do(t, http.MethodGet, "/v1/version", nil)
	if code != http.StatusOK || body["version"] == nil {
		t.Errorf("version = %d %v", code, body)
	}
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/v1/servers", nil)
	if code != http.StatusOK || len(body["servers"].([]any)) != 1 {
		t.Fatalf("list = %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/v1/servers", map[string]any{"name": "Notes", "url": "http://notes.test/mcp"})
	if code != http.StatusCreated {
		t.Fatalf("add = %d %v", code, body)
	}
	id := body["id"].(string)
	if body["enabled"] != true || body["status"] != string(directory.StatusUnknown) {
		t.Errorf("added server = %v", body)
	}

	code, body = env.do(t, http.MethodPut, "/v1/servers/"+id, map[string]any{"name": "Field Notes"})
	if code != http.StatusOK || body["name"] != "Field Notes" || body["url"] != "http://notes.test/mcp" {
		t.Errorf("update = %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/v1/servers/"+id+"/toggle", nil)
	if code != http.StatusOK || body["enabled"] != false {
		t.Errorf("toggle = %d %v", code, body)
	}

	code, _ = env.do(t, http.MethodDelete, "/v1/servers/"+id, nil)
	if code != http.StatusNoContent {
		t.Errorf("delete = %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/v1/servers/"+id, nil)
	if code != http.StatusNotFound {
		t.Errorf("get after delete = %d", code)
	}
}

func TestServerErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"invalid url", http.MethodPost, "/v1/servers", map[string]any{"name": "Bad", "url": "ftp://x"}, http.StatusBadRequest},
		{"remove built-in", http.MethodDelete, "/v1/servers/widgets", nil, http.StatusBadRequest},
		{"unknown toggle", http.MethodPost, "/v1/servers/nope/toggle", nil, http.StatusNotFound},
		{"unknown tools", http.MethodGet, "/v1/servers/nope/tools", nil, http.StatusNotFound},
		{"unknown model", http.MethodPost, "/v1/models/select", map[string]any{"model": "gpt-9"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
		})
	}
}

func TestServerLaunchRejected(t *testing.T) {
	env := newTestEnv(t)
	before := len(env.dir.List())
	launch := map[string]any{"command": "sh", "args": []string{"-c", "touch /tmp/should-not-exist"}}

	code, body := env.do(t, http.MethodPost, "/v1/servers", map[string]any{
		"name": "Local", "url": "http://127.0.0.1:1/mcp", "launch": launch,
	})
	if code != http.StatusBadRequest {
		t.Fatalf("POST with launch = %d %v, want 400", code, body)
	}
	if got := len(env.dir.List()); got != before {
		t.Errorf("server count = %d, want %d", got, before)
	}

	code, body = env.do(t, http.MethodPut, "/v1/servers/widgets", map[string]any{"launch": launch})
	if code != http.StatusBadRequest {
		t.Fatalf("PUT with launch = %d %v, want 400", code, body)
	}
	if s, err := env.dir.Get("widgets"); err != nil || s.Launch != nil {
		t.Errorf("widgets = %+v, %v; launch must stay unset", s, err)
	}
}

func TestServerConnectAndTools(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/v1/servers/widgets/connect", nil)
	if code != http.StatusOK || len(body["tools"].([]any)) != 2 {
		t.Fatalf("connect = %d %v", code, body)
	}

	code, body = env.do(t, http.MethodPost, "/v1/servers/widgets/tools/delete_widget", map[string]any{"enabled": false})
	if code != http.StatusOK {
		t.Fatalf("tool toggle = %d %v", code, body)
	}
	code, body = env.do(t, http.MethodGet, "/v1/servers/widgets/tools", nil)
	if code != http.StatusOK {
		t.Fatalf("tools = %d", code)
	}
	enabled := map[string]bool{}
	for _, raw := range body["tools"].([]any) {
		st := raw.(map[string]any)
		enabled[st["name"].(string)] = st["enabled"] == true
	}
	if !enabled["list_widgets"] || enabled["delete_widget"] {
		t.Errorf("enabled = %v", enabled)
	}

	code, body = env.do(t, http.MethodPost, "/v1/servers", map[string]any{"name": "Down", "url": "http://down.test/mcp"})
	if code != http.StatusCreated {
		t.Fatalf("add = %d", code)
	}
	downID := body["id"].(string)
	code, _ = env.do(t, http.MethodPost, "/v1/servers/"+downID+"/connect", nil)
	if code != http.StatusBadGateway {
		t.Errorf("connect to unreachable server = %d, want 502", code)
	}

	code, body = env.do(t, http.MethodGet, "/v1/tools", nil)
	if code != http.StatusOK || len(body["servers"].([]any)) != 1 {
		t.Errorf("aggregate = %d %v", code, body)
	}
	if env.dir.Status(downID) != directory.StatusError {
		t.Errorf("down server status = %s", env.dir.Status(downID))
	}
}

func TestModels(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/v1/models/select", map[string]any{"model": "claude-test"})
	if code != http.StatusOK {
		t.Fatalf("select = %d %v", code, body)
	}
	code, body = env.do(t, http.MethodGet, "/v1/models", nil)
	if code != http.StatusOK || body["selected"] != "claude-test" || len(body["models"].([]any)) != 2 {
		t.Errorf("models = %d %v", code, body)
	}
}

func TestConversationFlow(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/v1/conversations", map[string]any{"server_id": "widgets", "context": "Shelf A"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	id := body["id"].(string)
	if body["connected"] != true {
		t.Errorf("conversation should be connected: %v", body)
	}

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/events?conversation=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	for deadline := time.Now().Add(2 * time.Second); env.bus.SubscriberCount() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	code, body = env.do(t, http.MethodPost, fmt.Sprintf("/v1/conversations/%s/messages", id), map[string]any{"content": "list my widgets"})
	if code != http.StatusAccepted || body["queued"] != true || body["conversation_id"] != id {
		t.Fatalf("message = %d %v", code, body)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var kinds []string
	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read event: %v (seen %v)", err, kinds)
		}
		if cid, ok := e.Data["conversation_id"]; ok && cid != id {
			t.Errorf("event for another conversation leaked: %v", e)
		}
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindTurnComplete {
			break
		}
		if e.Kind == events.KindTurnFailed {
			t.Fatalf("turn failed: %v", e.Data)
		}
	}

	code, body = env.do(t, http.MethodGet, "/v1/conversations/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	msgs := body["messages"].([]any)
	// system, user, assistant tool call, tool result, final answer
	if len(msgs) != 5 {
		t.Fatalf("got %d messages: %v", len(msgs), msgs)
	}
	sys := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(sys, "Shelf A") || !strings.Contains(sys, "list_widgets") {
		t.Errorf("system message = %q", sys)
	}
	final := msgs[4].(map[string]any)
	if final["content"] != "You have 2 widgets: w1, w2" {
		t.Errorf("final = %v", final)
	}
	if body["state"] != string(agent.StateIdle) {
		t.Errorf("state = %v", body["state"])
	}
}

func TestConversationErrors(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodGet, "/v1/conversations/missing", nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/v1/conversations", map[string]any{"server_id": "missing"})
	if code != http.StatusNotFound {
		t.Errorf("create with unknown server = %d", code)
	}

	_, body := env.do(t, http.MethodPost, "/v1/conversations", nil)
	id := body["id"].(string)
	code, _ = env.do(t, http.MethodPost, "/v1/conversations/"+id+"/messages", map[string]any{"content": "  "})
	if code != http.StatusBadRequest {
		t.Errorf("empty message = %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/v1/conversations/"+id+"/stop", nil)
	if code != http.StatusAccepted {
		t.Errorf("stop = %d", code)
	}
	code, _ = env.do(t, http.MethodDelete, "/v1/conversations/"+id, nil)
	if code != http.StatusNoContent {
		t.Errorf("delete = %d", code)
	}
	_, body = env.do(t, http.MethodGet, "/v1/conversations", nil)
	if n := len(body["conversations"].([]any)); n != 0 {
		t.Errorf("%d conversations left", n)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&directory.ConfigurationError{ServerID: "x", Reason: "unknown server"}, http.StatusNotFound},
		{&directory.ConfigurationError{Reason: "name is required"}, http.StatusBadRequest},
		{&tools.ErrToolUnavailable{ToolName: "x"}, http.StatusNotFound},
		{agent.ErrBusy, http.StatusTooManyRequests},
		{fmt.Errorf("wrapped: %w", agent.ErrClosed), http.StatusGone},
		{&mcp.ConnectionError{Server: "s", Op: "initialize", Err: errors.New("refused")}, http.StatusBadGateway},
		{&mcp.ProtocolError{Server: "s", Method: "tools/list", Reason: "bad id"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t)
	for _, rec := range []usage.Record{
		{ConversationID: "a", Model: "llama3.1", Purpose: usage.PurposeTurn, InputTokens: 100, OutputTokens: 10},
		{ConversationID: "a", Model: "llama3.1", Purpose: usage.PurposeFinal, InputTokens: 150, OutputTokens: 30},
		{ConversationID: "b", Model: "claude-test", Purpose: usage.PurposeTurn, InputTokens: 50, OutputTokens: 5},
	} {
		if err := env.usage.Record(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
	}

	code, body := env.do(t, http.MethodGet, "/v1/usage?group_by=model", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /v1/usage = %d %v", code, body)
	}
	if body["period"] != "today" {
		t.Errorf("period = %v, want today", body["period"])
	}
	total := body["total"].(map[string]any)
	if total["requests"] != float64(3) || total["input_tokens"] != float64(300) || total["output_tokens"] != float64(45) {
		t.Errorf("total = %v", total)
	}
	groups := body["groups"].(map[string]any)
	llama := groups["llama3.1"].(map[string]any)
	if llama["requests"] != float64(2) || llama["input_tokens"] != float64(250) {
		t.Errorf("llama3.1 = %v", llama)
	}

	for _, path := range []string{"/v1/usage?period=fortnight", "/v1/usage?group_by=role"} {
		if code, _ := env.do(t, http.MethodGet, path, nil); code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", path, code)
		}
	}
}
