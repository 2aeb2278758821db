package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/tadpole/internal/value"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	failures  map[string]error     // method -> transport error
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	session   string
	resets    int
	badID     bool
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
		failures:  make(map[string]error),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
	delete(m.failures, method)
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) fail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	if err, ok := m.failures[req.Method]; ok {
		return nil, err
	}
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	// Copy response and set matching ID.
	out := *resp
	out.ID = req.ID
	if m.badID {
		out.ID = req.ID + 100
	}
	if req.Method == MethodInitialize {
		m.session = "sess-1"
	}
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func (m *mockTransport) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *mockTransport) ResetSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = ""
	m.resets++
}

func initResult(name string) initializeResult {
	return initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      ServerInfo{Name: name, Version: "1.0.0"},
	}
}

func connectedClient(t *testing.T, mt *mockTransport) *Client {
	t.Helper()
	mt.addResponse(MethodInitialize, initResult("test-server"))
	client := NewClient("test", mt, nil)
	if _, err := client.Initialize(context.Background(), "tadpole-test", "0.0.1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return client
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)

	if len(mt.sent) != 1 || mt.sent[0].Method != MethodInitialize {
		t.Fatalf("sent = %+v, want one initialize", mt.sent)
	}
	params := mt.sent[0].Params.(map[string]any)
	info := params["clientInfo"].(map[string]any)
	if info["name"] != "tadpole-test" || info["version"] != "0.0.1" {
		t.Errorf("clientInfo = %v", info)
	}

	if len(mt.notifs) != 1 || mt.notifs[0].Method != MethodInitialized {
		t.Fatalf("notifs = %+v, want notifications/initialized", mt.notifs)
	}

	if !client.IsConnected() {
		t.Error("IsConnected() = false after handshake")
	}
	if got := client.ServerInfo(); got == nil || got.Name != "test-server" {
		t.Errorf("ServerInfo() = %+v", got)
	}
	if got := client.SessionID(); got != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", got)
	}
}

func TestClient_Initialize_TransportFailure(t *testing.T) {
	mt := newMockTransport()
	mt.fail(MethodInitialize, errors.New("connection refused"))

	client := NewClient("test", mt, nil)
	_, err := client.Initialize(context.Background(), "c", "v")

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	if ce.Op != MethodInitialize {
		t.Errorf("Op = %q", ce.Op)
	}
	if client.IsConnected() {
		t.Error("client connected after failed handshake")
	}
}

func TestClient_Initialize_MalformedResult(t *testing.T) {
	mt := newMockTransport()
	mt.responses[MethodInitialize] = &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`"not an object"`)}

	client := NewClient("test", mt, nil)
	_, err := client.Initialize(context.Background(), "c", "v")

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestClient_MismatchedID(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse(MethodInitialize, initResult("s"))
	mt.badID = true

	client := NewClient("test", mt, nil)
	_, err := client.Initialize(context.Background(), "c", "v")

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestClient_MonotonicIDs(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)
	mt.addResponse(MethodPing, map[string]any{})

	for i := 0; i < 3; i++ {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}

	var last int64
	for _, req := range mt.sent {
		if req.ID <= last {
			t.Fatalf("ids not increasing: %d after %d", req.ID, last)
		}
		last = req.ID
	}
}

type fakeLauncher struct {
	calls int
	mt    *mockTransport
	err   error
}

func (f *fakeLauncher) Launch(context.Context) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.mt.addResponse(MethodInitialize, initResult("launched"))
	return nil
}

func TestClient_Connect_LaunchesAndRetriesOnce(t *testing.T) {
	mt := newMockTransport()
	mt.fail(MethodInitialize, errors.New("connection refused"))
	launcher := &fakeLauncher{mt: mt}

	client := NewClient("test", mt, nil, WithLauncher(launcher))
	info, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.Name != "launched" {
		t.Errorf("server = %q, want launched", info.Name)
	}
	if launcher.calls != 1 {
		t.Errorf("launcher calls = %d, want 1", launcher.calls)
	}
	if got := len(mt.sent); got != 2 {
		t.Errorf("initialize attempts = %d, want 2", got)
	}
}

func TestClient_Connect_StillFailingIsFatal(t *testing.T) {
	mt := newMockTransport()
	mt.fail(MethodInitialize, errors.New("connection refused"))
	launcher := &fakeLauncher{mt: mt}
	launcher.err = errors.New("python not found")

	client := NewClient("test", mt, nil, WithLauncher(launcher))
	if _, err := client.Connect(context.Background()); !IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	if launcher.calls != 1 {
		t.Errorf("launcher calls = %d, want 1", launcher.calls)
	}
}

func TestClient_Connect_NoLaunchOnProtocolError(t *testing.T) {
	mt := newMockTransport()
	mt.addError(MethodInitialize, -32600, "bad version")
	launcher := &fakeLauncher{mt: mt}

	client := NewClient("test", mt, nil, WithLauncher(launcher))
	if _, err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if launcher.calls != 0 {
		t.Errorf("launcher invoked for a protocol error")
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)
	mt.addResponse(MethodToolsList, toolsListResult{
		Tools: []ToolDefinition{
			{Name: "list_albums", Description: "List albums", InputSchema: map[string]any{"type": "object"}},
			{
				Name:        "search_photos",
				Description: "Search photos",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query":     map[string]any{"type": "string"},
						"n_results": map[string]any{"type": "integer"},
					},
				},
			},
		},
	})

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[1].Name != "search_photos" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestClient_ListTools_NotConnected(t *testing.T) {
	client := NewClient("test", newMockTransport(), nil)
	_, err := client.ListTools(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClient_CallTool_CoercesArguments(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)
	mt.addResponse(MethodToolsList, toolsListResult{
		Tools: []ToolDefinition{{
			Name: "search_photos",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":     map[string]any{"type": "string"},
					"n_results": map[string]any{"type": "integer"},
				},
			},
		}},
	})
	mt.addResponse(MethodToolsCall, ToolResult{Content: []ContentBlock{{Type: "text", Text: "3 photos"}}})

	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	result, err := client.CallTool(context.Background(), "search_photos", value.Args{
		"query":     value.String("beach"),
		"n_results": value.String("10"),
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "3 photos" {
		t.Errorf("Text() = %q", result.Text())
	}

	last := mt.sent[len(mt.sent)-1]
	data, err := json.Marshal(last.Params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	want := `{"arguments":{"n_results":10,"query":"beach"},"name":"search_photos"}`
	if string(data) != want {
		t.Errorf("params = %s, want %s", data, want)
	}
}

func TestClient_CallTool_NilArgsSendsEmptyObject(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)
	mt.addResponse(MethodToolsCall, ToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}})

	if _, err := client.CallTool(context.Background(), "list_widgets", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	data, _ := json.Marshal(mt.sent[len(mt.sent)-1].Params)
	if string(data) != `{"arguments":{},"name":"list_widgets"}` {
		t.Errorf("params = %s", data)
	}
}

func TestClient_CallTool_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mt *mockTransport)
		wantCode int
		wantText string
	}{
		{
			name:     "rpc error envelope",
			setup:    func(mt *mockTransport) { mt.addError(MethodToolsCall, -32602, "invalid params") },
			wantCode: -32602,
		},
		{
			name:     "http status",
			setup:    func(mt *mockTransport) { mt.fail(MethodToolsCall, &StatusError{StatusCode: 500, Body: "boom"}) },
			wantCode: 500,
		},
		{
			name: "isError result",
			setup: func(mt *mockTransport) {
				mt.addResponse(MethodToolsCall, ToolResult{
					Content: []ContentBlock{{Type: "text", Text: "album not found"}},
					IsError: true,
				})
			},
			wantText: "album not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMockTransport()
			client := connectedClient(t, mt)
			tt.setup(mt)

			_, err := client.CallTool(context.Background(), "get_album", nil)
			var te *ToolExecutionError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want ToolExecutionError", err)
			}
			if te.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", te.Code, tt.wantCode)
			}
			if tt.wantText != "" && te.Message != tt.wantText {
				t.Errorf("Message = %q, want %q", te.Message, tt.wantText)
			}
		})
	}
}

func TestClient_TransportFailureDropsSession(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)
	mt.fail(MethodToolsCall, errors.New("connection reset"))

	_, err := client.CallTool(context.Background(), "list_albums", nil)
	if !IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	if client.IsConnected() {
		t.Error("client still connected after transport failure")
	}
	if client.SessionID() != "" {
		t.Error("session token survived transport failure")
	}

	// No implicit retry: exactly one tools/call was attempted.
	var calls int
	for _, req := range mt.sent {
		if req.Method == MethodToolsCall {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("tools/call attempts = %d, want 1", calls)
	}
}

func TestClient_DisconnectAndClose(t *testing.T) {
	mt := newMockTransport()
	client := connectedClient(t, mt)

	client.Disconnect()
	if client.IsConnected() || client.SessionID() != "" {
		t.Error("Disconnect left session state behind")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport was not closed")
	}
}

func TestSchemaTypes(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":    map[string]any{"type": "string"},
			"limit":    map[string]any{"type": []any{"integer", "null"}},
			"strict":   map[string]any{"anyOf": []any{map[string]any{"type": "null"}, map[string]any{"type": "boolean"}}},
			"untyped":  map[string]any{"description": "anything"},
			"metadata": map[string]any{"type": "object"},
		},
	}
	got := SchemaTypes(schema)
	want := map[string]value.Type{
		"query":    value.TypeString,
		"limit":    value.TypeInteger,
		"strict":   value.TypeBoolean,
		"metadata": value.TypeObject,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name: "mixed blocks",
			blocks: []ContentBlock{
				{Type: "text", Text: "line 1"},
				{Type: "image", Data: "aGk=", MimeType: "image/jpeg"},
				{Type: "text", Text: "line 2"},
			},
			want: "line 1\n[image: image/jpeg]\nline 2",
		},
		{
			name:   "text resource",
			blocks: []ContentBlock{{Type: "resource", Resource: &ResourceContents{URI: "file:///a", Text: "body"}}},
			want:   "body",
		},
		{
			name:   "blob resource",
			blocks: []ContentBlock{{Type: "resource", Resource: &ResourceContents{URI: "file:///b", Blob: "AA=="}}},
			want:   "[resource: file:///b]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
