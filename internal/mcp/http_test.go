package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeServer is a minimal streamable-HTTP tool server. It issues a
// session id on initialize and records the session header of every
// later request.
type fakeServer struct {
	mu       sync.Mutex
	sessions []string
	accepts  []string
	sse      bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	_ = json.Unmarshal(body, &msg)

	f.mu.Lock()
	f.sessions = append(f.sessions, r.Header.Get("Mcp-Session-Id"))
	f.accepts = append(f.accepts, r.Header.Get("Accept"))
	f.mu.Unlock()

	if msg.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch msg.Method {
	case MethodInitialize:
		w.Header().Set("Mcp-Session-Id", "abc123")
		result = initResult("fake")
	case MethodToolsList:
		result = toolsListResult{Tools: []ToolDefinition{{Name: "list_widgets"}}}
	case MethodToolsCall:
		result = ToolResult{Content: []ContentBlock{{Type: "text", Text: "w1, w2"}}}
	case "explode":
		http.Error(w, "internal failure", http.StatusInternalServerError)
		return
	default:
		result = map[string]any{}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result}
	data, _ := json.Marshal(resp)

	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		// A server notification precedes the response on the stream.
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func newHTTPClient(t *testing.T, f *fakeServer) (*Client, *HTTPTransport) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	return NewClient("fake", tr, nil), tr
}

func TestHTTPTransport_SessionEchoed(t *testing.T) {
	for _, sse := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", sse), func(t *testing.T) {
			f := &fakeServer{sse: sse}
			client, tr := newHTTPClient(t, f)
			ctx := context.Background()

			if _, err := client.Initialize(ctx, "tadpole", "test"); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if tr.SessionID() != "abc123" {
				t.Fatalf("SessionID() = %q", tr.SessionID())
			}
			if _, err := client.ListTools(ctx); err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			result, err := client.CallTool(ctx, "list_widgets", nil)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if result.Text() != "w1, w2" {
				t.Errorf("Text() = %q", result.Text())
			}

			f.mu.Lock()
			defer f.mu.Unlock()
			if f.sessions[0] != "" {
				t.Errorf("initialize carried session %q", f.sessions[0])
			}
			for i, sid := range f.sessions[1:] {
				if sid != "abc123" {
					t.Errorf("request %d session = %q, want abc123", i+1, sid)
				}
			}
			for _, a := range f.accepts {
				if a != "application/json, text/event-stream" {
					t.Errorf("Accept = %q", a)
				}
			}
		})
	}
}

func TestHTTPTransport_LegacySessionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mcp-Session", "legacy")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(context.Background(), NewRequest(1, MethodPing, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tr.SessionID() != "legacy" {
		t.Errorf("SessionID() = %q, want legacy", tr.SessionID())
	}

	tr.ResetSession()
	if tr.SessionID() != "" {
		t.Error("ResetSession did not clear the token")
	}
}

func TestHTTPTransport_StatusError(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, "explode", nil))

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.StatusCode != http.StatusInternalServerError || se.Body != "internal failure" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestHTTPTransport_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{not json`)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(1, MethodToolsList, nil))

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestHTTPTransport_EventStreamWithoutResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\"}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	_, err := tr.Send(context.Background(), NewRequest(7, MethodToolsList, nil))

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestHTTPTransport_CustomHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	if err := tr.Notify(context.Background(), NewNotification(MethodInitialized, nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got != "Bearer token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient("gone", NewHTTPTransport(HTTPConfig{URL: url}), nil)
	_, err := client.Initialize(context.Background(), "tadpole", "test")
	if !IsConnectionError(err) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
}
