package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/value"
)

func TestEnsureCallIDs(t *testing.T) {
	calls := []ToolCall{
		{Function: ToolFunction{Name: "a"}},
		{ID: "keep", Function: ToolFunction{Name: "b"}},
		{Function: ToolFunction{Name: "c"}},
	}
	EnsureCallIDs(calls)

	if calls[1].ID != "keep" {
		t.Errorf("existing id replaced: %q", calls[1].ID)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") || calls[0].ID == calls[2].ID {
		t.Errorf("generated ids = %q, %q", calls[0].ID, calls[2].ID)
	}
}

func TestToolCallArgs(t *testing.T) {
	tc := NewToolCall("search_photos", map[string]any{"query": "beach", "n_results": float64(3)})
	if tc.ID == "" {
		t.Error("NewToolCall should assign an id")
	}
	args := tc.Args()
	if s, ok := args["query"].AsString(); !ok || s != "beach" {
		t.Errorf("query = %v", args["query"])
	}
	if n, ok := args["n_results"].AsInt(); !ok || n != 3 {
		t.Errorf("n_results = %v", args["n_results"])
	}
	if args["missing"].Kind() != value.KindNull {
		t.Error("missing argument should be null")
	}
}

func TestModelBackendError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&ModelBackendError{Provider: "ollama", Model: "llama3.1", StatusCode: 500, Err: inner})
	if !errors.Is(err, inner) {
		t.Error("ModelBackendError should unwrap")
	}
	if !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("Error() = %q", err.Error())
	}
}

type stubClient struct {
	name  string
	calls []string
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	s.calls = append(s.calls, model)
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return nil }

func TestMultiClient_Routes(t *testing.T) {
	fallback := &stubClient{name: "ollama"}
	claude := &stubClient{name: "anthropic"}

	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", claude)
	m.AddModel("claude-test", "anthropic")
	m.AddModel("orphan", "missing-provider")

	tests := []struct{ model, want string }{
		{"claude-test", "anthropic"},
		{"llama3.1", "ollama"},
		{"orphan", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(t.Context(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("Chat(%s) routed to %s, want %s", tt.model, resp.Message.Content, tt.want)
		}
	}

	if err := NewMultiClient(nil).Ping(t.Context()); !IsModelBackendError(err) {
		t.Errorf("Ping without fallback = %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	m := NewFromConfig(config.ModelsConfig{
		OllamaURL: "http://localhost:11434",
		Available: []config.ModelConfig{
			{Name: "llama3.1"},
			{Name: "claude-test", Provider: "anthropic"},
		},
	}, config.AnthropicConfig{APIKey: "k"}, nil)

	if strings.Join(m.Models(), ",") != "claude-test,llama3.1" {
		t.Errorf("Models = %v", m.Models())
	}
	if _, ok := m.clientFor("claude-test").(*AnthropicClient); !ok {
		t.Error("claude-test should route to anthropic")
	}
	if _, ok := m.clientFor("unknown").(*OllamaClient); !ok {
		t.Error("unknown models should fall back to ollama")
	}
}
