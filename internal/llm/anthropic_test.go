package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are a photo assistant."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleSystem, Content: "Error: model unavailable", Diagnostic: true},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Find beach photos."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are a photo assistant." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system, no diagnostic), got %d", len(result))
	}
	if result[0].Role != RoleUser {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "Find beach and snow photos."},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Function: ToolFunction{Name: "search_photos", Arguments: map[string]any{"query": "beach"}}},
				{ID: "toolu_2", Function: ToolFunction{Name: "search_photos", Arguments: map[string]any{"query": "snow"}}},
			},
		},
		{Role: RoleTool, Content: "3 photos", ToolCallID: "toolu_1", ToolName: "search_photos"},
		{Role: RoleTool, Content: "1 photo", ToolCallID: "toolu_2", ToolName: "search_photos"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 { // user, assistant with tool_use, user with both tool_results
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistant, ok := result[1].Content.([]anthropicContent)
	if !ok || len(assistant) != 2 || assistant[0].Type != "tool_use" || assistant[1].ID != "toolu_2" {
		t.Fatalf("assistant content = %#v", result[1].Content)
	}

	results, ok := result[2].Content.([]anthropicContent)
	if !ok || len(results) != 2 {
		t.Fatalf("tool results = %#v", result[2].Content)
	}
	if results[0].ToolUseID != "toolu_1" || results[1].ToolUseID != "toolu_2" {
		t.Errorf("tool_use_ids = %s, %s", results[0].ToolUseID, results[1].ToolUseID)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{"type": "function", "function": map[string]any{
			"name":        "search_photos",
			"description": "Search photos",
			"parameters":  map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}},
		}},
		{"type": "function", "function": map[string]any{"name": "list_albums"}},
		{"broken": true},
	}
	got := convertToolsToAnthropic(tools)
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[1].InputSchema == nil {
		t.Error("missing parameters should default to an empty object schema")
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("nil tools should convert to nil")
	}
}

func TestAnthropicChat(t *testing.T) {
	var sent map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("headers = %v", r.Header)
		}
		json.NewDecoder(r.Body).Decode(&sent)
		w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "Searching."},
				{"type": "tool_use", "id": "toolu_9", "name": "search_photos", "input": {"query": "beach"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", srv.URL, nil)
	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "search_photos"}}}
	resp, err := c.Chat(t.Context(), "claude-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "beach"},
	}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if sent["system"] != "sys" {
		t.Errorf("system = %v", sent["system"])
	}
	if resp.Message.Content != "Searching." || len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("message = %+v", resp.Message)
	}
	if tc := resp.Message.ToolCalls[0]; tc.ID != "toolu_9" || tc.Function.Arguments["query"] != "beach" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestAnthropicChat_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"overloaded_error"}}`, 529)
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", srv.URL, nil).Chat(t.Context(), "claude-test", []Message{{Role: RoleUser, Content: "x"}}, nil)
	var mbe *ModelBackendError
	if !errors.As(err, &mbe) || mbe.StatusCode != 529 || mbe.Provider != "anthropic" {
		t.Errorf("err = %v, want anthropic ModelBackendError 529", err)
	}
}
