package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. Requests carry no client
// timeout; callers bound them with context deadlines.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = config.DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", "ollama"),
	}
}

// Wire types for /api/chat.

type ollamaWireRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaWireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []map[string]any    `json:"tools,omitempty"`
}

type ollamaWireMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []ollamaWireToolCall `json:"tool_calls,omitempty"`
	ToolName  string               `json:"tool_name,omitempty"`
}

type ollamaWireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaWireResponse struct {
	Model     string            `json:"model"`
	CreatedAt string            `json:"created_at"`
	Message   ollamaWireMessage `json:"message"`
	Done      bool              `json:"done"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (w ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:    w.Message.Role,
			Content: w.Message.Content,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if resp.Message.Role == "" {
		resp.Message.Role = RoleAssistant
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range w.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			Function: ToolFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return resp
}

func toOllamaMessages(messages []Message) []ollamaWireMessage {
	out := make([]ollamaWireMessage, 0, len(messages))
	for _, m := range outbound(messages) {
		wm := ollamaWireMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var w ollamaWireToolCall
			w.Function.Name = tc.Function.Name
			w.Function.Arguments = tc.Function.Arguments
			if w.Function.Arguments == nil {
				w.Function.Arguments = map[string]any{}
			}
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		out = append(out, wm)
	}
	return out
}

// Chat sends a non-streaming chat completion request to Ollama. When
// tools are supplied and the model answers with a tool call written as
// text, the call is recovered into ToolCalls.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaWireRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, c.fail(model, 0, fmt.Errorf("marshal request: %w", err))
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, c.fail(model, 0, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.fail(model, 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, c.fail(model, resp.StatusCode, errors.New(body))
	}

	var wire ollamaWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, c.fail(model, 0, fmt.Errorf("decode response: %w", err))
	}
	chatResp := wire.toChatResponse()

	// Try to parse text-based tool calls if no native tool_calls.
	// Never when tools were omitted: the caller asked for prose.
	if tools != nil && len(chatResp.Message.ToolCalls) == 0 && chatResp.Message.Content != "" {
		if parsed := parseTextToolCalls(chatResp.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered text tool calls", "model", model, "count", len(parsed))
			chatResp.Message.ToolCalls = parsed
			chatResp.Message.Content = ""
		}
	}
	EnsureCallIDs(chatResp.Message.ToolCalls)

	c.logger.Debug("response received",
		"model", chatResp.Model,
		"input_tokens", chatResp.InputTokens,
		"output_tokens", chatResp.OutputTokens,
		"tool_calls", len(chatResp.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", chatResp.Message.Content)

	return chatResp, nil
}

func (c *OllamaClient) fail(model string, status int, err error) error {
	c.logger.Error("chat request failed", "model", model, "status", status, "error", err)
	return &ModelBackendError{Provider: "ollama", Model: model, StatusCode: status, Err: err}
}

// extractToolNames returns the function names of tool definitions in
// the {"type":"function","function":{...}} form.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. Handled formats:
//
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...} (trailing prose is ignored)
//   - Tagged: <tool_call>...</tool_call>
//   - Bare name then object: search_photos {"query": "..."}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var raw []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		_ = json.Unmarshal([]byte(content), &raw)
	case strings.HasPrefix(content, "{"):
		raw = decodeConcatenated(content)
	default:
		if tc, ok := parseNamePrefixed(content, validTools); ok {
			raw = []textToolCall{tc}
		}
	}

	var calls []ToolCall
	for _, r := range raw {
		if r.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, r.Name) {
			continue
		}
		calls = append(calls, ToolCall{Function: ToolFunction{Name: r.Name, Arguments: r.Arguments}})
	}
	return calls
}

// decodeConcatenated decodes back-to-back JSON objects, stopping at the
// first thing that is not one.
func decodeConcatenated(content string) []textToolCall {
	dec := json.NewDecoder(strings.NewReader(content))
	var out []textToolCall
	for {
		var tc textToolCall
		if err := dec.Decode(&tc); err != nil {
			if !errors.Is(err, io.EOF) && len(out) == 0 {
				return nil
			}
			return out
		}
		out = append(out, tc)
	}
}

// parseNamePrefixed handles "tool_name {json}". The name must be one of
// validTools, so ordinary prose is never mistaken for a call.
func parseNamePrefixed(content string, validTools []string) (textToolCall, bool) {
	name, rest, ok := strings.Cut(content, " ")
	if !ok || !slices.Contains(validTools, name) {
		return textToolCall{}, false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "{") {
		return textToolCall{}, false
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err != nil {
		return textToolCall{}, false
	}
	return textToolCall{Name: name, Arguments: args}, true
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ModelBackendError{Provider: "ollama", Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ModelBackendError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Err:        errors.New(httpkit.ReadErrorBody(resp.Body, 1024)),
		}
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ModelBackendError{Provider: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
