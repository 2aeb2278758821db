package llm

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/nugget/tadpole/internal/config"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// NewFromConfig builds the router described by cfg: Ollama is the
// fallback and Anthropic is added when any model uses it.
func NewFromConfig(models config.ModelsConfig, anthropic config.AnthropicConfig, logger *slog.Logger) *MultiClient {
	m := NewMultiClient(NewOllamaClient(models.OllamaURL, logger))
	m.AddProvider("ollama", m.fallback)
	for _, mc := range models.Available {
		provider := mc.Provider
		if provider == "" {
			provider = "ollama"
		}
		if provider == "anthropic" {
			if _, ok := m.clients["anthropic"]; !ok {
				m.AddProvider("anthropic", NewAnthropicClient(anthropic.APIKey, anthropic.BaseURL, logger))
			}
		}
		m.AddModel(mc.Name, provider)
	}
	return m
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Models returns the explicitly configured model names, sorted.
func (m *MultiClient) Models() []string {
	names := make([]string, 0, len(m.models))
	for n := range m.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// clientFor returns the appropriate client for a model.
func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, &ModelBackendError{Provider: "none", Model: model, Err: errors.New("no provider configured")}
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return &ModelBackendError{Provider: "none", Err: errors.New("no fallback client configured")}
}
