// Package config handles Tadpole configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/tadpole/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tadpole/config.yaml, /etc/tadpole/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tadpole", "config.yaml"))
	}

	paths = append(paths, "/etc/tadpole/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Tadpole configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	MCP       MCPConfig       `yaml:"mcp"`
	Agent     AgentConfig     `yaml:"agent"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1; 0.0.0.0 for all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines chat backend routing.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	OllamaURL   string        `yaml:"ollama_url"`
	ChatTimeout time.Duration `yaml:"chat_timeout"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MCPConfig defines how Tadpole talks to tool servers.
type MCPConfig struct {
	// ClientName is advertised during the initialize handshake.
	// Defaults to "tadpole".
	ClientName string `yaml:"client_name"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ListTimeout      time.Duration `yaml:"list_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`

	// WatchInterval is how often enabled servers are health-checked.
	// Zero disables background watching.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// Servers are bootstrap entries. Built-in entries are added to the
	// directory when missing and can never be removed.
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	URL           string            `yaml:"url"`
	Enabled       *bool             `yaml:"enabled"`
	BuiltIn       bool              `yaml:"builtin"`
	Prompt        string            `yaml:"prompt"`
	DisabledTools []string          `yaml:"disabled_tools"`
	Headers       map[string]string `yaml:"headers"`
	Launch        *LaunchConfig     `yaml:"launch"`
}

// IsEnabled reports whether the server starts enabled (default true).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// LaunchConfig describes a local process that serves a tool server.
type LaunchConfig struct {
	Command      string        `yaml:"command" json:"command"`
	Args         []string      `yaml:"args" json:"args,omitempty"`
	Env          []string      `yaml:"env" json:"env,omitempty"`
	Dir          string        `yaml:"dir" json:"dir,omitempty"`
	StartTimeout time.Duration `yaml:"start_timeout" json:"start_timeout,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval,omitempty"`
}

// AgentConfig tunes the orchestrator.
type AgentConfig struct {
	// TruncateChars caps each tool result fed back to the model.
	TruncateChars int `yaml:"truncate_chars"`

	// Prime issues a throwaway tool-bearing request whenever the
	// active tool set changes (default true).
	Prime *bool `yaml:"prime"`

	// EnrichDescriptions adds usage examples to known tool
	// descriptions (default true).
	EnrichDescriptions *bool `yaml:"enrich_descriptions"`

	// SystemPrompt replaces the built-in preamble of the system message.
	SystemPrompt string `yaml:"system_prompt"`

	// QueueSize bounds pending asynchronous messages per conversation.
	QueueSize int `yaml:"queue_size"`
}

// PrimeEnabled reports whether priming is on.
func (a AgentConfig) PrimeEnabled() bool {
	return a.Prime == nil || *a.Prime
}

// EnrichEnabled reports whether description enrichment is on.
func (a AgentConfig) EnrichEnabled() bool {
	return a.EnrichDescriptions == nil || *a.EnrichDescriptions
}

// MQTTConfig defines the optional event mirror.
type MQTTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Broker    string        `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	ClientID  string        `yaml:"client_id"`
	Prefix    string        `yaml:"prefix"`
	KeepAlive time.Duration `yaml:"keep_alive"`

	// StatsInterval is how often the daily counters are republished.
	StatsInterval time.Duration `yaml:"stats_interval"`
	// RateLimit caps mirrored events per second. Excess events are
	// dropped; retained server status is never dropped.
	RateLimit int `yaml:"rate_limit"`
}

// Defaults applied by Load and Default.
const (
	DefaultAddress       = "127.0.0.1"
	DefaultPort          = 8080
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultModel         = "llama3.1"
	DefaultChatTimeout   = 300 * time.Second
	DefaultTruncateChars = 5000
	DefaultQueueSize     = 16
	DefaultMQTTPrefix    = "tadpole"
	DefaultMQTTStats     = 60 * time.Second
	DefaultMQTTRateLimit = 50
	DefaultWatchInterval = 60 * time.Second

	// BuiltinServerID identifies the bundled photo library server.
	BuiltinServerID = "photo-library"
)

// BuiltinServer returns the bundled local photo library server entry.
func BuiltinServer() ServerConfig {
	return ServerConfig{
		ID:      BuiltinServerID,
		Name:    "Photo Library",
		URL:     "http://127.0.0.1:5050/mcp",
		BuiltIn: true,
		Launch: &LaunchConfig{
			Command: "python",
			Args:    []string{"vibrant_frog_mcp.py", "--transport", "http"},
		},
	}
}

// Load reads configuration from a YAML file, expanding environment
// variables, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a runnable configuration with the built-in server.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.resolvePaths("")
	return cfg
}

// resolvePaths expands ~ in data_dir and the "data:" and "config:"
// prefixes in launch settings. configDir is the directory holding the
// config file.
func (c *Config) resolvePaths(configDir string) {
	c.DataDir = paths.ExpandHome(c.DataDir)
	r := paths.New(map[string]string{
		"data":   c.DataDir,
		"config": configDir,
	})
	for _, s := range c.MCP.Servers {
		if s.Launch == nil {
			continue
		}
		s.Launch.Command = r.Resolve(s.Launch.Command)
		s.Launch.Dir = r.Resolve(s.Launch.Dir)
		r.ResolveAll(s.Launch.Args)
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = DefaultAddress
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = DefaultOllamaURL
	}
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	if c.Models.ChatTimeout == 0 {
		c.Models.ChatTimeout = DefaultChatTimeout
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Agent.TruncateChars == 0 {
		c.Agent.TruncateChars = DefaultTruncateChars
	}
	if c.Agent.QueueSize == 0 {
		c.Agent.QueueSize = DefaultQueueSize
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = DefaultMQTTPrefix
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.StatsInterval == 0 {
		c.MQTT.StatsInterval = DefaultMQTTStats
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = DefaultMQTTRateLimit
	}

	hasBuiltin := false
	for _, s := range c.MCP.Servers {
		if s.ID == BuiltinServerID {
			hasBuiltin = true
			break
		}
	}
	if !hasBuiltin {
		c.MCP.Servers = append([]ServerConfig{BuiltinServer()}, c.MCP.Servers...)
	}
}

// Validate checks the configuration for values that would fail later
// at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Agent.TruncateChars < 0 {
		errs = append(errs, fmt.Errorf("agent.truncate_chars must not be negative"))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		}
		if err := ValidateServerURL(s.URL); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): %w", i, s.Name, err))
		}
		if s.ID != "" {
			if seen[s.ID] {
				errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate id %q", i, s.ID))
			}
			seen[s.ID] = true
		}
		if s.Launch != nil && s.Launch.Command == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] (%s): launch.command is required", i, s.Name))
		}
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "", "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %s uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

// ValidateServerURL checks that raw is an absolute http(s) URL.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}
