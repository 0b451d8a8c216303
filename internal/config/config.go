// Package config handles mcpchat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcpchat.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcpchat.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpchat", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all mcpchat configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Servers  []ServerConfig `yaml:"servers"`
	Session  SessionConfig  `yaml:"session"`
	LogLevel string         `yaml:"log_level"`
}

// LLMConfig selects and configures the chat-completion backend.
type LLMConfig struct {
	// Provider is "ollama" or "openai" (any OpenAI-compatible API).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// ServerConfig describes one MCP server to connect to. Exactly one of
// Command, URL, or WSURL selects the transport.
type ServerConfig struct {
	Name string `yaml:"name"`

	// Command plus Args launches a stdio subprocess server.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// URL is a streamable-HTTP server endpoint.
	URL string `yaml:"url"`

	// WSURL is a WebSocket server endpoint.
	WSURL string `yaml:"ws_url"`

	// Headers are sent with every HTTP/WebSocket request (e.g. Authorization).
	Headers map[string]string `yaml:"headers"`

	// IsActive defaults to true; set false to keep a server configured
	// but skipped at startup.
	IsActive *bool `yaml:"is_active"`

	// IncludeTools and ExcludeTools filter which of the server's tools
	// are registered. When both are set the include list is applied
	// first, then excluded names are removed from it.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Active reports whether the server should be connected at startup.
func (s ServerConfig) Active() bool {
	return s.IsActive == nil || *s.IsActive
}

// SessionConfig bounds the orchestration loop.
type SessionConfig struct {
	// SystemPrompt is prepended verbatim as the system message.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTurns caps LLM round trips per Ask (default 10).
	MaxTurns int `yaml:"max_turns"`

	// ToolTimeout bounds each individual tool call (default 30s).
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ContextBudget is the approximate input budget in tokens; older
	// turns are dropped when the conversation would exceed it
	// (default 32768, 0 disables truncation).
	ContextBudget int `yaml:"context_budget"`

	// RequireAllServers makes session start fail if any configured
	// server cannot be connected. Default false: start with a reduced
	// tool set and a warning.
	RequireAllServers bool `yaml:"require_all_servers"`

	// ToolRetries is the number of additional attempts for a tool call
	// that failed at the transport level (default 0).
	ToolRetries int `yaml:"tool_retries"`

	// ToolRetryDelay is the pause between tool retries (default 1s).
	ToolRetryDelay time.Duration `yaml:"tool_retry_delay"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "qwen3:4b",
			BaseURL:  "http://localhost:11434",
		},
		Session: SessionConfig{
			MaxTurns:       10,
			ToolTimeout:    30 * time.Second,
			ContextBudget:  32768,
			ToolRetryDelay: time.Second,
		},
	}
}

// Validate checks for configuration mistakes that would otherwise
// surface as confusing runtime failures.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q (valid: ollama, openai)", c.LLM.Provider)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		n := 0
		if s.Command != "" {
			n++
		}
		if s.URL != "" {
			n++
		}
		if s.WSURL != "" {
			n++
		}
		if n != 1 {
			return fmt.Errorf("server %q: exactly one of command, url, or ws_url is required", s.Name)
		}
	}

	return nil
}
