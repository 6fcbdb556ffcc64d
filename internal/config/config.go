// Package config handles Warden configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/warden/internal/secrets"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/warden/config.yaml, /etc/warden/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "warden", "config.yaml"))
	}

	paths = append(paths, "/etc/warden/config.yaml")
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

// Config holds all Warden configuration. It is resolved once at startup
// and handed to constructors; nothing below cmd/ reads config sources.
type Config struct {
	Workspace string         `yaml:"workspace"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	Listen    ListenConfig   `yaml:"listen"`
	Models    ModelsConfig   `yaml:"models"`
	Agent     AgentConfig    `yaml:"agent"`
	Sessions  SessionsConfig `yaml:"sessions"`
	Tools     ToolsConfig    `yaml:"tools"`
	Health    HealthConfig   `yaml:"health"`
	MQTT      MQTTConfig     `yaml:"mqtt"`

	secretValues []string
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelsConfig defines the model provider.
type ModelsConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	Default   string `yaml:"default"`
}

// AgentConfig tunes the per-turn loop and consolidation.
type AgentConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	MaxIterations int     `yaml:"max_iterations"`
	// MemoryWindow is the message count above which a session is
	// consolidated. Consolidation keeps the newest MemoryWindow/2.
	MemoryWindow int `yaml:"memory_window"`
	// RedactionMask replaces secrets in answers and tool output.
	RedactionMask string `yaml:"redaction_mask"`
	// ExtraSecrets are literal values to redact in addition to the
	// credentials found elsewhere in this file.
	ExtraSecrets []string `yaml:"extra_secrets"`
}

// SessionsConfig selects the session persistence backend.
type SessionsConfig struct {
	Backend    string `yaml:"backend"` // jsonl or sqlite
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	RestrictToWorkspace bool   `yaml:"restrict_to_workspace"`
	BraveAPIKey         string `yaml:"brave_api_key"`
	SearchMaxResults    int    `yaml:"search_max_results"`
	FetchMaxChars       int    `yaml:"fetch_max_chars"`
}

// HealthConfig sets the thresholds used by the session health report.
type HealthConfig struct {
	// OversizedThreshold is the message count above which a stored
	// session is reported as oversized. It is independent of
	// agent.memory_window.
	OversizedThreshold int     `yaml:"oversized_threshold"`
	FallbackRatio      float64 `yaml:"fallback_ratio"`
	FreshnessHours     int     `yaml:"freshness_hours"`
}

// MQTTConfig configures the optional event bridge. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"` // default: warden-<instance id prefix>
}

// Backends accepted by sessions.backend.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Load reads configuration from a YAML file. A .env file next to the
// config is loaded into the environment first (without overriding
// variables already set) so ${VAR} references can resolve from it.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables,
// applying defaults and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.secretValues = secrets.Extract(raw)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := defaults()
	cfg.applyDefaults()
	return cfg
}

// defaults returns the literal defaults, leaving derived paths empty so
// they can follow a data_dir set in the file.
func defaults() *Config {
	return &Config{
		Workspace: "workspace",
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
		Listen:    ListenConfig{Port: 8080},
		Models: ModelsConfig{
			OllamaURL: "http://localhost:11434",
			Default:   "qwen3:4b",
		},
		Agent: AgentConfig{
			MaxTokens:     4096,
			Temperature:   0.7,
			MaxIterations: 20,
			MemoryWindow:  50,
			RedactionMask: secrets.DefaultMask,
		},
		Sessions: SessionsConfig{Backend: BackendJSONL},
		Tools: ToolsConfig{
			SearchMaxResults: 5,
			FetchMaxChars:    50000,
		},
		Health: HealthConfig{
			OversizedThreshold: 150,
			FallbackRatio:      0.10,
			FreshnessHours:     24,
		},
		MQTT: MQTTConfig{TopicPrefix: "warden"},
	}
}

// applyDefaults fills settings derived from other settings and expands
// a leading ~ in paths.
func (c *Config) applyDefaults() {
	c.Workspace = expandHome(c.Workspace)
	c.DataDir = expandHome(c.DataDir)
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Sessions.SQLitePath == "" {
		c.Sessions.SQLitePath = filepath.Join(c.DataDir, "sessions.db")
	}
	c.Sessions.Dir = expandHome(c.Sessions.Dir)
	c.Sessions.SQLitePath = expandHome(c.Sessions.SQLitePath)
	if c.Agent.RedactionMask == "" {
		c.Agent.RedactionMask = secrets.DefaultMask
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Workspace == "" {
		errs = append(errs, errors.New("workspace must be set"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MemoryWindow < 2 {
		errs = append(errs, fmt.Errorf("agent.memory_window must be >= 2, got %d", c.Agent.MemoryWindow))
	}
	switch c.Sessions.Backend {
	case BackendJSONL, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("sessions.backend must be %s or %s, got %q", BackendJSONL, BackendSQLite, c.Sessions.Backend))
	}
	if n := c.Tools.SearchMaxResults; n < 1 || n > 10 {
		errs = append(errs, fmt.Errorf("tools.search_max_results must be 1-10, got %d", n))
	}
	if c.Tools.FetchMaxChars < 100 {
		errs = append(errs, fmt.Errorf("tools.fetch_max_chars must be >= 100, got %d", c.Tools.FetchMaxChars))
	}
	if c.Health.OversizedThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.oversized_threshold must be >= 1, got %d", c.Health.OversizedThreshold))
	}
	if r := c.Health.FallbackRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("health.fallback_ratio must be between 0 and 1, got %g", r))
	}
	if c.Health.FreshnessHours < 1 {
		errs = append(errs, fmt.Errorf("health.freshness_hours must be >= 1, got %d", c.Health.FreshnessHours))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SecretValues returns the credential values found anywhere in the
// loaded file (any string under a password/token/key-like name,
// including agent.extra_secrets), longest first. The agent redacts
// these literally from everything it emits.
func (c *Config) SecretValues() []string {
	return append([]string(nil), c.secretValues...)
}

// MemoryDir is where the memory document and history log live.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.Workspace, "memory")
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
