// Package config provides configuration types, defaults and persistence for conduit.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zjrosen/conduit/internal/flags"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/tracing"
)

// Config holds all conduit configuration.
type Config struct {
	Server  ServerConfig    `mapstructure:"server"`
	Agent   AgentConfig     `mapstructure:"agent"`
	Storage StorageConfig   `mapstructure:"storage"`
	Tracing tracing.Config  `mapstructure:"tracing"`
	Flags   map[string]bool `mapstructure:"flags"`
	Log     LogConfig       `mapstructure:"log"`
}

// ServerConfig controls the listening socket.
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // host to bind, localhost by default
	Port int    `mapstructure:"port"` // 0 picks a free port
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

// AgentConfig is the default spawn configuration for assistant processes.
// Connections may override the model and system prompt.
type AgentConfig struct {
	Executable         string            `mapstructure:"executable"` // empty searches ~/.claude and PATH
	Model              string            `mapstructure:"model"`
	SystemPrompt       string            `mapstructure:"system_prompt"`
	AppendSystemPrompt bool              `mapstructure:"append_system_prompt"`
	WorkDir            string            `mapstructure:"work_dir"` // empty uses the server's cwd
	Env                map[string]string `mapstructure:"env"`
	SkipPermissions    bool              `mapstructure:"skip_permissions"`
	ExtraArgs          []string          `mapstructure:"extra_args"`
	StderrLimit        int               `mapstructure:"stderr_limit"` // bytes of stderr kept for exit reports
}

// Environment returns Env with upper-cased names. Viper folds map keys to
// lower case when reading the file.
func (a AgentConfig) Environment() map[string]string {
	if len(a.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(a.Env))
	for k, v := range a.Env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// StorageConfig locates the session database.
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	CacheTTL string `mapstructure:"cache_ttl"` // Go duration, e.g. "2m"
}

// LogConfig controls the debug log file.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Dir returns ~/.config/conduit, or "" if the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "conduit")
}

// DefaultDatabasePath returns ~/.config/conduit/conduit.db.
func DefaultDatabasePath() string {
	dir := Dir()
	if dir == "" {
		return "conduit.db"
	}
	return filepath.Join(dir, "conduit.db")
}

// DefaultTracesFilePath returns ~/.config/conduit/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	tc := tracing.DefaultConfig()
	tc.FilePath = DefaultTracesFilePath()
	return Config{
		Server: ServerConfig{
			Addr: "127.0.0.1",
			Port: 7433,
		},
		Agent: AgentConfig{
			Model:       "sonnet",
			StderrLimit: 16 * 1024,
		},
		Storage: StorageConfig{
			Path:     DefaultDatabasePath(),
			CacheTTL: "2m",
		},
		Tracing: tc,
		Flags:   flags.Defaults(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors. Empty values use defaults.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Agent.WorkDir != "" && !filepath.IsAbs(c.Agent.WorkDir) {
		return fmt.Errorf("agent.work_dir must be an absolute path, got %q", c.Agent.WorkDir)
	}
	if c.Agent.StderrLimit < 0 {
		return fmt.Errorf("agent.stderr_limit must not be negative, got %d", c.Agent.StderrLimit)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if err := ValidateStorage(c.Storage); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// ValidateStorage checks the storage section.
func ValidateStorage(s StorageConfig) error {
	if s.CacheTTL != "" {
		if _, err := parseDuration(s.CacheTTL); err != nil {
			return fmt.Errorf("storage.cache_ttl: %w", err)
		}
	}
	return nil
}

// FlagRegistry builds the feature-flag registry from the flags section.
func (c Config) FlagRegistry() *flags.Registry {
	return flags.New(c.Flags)
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Conduit Configuration

# HTTP/WebSocket listener. Only loopback clients may open WebSockets.
server:
  addr: 127.0.0.1
  port: 7433

# Defaults for every spawned assistant process.
# Clients can override model and system_prompt per connection.
agent:
  # executable: /usr/local/bin/claude   # default: ~/.claude/local/claude, ~/.claude/claude, then PATH
  model: sonnet
  # system_prompt: "You are a careful reviewer."
  # append_system_prompt: false        # true appends to the built-in prompt instead of replacing it
  # work_dir: /path/to/project         # must be absolute; default is the server's cwd
  # skip_permissions: false
  # env:
  #   ANTHROPIC_LOG: debug
  # extra_args: ["--max-turns", "20"]
  # stderr_limit: 16384

# Session history database.
storage:
  # path: ~/.config/conduit/conduit.db
  cache_ttl: 2m

# Feature flags.
flags:
  session-persistence: true    # false keeps history in memory only
  interaction-requests: true   # surface AskUserQuestion as interaction_request events
  summary-titles: true         # rename sessions from assistant summaries

# Debug log, written when --debug or CONDUIT_DEBUG is set.
log:
  level: info
  # file: /tmp/conduit.log

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: file                 # none, file, stdout, otlp
#   file_path: ~/.config/conduit/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at configPath with default
// settings and comments.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
