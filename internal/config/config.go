// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "COVEN_CHAT_CONFIG"

// Store backends
const (
	StoreSQLite = "sqlite"
	StoreRemote = "remote"
)

// Notifier backends
const (
	NotifierMemory = "memory"
	NotifierRedis  = "redis"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Notifier NotifierConfig `yaml:"notifier" toml:"notifier"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// StoreConfig selects where conversations and messages live
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // sqlite or remote
	Driver  string `yaml:"driver" toml:"driver"`   // sqlite (pure Go) or sqlite3 (cgo)
	Path    string `yaml:"path" toml:"path"`
	URL     string `yaml:"url" toml:"url"` // store service base URL when backend is remote
}

// NotifierConfig selects how change events travel between writers and views
type NotifierConfig struct {
	Backend       string `yaml:"backend" toml:"backend"` // memory or redis
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix" toml:"channel_prefix"`
}

// AgentConfig holds the agent service endpoint
type AgentConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling; empty means no client-side timeout
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ServerConfig holds listen addresses for the bundled services
type ServerConfig struct {
	StoreAddr string `yaml:"store_addr" toml:"store_addr"`
	AgentAddr string `yaml:"agent_addr" toml:"agent_addr"`
}

// SyncConfig tunes the client-side caches
type SyncConfig struct {
	ReloadTimeout time.Duration `yaml:"-" toml:"-"`

	ReloadTimeoutRaw string `yaml:"reload_timeout" toml:"reload_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"` // optional JSON log file, in addition to stderr
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: StoreSQLite,
			Driver:  "sqlite",
			Path:    filepath.Join(DataDir(), "chat.db"),
		},
		Notifier: NotifierConfig{
			Backend:       NotifierMemory,
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "coven-chat",
		},
		Agent: AgentConfig{
			URL: "http://localhost:8000",
		},
		Server: ServerConfig{
			StoreAddr: "localhost:8090",
			AgentAddr: "localhost:8000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding,
// and keys absent from the file keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault resolves the config path and loads it. An explicit path (flag
// or COVEN_CHAT_CONFIG) must exist; a missing file at the default location
// yields Default().
func LoadOrDefault(flagPath string) (*Config, string, error) {
	path, explicit := ResolvePath(flagPath)
	cfg, err := Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if verr := cfg.Validate(); verr != nil {
			return nil, "", verr
		}
		return cfg, "", nil
	}
	return nil, path, err
}

// ResolvePath returns the config file to read and whether the caller chose it.
// Priority: flag > COVEN_CHAT_CONFIG > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func ResolvePath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml", false // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml"), false
}

// DataDir returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
		if c.Store.Driver != "sqlite" && c.Store.Driver != "sqlite3" {
			return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
		}
	case StoreRemote:
		if err := validateHTTPURL("store.url", c.Store.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend must be %s or %s, got %q", StoreSQLite, StoreRemote, c.Store.Backend)
	}

	switch c.Notifier.Backend {
	case NotifierMemory:
	case NotifierRedis:
		if c.Notifier.RedisAddr == "" {
			return fmt.Errorf("notifier.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("notifier.backend must be %s or %s, got %q", NotifierMemory, NotifierRedis, c.Notifier.Backend)
	}

	if err := validateHTTPURL("agent.url", c.Agent.URL); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateHTTPURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", key, u.Scheme)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.TimeoutRaw != "" {
		cfg.Agent.Timeout, err = time.ParseDuration(cfg.Agent.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.timeout %q: %w", cfg.Agent.TimeoutRaw, err)
		}
	}

	if cfg.Sync.ReloadTimeoutRaw != "" {
		cfg.Sync.ReloadTimeout, err = time.ParseDuration(cfg.Sync.ReloadTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.reload_timeout %q: %w", cfg.Sync.ReloadTimeoutRaw, err)
		}
	}

	return nil
}
