package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported completion providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Supported store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the application configuration
type Config struct {
	LLM       LLMConfig
	Server    ServerConfig
	Store     StoreConfig
	Auth      AuthConfig
	Sync      SyncConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	MCP       MCPConfig `mapstructure:"mcp"`
}

// LLMConfig holds the completion client configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxTokens    int           `mapstructure:"max_tokens"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// AuthConfig maps bearer tokens to owner identities.
type AuthConfig struct {
	Users []UserConfig `mapstructure:"users"`
}

// UserConfig is one accepted bearer token.
type UserConfig struct {
	Token string `mapstructure:"token"`
	Owner string `mapstructure:"owner"`
}

// SyncConfig tunes reconciliation and write retries.
type SyncConfig struct {
	ReconcileWindow time.Duration `mapstructure:"reconcile_window"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the backoff policy of the persistence outbox.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// TelemetryConfig enables OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// MCPConfig configures the MCP tool surface.
type MCPConfig struct {
	Owner string `mapstructure:"owner"`
}

// setDefaults registers every scalar key. AutomaticEnv only overrides keys
// viper already knows, so a key without a default cannot come from the
// environment alone.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.base_url", "https://api.x.ai/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "grok-4-latest")
	v.SetDefault("llm.system_prompt", "You are a helpful assistant.")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "history.db")
	v.SetDefault("sync.reconcile_window", "2m")
	v.SetDefault("sync.retry.max_attempts", 8)
	v.SetDefault("sync.retry.base_delay", "300ms")
	v.SetDefault("sync.retry.max_delay", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")
	v.SetDefault("mcp.owner", "")
}

// Load loads the configuration from the file named by CONFIG_PATH, falling
// back to config.yaml in the working directory.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile loads the configuration from path. An empty path searches for
// config.yaml in the working directory and tolerates its absence.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the application cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("%w: unsupported llm provider %q", ErrInvalidConfig, c.LLM.Provider)
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	for i, u := range c.Auth.Users {
		if u.Token == "" || u.Owner == "" {
			return fmt.Errorf("%w: auth.users[%d] needs token and owner", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Owners returns the token to owner lookup table.
func (c AuthConfig) Owners() map[string]string {
	out := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		out[u.Token] = u.Owner
	}
	return out
}
