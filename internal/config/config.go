package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Generation GenerationConfig `mapstructure:"generation"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	LinkedIn   PlatformConfig   `mapstructure:"linkedin"`
	Twitter    PlatformConfig   `mapstructure:"twitter"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Sources    SourcesConfig    `mapstructure:"sources"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// RedisConfig is shared by the local queue and callback de-duplication
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// Dispatch backends
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// DispatchConfig selects and configures the job backend
type DispatchConfig struct {
	Backend string               `mapstructure:"backend"` // local or remote
	Local   LocalDispatchConfig  `mapstructure:"local"`
	Remote  RemoteDispatchConfig `mapstructure:"remote"`
}

// LocalDispatchConfig configures the Redis-backed in-process queue
type LocalDispatchConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxRetry    int           `mapstructure:"max_retry"`
	Queue       string        `mapstructure:"queue"`
	Retention   time.Duration `mapstructure:"retention"` // How long completed tasks are kept
}

// RemoteDispatchConfig configures the HTTP pub/sub scheduler
type RemoteDispatchConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`
	CallbackURL       string `mapstructure:"callback_url"` // Public base URL the scheduler posts back to
	CurrentSigningKey string `mapstructure:"current_signing_key"`
	NextSigningKey    string `mapstructure:"next_signing_key"`
	MaxRetries        int    `mapstructure:"max_retries"` // Delivery retries requested from the scheduler
}

// Generation providers
const (
	ProviderRuntime   = "runtime"
	ProviderAnthropic = "anthropic"
)

// GenerationConfig holds content generation settings
type GenerationConfig struct {
	Provider        string        `mapstructure:"provider"` // runtime or anthropic
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
	Runtime         RuntimeConfig `mapstructure:"runtime"`
}

// RuntimeConfig points at the external agent runtime
type RuntimeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AnthropicConfig holds Claude API settings
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// PlatformConfig holds OAuth client settings for a social platform
type PlatformConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	SweepCron       string        `mapstructure:"sweep_cron"`
	ResyncCron      string        `mapstructure:"resync_cron"`
	GenerationHour  int           `mapstructure:"generation_hour"`
	WindowStartHour int           `mapstructure:"window_start_hour"`
	WindowEndHour   int           `mapstructure:"window_end_hour"`
	PublishWindow   time.Duration `mapstructure:"publish_window"`
	StaleAfter      time.Duration `mapstructure:"stale_after"` // Past scheduled_for, a post still scheduled is failed
}

// Location resolves the configured timezone, falling back to UTC
func (s SchedulerConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryConfig holds platform retry settings
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	PlatformRequestsPerMinute   int `mapstructure:"platform_requests_per_minute"`
	GenerationRequestsPerMinute int `mapstructure:"generation_requests_per_minute"`
}

// ServerConfig holds webhook server settings
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	PublicURL string `mapstructure:"public_url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// TrackerConfig holds Google Sheets tracker settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// SourcesConfig holds inspiration source settings
type SourcesConfig struct {
	RSS RSSConfig `mapstructure:"rss"`
}

// RSSConfig holds RSS feed settings
type RSSConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	MaxHeadlines int  `mapstructure:"max_headlines"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".social-autopilot"))
		}
	}

	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings so Unmarshal sees keys that only exist in the environment
	for _, key := range []string{
		"database.driver", "database.dsn", "redis.url",
		"dispatch.backend", "dispatch.remote.base_url", "dispatch.remote.token", "dispatch.remote.callback_url",
		"dispatch.remote.current_signing_key", "dispatch.remote.next_signing_key",
		"generation.provider", "generation.runtime.base_url", "generation.runtime.api_key",
		"anthropic.api_key",
		"linkedin.client_id", "linkedin.client_secret", "twitter.client_id", "twitter.client_secret",
		"server.port", "server.public_url",
		"tracker.enabled", "tracker.spreadsheet_id", "tracker.credentials_file", "tracker.service_account_json",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/autopilot.db")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("dispatch.backend", BackendLocal)
	v.SetDefault("dispatch.local.concurrency", 10)
	v.SetDefault("dispatch.local.max_retry", 3)
	v.SetDefault("dispatch.local.queue", "default")
	v.SetDefault("dispatch.local.retention", "24h")
	v.SetDefault("dispatch.remote.base_url", "https://qstash.upstash.io")
	v.SetDefault("dispatch.remote.max_retries", 3)

	v.SetDefault("generation.provider", ProviderRuntime)
	v.SetDefault("generation.poll_interval", "1s")
	v.SetDefault("generation.max_poll_attempts", 30)
	v.SetDefault("generation.runtime.timeout", "15s")

	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.temperature", 0.7)

	v.SetDefault("linkedin.base_url", "https://api.linkedin.com")
	v.SetDefault("linkedin.token_url", "https://www.linkedin.com/oauth/v2/accessToken")
	v.SetDefault("twitter.base_url", "https://api.twitter.com")
	v.SetDefault("twitter.token_url", "https://api.twitter.com/2/oauth2/token")

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.sweep_cron", "*/15 * * * *") // Every 15 minutes
	v.SetDefault("scheduler.resync_cron", "30 3 * * *")  // 3:30am daily
	v.SetDefault("scheduler.generation_hour", 6)
	v.SetDefault("scheduler.window_start_hour", 9)
	v.SetDefault("scheduler.window_end_hour", 23)
	v.SetDefault("scheduler.publish_window", "15m")
	v.SetDefault("scheduler.stale_after", "6h")

	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")

	v.SetDefault("rate_limit.platform_requests_per_minute", 60)
	v.SetDefault("rate_limit.generation_requests_per_minute", 20)

	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.sheet_name", "Posts")

	v.SetDefault("sources.rss.enabled", true)
	v.SetDefault("sources.rss.max_headlines", 3)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Dispatch.Backend {
	case BackendLocal:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the local dispatch backend")
		}
	case BackendRemote:
		r := c.Dispatch.Remote
		if r.Token == "" {
			return fmt.Errorf("dispatch.remote.token is required")
		}
		if r.CallbackURL == "" {
			return fmt.Errorf("dispatch.remote.callback_url is required")
		}
		if r.CurrentSigningKey == "" {
			return fmt.Errorf("dispatch.remote.current_signing_key is required")
		}
	default:
		return fmt.Errorf("dispatch.backend must be local or remote, got %q", c.Dispatch.Backend)
	}

	switch c.Generation.Provider {
	case ProviderRuntime:
		if c.Generation.Runtime.BaseURL == "" {
			return fmt.Errorf("generation.runtime.base_url is required")
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic.api_key is required")
		}
	default:
		return fmt.Errorf("generation.provider must be runtime or anthropic, got %q", c.Generation.Provider)
	}

	s := c.Scheduler
	if s.WindowStartHour < 0 || s.WindowEndHour > 24 || s.WindowStartHour >= s.WindowEndHour {
		return fmt.Errorf("scheduler window %d-%d is invalid", s.WindowStartHour, s.WindowEndHour)
	}
	if s.GenerationHour < 0 || s.GenerationHour > 23 {
		return fmt.Errorf("scheduler.generation_hour must be 0-23")
	}
	if s.PublishWindow <= 0 {
		return fmt.Errorf("scheduler.publish_window must be positive")
	}
	return nil
}
