// Package config loads the tracker configuration.
//
// Values come from three layers, later ones winning:
//  1. defaults registered in setDefaults
//  2. an optional YAML file (--config)
//  3. environment variables prefixed with TRACKER_, with dots replaced by
//     underscores (wakatime.client_id → TRACKER_WAKATIME_CLIENT_ID)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/akumotech/student-tracker/internal/apperror"
)

const envPrefix = "TRACKER"

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	FrontendURL string   `mapstructure:"frontend_url"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// AuthRequestsPerMinute limits signup/login per client IP. 0 disables.
	AuthRequestsPerMinute int `mapstructure:"auth_requests_per_minute"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string         `mapstructure:"path"`   // sqlite file
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// DSN returns the data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		p := d.Postgres
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
	}
	return d.Path
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	Path       string `mapstructure:"path"`   // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// StateTTL bounds how long an OAuth connect redirect stays valid.
	StateTTL time.Duration `mapstructure:"state_ttl"`
	// BcryptCost is exposed so tests and small deployments can lower it.
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

type VaultConfig struct {
	// Key is 32 random bytes, base64 or hex encoded.
	Key string `mapstructure:"key"`
}

type WakaTimeConfig struct {
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	RedirectURL       string        `mapstructure:"redirect_url"`
	Scopes            []string      `mapstructure:"scopes"`
	AuthURL           string        `mapstructure:"auth_url"`
	TokenURL          string        `mapstructure:"token_url"`
	APIBaseURL        string        `mapstructure:"api_base_url"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type SyncConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Schedule     string        `mapstructure:"schedule"`
	LookbackDays int           `mapstructure:"lookback_days"`
	Concurrency  int           `mapstructure:"concurrency"`
	PassTimeout  time.Duration `mapstructure:"pass_timeout"`
	UserTimeout  time.Duration `mapstructure:"user_timeout"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Vault    VaultConfig    `mapstructure:"vault"`
	WakaTime WakaTimeConfig `mapstructure:"wakatime"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.auth_requests_per_minute", 20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/tracker.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "tracker")
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.session_ttl", "24h")
	v.SetDefault("auth.state_ttl", "10m")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("vault.key", "")

	v.SetDefault("wakatime.client_id", "")
	v.SetDefault("wakatime.client_secret", "")
	v.SetDefault("wakatime.redirect_url", "http://localhost:8080/api/wakatime/callback")
	v.SetDefault("wakatime.scopes", []string{"read_logged_time"})
	v.SetDefault("wakatime.auth_url", "https://wakatime.com/oauth/authorize")
	v.SetDefault("wakatime.token_url", "https://wakatime.com/oauth/token")
	v.SetDefault("wakatime.api_base_url", "https://wakatime.com/api/v1")
	v.SetDefault("wakatime.http_timeout", "10s")
	v.SetDefault("wakatime.retry_delay", "2s")
	v.SetDefault("wakatime.requests_per_second", 5.0)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.schedule", "30 23 * * *")
	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.pass_timeout", "30m")
	v.SetDefault("sync.user_timeout", "2m")
}

// Load reads configuration from path (may be empty) and the environment.
// It does not validate; call Validate before wiring components.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	return &cfg, nil
}

// Validate reports every missing or malformed setting at once. The returned
// error matches apperror.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	fail := func(key, msg string) {
		errs = append(errs, apperror.Configuration(key, msg))
	}

	if len(c.Auth.JWTSecret) < 16 {
		fail("auth.jwt_secret", "must be at least 16 characters")
	}
	if c.Auth.StateTTL <= 0 {
		fail("auth.state_ttl", "must be positive")
	}
	if c.Vault.Key == "" {
		fail("vault.key", "is required")
	}
	if c.WakaTime.ClientID == "" {
		fail("wakatime.client_id", "is required")
	}
	if c.WakaTime.ClientSecret == "" {
		fail("wakatime.client_secret", "is required")
	}
	if c.WakaTime.RedirectURL == "" {
		fail("wakatime.redirect_url", "is required")
	}
	if c.WakaTime.HTTPTimeout <= 0 {
		fail("wakatime.http_timeout", "must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			fail("database.path", "is required for sqlite")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			fail("database.postgres", "host and database are required")
		}
	default:
		fail("database.driver", fmt.Sprintf("unsupported driver %q", c.Database.Driver))
	}

	if c.Sync.Enabled {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			fail("sync.schedule", err.Error())
		}
	}
	if c.Sync.LookbackDays < 1 {
		fail("sync.lookback_days", "must be at least 1")
	}
	if c.Sync.Concurrency < 1 {
		fail("sync.concurrency", "must be at least 1")
	}

	return errors.Join(errs...)
}
