// Package config defines the top-level configuration for the pact engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PACT_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Storage   StorageConfig   `toml:"storage"`
	Lock      LockConfig      `toml:"lock"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Timezone  string          `toml:"timezone"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the event bus,
// rate limiter and, when selected, the sweep lock.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"` // redis://[:password@]host:port/db; overrides addr
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	CreateBucket   bool   `toml:"create_bucket"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// LockConfig selects the sweep lock backend.
type LockConfig struct {
	// Backend is "memory" (single process) or "redis".
	Backend string   `toml:"backend"`
	TTL     duration `toml:"ttl"`
}

// EngineConfig holds the staking and settlement parameters.
type EngineConfig struct {
	DefaultStake     int64  `toml:"default_stake"`
	Scheme           string `toml:"scheme"`
	LegacyMultiplier int64  `toml:"legacy_multiplier"`
	WindowDays       int    `toml:"window_days"`
	Alignment        string `toml:"alignment"`
	DailyChest       int64  `toml:"daily_chest"`
}

// SchedulerConfig holds the batch pass schedule.
type SchedulerConfig struct {
	ExpiryInterval  duration `toml:"expiry_interval"`
	RenewalInterval duration `toml:"renewal_interval"`
	ArchiveCron     string   `toml:"archive_cron"`
	RetentionDays   int      `toml:"retention_days"`
	BatchSize       int      `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the admin routes. Empty disables them.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per minute per user; 0 disables limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pacts",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pact-archive",
			ForcePathStyle: true,
		},
		Storage: StorageConfig{Driver: "postgres"},
		Lock:    LockConfig{Backend: "memory", TTL: duration{10 * time.Minute}},
		Engine: EngineConfig{
			DefaultStake:     10,
			Scheme:           "progression",
			LegacyMultiplier: 4,
			WindowDays:       7,
			Alignment:        "rolling",
			DailyChest:       5,
		},
		Scheduler: SchedulerConfig{
			ExpiryInterval:  duration{time.Hour},
			RenewalInterval: duration{6 * time.Hour},
			ArchiveCron:     "0 3 1 * *",
			RetentionDays:   90,
			BatchSize:       200,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_failed", "refund_failed", "renewal_failed", "sweep_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
		Timezone: "UTC",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"scheduler": true,
	"full":      true,
	"sweep":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scheduler, full, sweep)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}

	// Storage
	switch c.Storage.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Lock
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "lock: backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: memory, redis)", c.Lock.Backend))
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Engine
	if c.Engine.DefaultStake <= 0 {
		errs = append(errs, "engine: default_stake must be > 0")
	}
	if c.Engine.Scheme != "simple" && c.Engine.Scheme != "progression" {
		errs = append(errs, fmt.Sprintf("engine: unknown scheme %q (valid: simple, progression)", c.Engine.Scheme))
	}
	if c.Engine.LegacyMultiplier < 1 {
		errs = append(errs, "engine: legacy_multiplier must be >= 1")
	}
	if c.Engine.WindowDays < 1 {
		errs = append(errs, "engine: window_days must be >= 1")
	}
	if c.Engine.Alignment != "rolling" && c.Engine.Alignment != "weekly" {
		errs = append(errs, fmt.Sprintf("engine: unknown alignment %q (valid: rolling, weekly)", c.Engine.Alignment))
	}
	if c.Engine.DailyChest < 0 {
		errs = append(errs, "engine: daily_chest must be >= 0")
	}

	// Scheduler
	if c.Scheduler.ExpiryInterval.Duration <= 0 {
		errs = append(errs, "scheduler: expiry_interval must be > 0")
	}
	if c.Scheduler.RenewalInterval.Duration <= 0 {
		errs = append(errs, "scheduler: renewal_interval must be > 0")
	}
	if c.Scheduler.BatchSize < 1 {
		errs = append(errs, "scheduler: batch_size must be >= 1")
	}
	if c.Scheduler.RetentionDays < 1 {
		errs = append(errs, "scheduler: retention_days must be >= 1")
	}
	if fields := strings.Fields(c.Scheduler.ArchiveCron); c.Scheduler.ArchiveCron != "" && len(fields) != 5 {
		errs = append(errs, fmt.Sprintf("scheduler: archive_cron must have 5 fields, got %d", len(fields)))
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Expiry returns the expiry sweep period.
func (s SchedulerConfig) Expiry() time.Duration { return s.ExpiryInterval.Duration }

// Renewal returns the renewal sweep period.
func (s SchedulerConfig) Renewal() time.Duration { return s.RenewalInterval.Duration }

// Retention returns how long terminal challenges stay in the database.
func (s SchedulerConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}
