package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PACT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PACT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PACT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PACT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PACT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PACT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PACT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PACT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PACT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PACT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PACT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PACT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PACT_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "PACT_REDIS_URL")
	setStr(&cfg.Redis.Addr, "PACT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PACT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PACT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PACT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PACT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PACT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PACT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PACT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PACT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PACT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PACT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PACT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PACT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PACT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "PACT_S3_PREFIX")
	setBool(&cfg.S3.CreateBucket, "PACT_S3_CREATE_BUCKET")

	// ── Storage / lock ──
	setStr(&cfg.Storage.Driver, "PACT_STORAGE_DRIVER")
	setStr(&cfg.Lock.Backend, "PACT_LOCK_BACKEND")
	setDuration(&cfg.Lock.TTL, "PACT_LOCK_TTL")

	// ── Engine ──
	setInt64(&cfg.Engine.DefaultStake, "PACT_ENGINE_DEFAULT_STAKE")
	setStr(&cfg.Engine.Scheme, "PACT_ENGINE_SCHEME")
	setInt64(&cfg.Engine.LegacyMultiplier, "PACT_ENGINE_LEGACY_MULTIPLIER")
	setInt(&cfg.Engine.WindowDays, "PACT_ENGINE_WINDOW_DAYS")
	setStr(&cfg.Engine.Alignment, "PACT_ENGINE_ALIGNMENT")
	setInt64(&cfg.Engine.DailyChest, "PACT_ENGINE_DAILY_CHEST")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.ExpiryInterval, "PACT_SCHEDULER_EXPIRY_INTERVAL")
	setDuration(&cfg.Scheduler.RenewalInterval, "PACT_SCHEDULER_RENEWAL_INTERVAL")
	setStr(&cfg.Scheduler.ArchiveCron, "PACT_SCHEDULER_ARCHIVE_CRON")
	setInt(&cfg.Scheduler.RetentionDays, "PACT_SCHEDULER_RETENTION_DAYS")
	setInt(&cfg.Scheduler.BatchSize, "PACT_SCHEDULER_BATCH_SIZE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PACT_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setStringSlice(&cfg.Server.CORSOrigins, "PACT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PACT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PACT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PACT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PACT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PACT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PACT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PACT_MODE")
	setStr(&cfg.LogLevel, "PACT_LOG_LEVEL")
	setStr(&cfg.Timezone, "PACT_TIMEZONE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
