package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Scheduler.Expiry())
	assert.Equal(t, 90*24*time.Hour, cfg.Scheduler.Retention())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pact.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "scheduler"
timezone = "Europe/Paris"

[storage]
driver = "memory"

[engine]
scheme = "simple"
default_stake = 25

[scheduler]
expiry_interval = "15m"
`), 0o600))

	t.Setenv("PACT_ENGINE_DAILY_CHEST", "7")
	t.Setenv("PACT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PACT_LOCK_TTL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "simple", cfg.Engine.Scheme)
	assert.Equal(t, int64(25), cfg.Engine.DefaultStake)
	assert.Equal(t, int64(7), cfg.Engine.DailyChest)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Expiry())
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Untouched sections keep their defaults.
	assert.Equal(t, 7, cfg.Engine.WindowDays)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Storage.Driver = "sqlite"
	cfg.Lock.Backend = "redis"
	cfg.Engine.Scheme = "double"
	cfg.Engine.DefaultStake = 0
	cfg.Scheduler.ArchiveCron = "0 3 *"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`storage: unknown driver "sqlite"`,
		"lock: backend redis requires redis.enabled",
		`engine: unknown scheme "double"`,
		"engine: default_stake must be > 0",
		"scheduler: archive_cron must have 5 fields",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "admin-key"
	cfg.Notify.Events = []string{"sweep_failed"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "sweep_failed", cfg.Notify.Events[0])
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestRedactedConfig_URLs(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://pact:s3cret@db:5432/pact?sslmode=disable"
	cfg.Redis.URL = "redis://:pw@cache:6379/0"

	out := RedactedConfig(&cfg)
	assert.NotContains(t, out.Postgres.DSN, "s3cret")
	assert.Contains(t, out.Postgres.DSN, "@db:5432/pact")
	assert.NotContains(t, out.Redis.URL, "pw@")

	cfg.Postgres.DSN = "host=db password=x"
	assert.Equal(t, "***", RedactedConfig(&cfg).Postgres.DSN)
}
