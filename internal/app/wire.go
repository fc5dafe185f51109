package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/MOMISBACK/pactengine/internal/blob/s3"
	"github.com/MOMISBACK/pactengine/internal/cache/redis"
	"github.com/MOMISBACK/pactengine/internal/config"
	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/lock"
	"github.com/MOMISBACK/pactengine/internal/metrics"
	"github.com/MOMISBACK/pactengine/internal/notify"
	"github.com/MOMISBACK/pactengine/internal/server/handler"
	"github.com/MOMISBACK/pactengine/internal/store/memory"
	"github.com/MOMISBACK/pactengine/internal/store/postgres"
)

// Dependencies bundles every concrete backend the modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Challenges   domain.ChallengeStore
	Balances     domain.BalanceStore
	Transactions domain.TransactionStore
	Activities   domain.ActivityStore
	Audit        domain.AuditStore

	// Coordination
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Archive; nil when S3 is disabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	// Health reports the reachability of every external backend.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := &Dependencies{
		Metrics:  metrics.New(reg),
		Registry: reg,
		Health:   make(map[string]handler.Pinger),
	}

	// --- Primary store ---
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "wire: migrations applied", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.Challenges = postgres.NewChallengeStore(pool)
		deps.Balances = postgres.NewUserStore(pool)
		deps.Transactions = postgres.NewTransactionStore(pool)
		deps.Activities = postgres.NewActivityStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient

	default:
		logger.WarnContext(ctx, "wire: using in-memory storage, state is lost on restart")
		deps.Challenges = memory.NewChallengeStore()
		deps.Balances = memory.NewUserStore()
		deps.Transactions = memory.NewTransactionStore()
		deps.Activities = memory.NewActivityStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis (optional) ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Health["redis"] = redisClient
	} else {
		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewSignalBus(0)
	}

	switch cfg.Lock.Backend {
	case "redis":
		if redisClient == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: lock backend redis requires redis.enabled")
		}
		deps.Locks = redis.NewLockManager(redisClient)
	default:
		deps.Locks = lock.NewRegistry()
	}

	// --- S3 archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
			CreateBucket:   cfg.S3.CreateBucket,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Challenges,
			deps.Transactions,
			deps.Audit,
			cfg.Scheduler.BatchSize,
			logger,
		)
		deps.Health["s3"] = s3Client
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
