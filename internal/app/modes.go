package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/ledger"
	"github.com/MOMISBACK/pactengine/internal/progress"
	"github.com/MOMISBACK/pactengine/internal/server"
	"github.com/MOMISBACK/pactengine/internal/server/handler"
	"github.com/MOMISBACK/pactengine/internal/server/ws"
	"github.com/MOMISBACK/pactengine/internal/service"
	"github.com/MOMISBACK/pactengine/internal/settlement"
)

// engine holds the services every mode is built from.
type engine struct {
	challenges *service.ChallengeService
	accounts   *service.AccountService
	sweeper    *service.Sweeper
}

// buildEngine wires the ledger, settlement strategies and services on top of
// deps.
func (a *App) buildEngine(deps *Dependencies) (*engine, error) {
	window, err := service.NewWindowPolicy(a.cfg.Engine.WindowDays, a.cfg.Engine.Alignment, a.cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: window policy: %w", err)
	}
	strategies, err := settlement.NewRegistry(
		a.cfg.Engine.LegacyMultiplier,
		domain.SettlementScheme(a.cfg.Engine.Scheme),
	)
	if err != nil {
		return nil, fmt.Errorf("app: settlement strategies: %w", err)
	}

	clock := domain.SystemClock{}
	l := ledger.New(
		deps.Balances,
		deps.Transactions,
		deps.Challenges,
		deps.SignalBus,
		clock,
		deps.Metrics,
		a.logger,
	)
	challenges := service.NewChallengeService(
		deps.Challenges,
		l,
		progress.NewEvaluator(deps.Activities),
		strategies,
		deps.Archiver,
		deps.SignalBus,
		deps.Notifier,
		clock,
		deps.Metrics,
		service.Options{DefaultStake: a.cfg.Engine.DefaultStake, Window: window},
		a.logger,
	)
	accounts := service.NewAccountService(l, deps.Activities, window, a.cfg.Engine.DailyChest, clock, a.logger)
	sweeper := service.NewSweeper(
		challenges,
		deps.Challenges,
		deps.Archiver,
		deps.Locks,
		deps.Notifier,
		clock,
		deps.Metrics,
		service.SweeperConfig{
			ExpiryInterval:  a.cfg.Scheduler.Expiry(),
			RenewalInterval: a.cfg.Scheduler.Renewal(),
			ArchiveCron:     a.cfg.Scheduler.ArchiveCron,
			Retention:       a.cfg.Scheduler.Retention(),
			BatchSize:       a.cfg.Scheduler.BatchSize,
			LockTTL:         a.cfg.Lock.TTL.Duration,
		},
		a.logger,
	)
	return &engine{challenges: challenges, accounts: accounts, sweeper: sweeper}, nil
}

// ServerMode serves the HTTP API and the WebSocket event feed. Sweeps only
// run when an operator triggers them.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// SchedulerMode runs the periodic expiry, renewal and archive passes.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode",
		slog.Duration("expiry_interval", a.cfg.Scheduler.Expiry()),
		slog.Duration("renewal_interval", a.cfg.Scheduler.Renewal()),
		slog.String("archive_cron", a.cfg.Scheduler.ArchiveCron),
	)

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	return eng.sweeper.Run(ctx)
}

// FullMode runs the API and the scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.sweeper.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, eng)
	return g.Wait()
}

// SweepMode runs every pass once and exits. It suits an external cron.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting one-shot sweep")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := eng.sweeper.RunOnce(ctx); err != nil {
		return fmt.Errorf("sweep mode: %w", err)
	}
	a.logger.InfoContext(ctx, "sweep finished", slog.Duration("elapsed", time.Since(start)))
	return nil
}

// startHTTPServer adds the HTTP server and the WebSocket hub to g. The server
// is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
		},
		server.Handlers{
			Health:     handler.NewHealthHandler(deps.Health, a.logger),
			Challenges: handler.NewChallengeHandler(eng.challenges, a.logger),
			Accounts:   handler.NewAccountHandler(eng.accounts, a.logger),
			Sweeps:     handler.NewSweepHandler(eng.sweeper, a.logger),
		},
		server.Deps{
			Hub:      hub,
			Limiter:  deps.RateLimiter,
			Metrics:  deps.Metrics,
			Gatherer: deps.Registry,
		},
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
