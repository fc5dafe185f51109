package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/metrics"
)

// Sweep job names, also used as lock keys.
const (
	JobExpiry  = "expiry"
	JobRenewal = "renewal"
	JobArchive = "archive"
)

// SweeperConfig holds the batch pass schedule.
type SweeperConfig struct {
	ExpiryInterval  time.Duration
	RenewalInterval time.Duration
	ArchiveCron     string
	Retention       time.Duration
	BatchSize       int
	LockTTL         time.Duration
}

// Sweeper runs the periodic batch passes: settling expired challenges,
// renewing recurring ones and archiving old terminal ones. Each pass holds
// a named lock so runs of the same job never overlap.
type Sweeper struct {
	svc        *ChallengeService
	challenges domain.ChallengeStore
	archiver   domain.Archiver
	locks      domain.LockManager
	alerts     Alerter
	clock      domain.Clock
	metrics    *metrics.Metrics
	cfg        SweeperConfig
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. archiver, alerts and m may be nil.
func NewSweeper(
	svc *ChallengeService,
	challenges domain.ChallengeStore,
	archiver domain.Archiver,
	locks domain.LockManager,
	alerts Alerter,
	clock domain.Clock,
	m *metrics.Metrics,
	cfg SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Sweeper{
		svc:        svc,
		challenges: challenges,
		archiver:   archiver,
		locks:      locks,
		alerts:     alerts,
		clock:      clock,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "sweeper")),
	}
}

// RunExpirySweep settles every active challenge whose window has closed.
// It returns the number of challenges settled. A pass already running
// elsewhere makes this a no-op.
func (s *Sweeper) RunExpirySweep(ctx context.Context) (int, error) {
	return s.locked(ctx, JobExpiry, func(ctx context.Context) (int, error) {
		expired, err := s.challenges.ListExpired(ctx, s.clock.Now(), s.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("sweeper: list expired: %w", err)
		}
		settled := 0
		var errs []error
		for _, c := range expired {
			out, err := s.svc.RefreshProgress(ctx, c.ID)
			if err != nil {
				s.metrics.SweepItem(JobExpiry, "error")
				s.logger.ErrorContext(ctx, "sweeper: settle expired failed",
					slog.String("challenge_id", c.ID),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
			if out.Settlement.Settled() {
				settled++
				s.metrics.SweepItem(JobExpiry, "settled")
			}
		}
		return settled, errors.Join(errs...)
	})
}

// RunRenewalSweep renews completed recurring challenges whose successor was
// not created at settlement time.
func (s *Sweeper) RunRenewalSweep(ctx context.Context) (int, error) {
	return s.locked(ctx, JobRenewal, func(ctx context.Context) (int, error) {
		due, err := s.challenges.ListRenewable(ctx, s.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("sweeper: list renewable: %w", err)
		}
		renewed := 0
		var errs []error
		for _, c := range due {
			_, ok, err := s.svc.Recurrence().Renew(ctx, c.ID)
			if err != nil {
				s.metrics.SweepItem(JobRenewal, "error")
				s.logger.WarnContext(ctx, "sweeper: renewal failed",
					slog.String("challenge_id", c.ID),
					slog.String("error", err.Error()),
				)
				s.alert(ctx, "renewal_failed", "Renewal failed", fmt.Sprintf("challenge %s: %v", c.ID, err))
				// Both end the chain for good; nothing to retry.
				if !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrDuplicatePact) {
					errs = append(errs, err)
				}
				continue
			}
			if ok {
				renewed++
				s.metrics.SweepItem(JobRenewal, "renewed")
			}
		}
		return renewed, errors.Join(errs...)
	})
}

// RunArchiveSweep moves terminal challenges older than the retention period
// to cold storage. Without an archiver it does nothing.
func (s *Sweeper) RunArchiveSweep(ctx context.Context) (int, error) {
	if s.archiver == nil {
		return 0, nil
	}
	return s.locked(ctx, JobArchive, func(ctx context.Context) (int, error) {
		cutoff := s.clock.Now().Add(-s.cfg.Retention)
		n, err := s.archiver.ArchiveBefore(ctx, cutoff)
		if err != nil {
			return int(n), fmt.Errorf("sweeper: archive before %v: %w", cutoff, err)
		}
		for i := int64(0); i < n; i++ {
			s.metrics.SweepItem(JobArchive, "archived")
		}
		return int(n), nil
	})
}

// RunOnce runs every pass a single time, in order.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := s.RunExpirySweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.RunRenewalSweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.RunArchiveSweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run schedules the passes until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.every(ctx, JobExpiry, s.cfg.ExpiryInterval, s.RunExpirySweep) })
	g.Go(func() error { return s.every(ctx, JobRenewal, s.cfg.RenewalInterval, s.RunRenewalSweep) })
	if s.archiver != nil && s.cfg.ArchiveCron != "" {
		g.Go(func() error { return s.cron(ctx, s.cfg.ArchiveCron) })
	}
	return g.Wait()
}

func (s *Sweeper) every(ctx context.Context, job string, interval time.Duration, pass func(context.Context) (int, error)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := pass(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweeper: pass failed",
					slog.String("job", job),
					slog.String("error", err.Error()),
				)
				s.alert(ctx, "sweep_failed", "Sweep failed", fmt.Sprintf("%s: %v", job, err))
			}
		}
	}
}

func (s *Sweeper) cron(ctx context.Context, expr string) error {
	s.logger.InfoContext(ctx, "sweeper: archive cron started", slog.String("cron", expr))
	for {
		next, err := nextCronTime(expr, s.clock.Now())
		if err != nil {
			return fmt.Errorf("sweeper: parsing cron expression %q: %w", expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.RunArchiveSweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweeper: archive run failed", slog.String("error", err.Error()))
				s.alert(ctx, "sweep_failed", "Archive failed", err.Error())
			}
		}
	}
}

func (s *Sweeper) locked(ctx context.Context, job string, pass func(context.Context) (int, error)) (int, error) {
	unlock, err := s.locks.Acquire(ctx, "sweep:"+job, s.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.DebugContext(ctx, "sweeper: pass already running", slog.String("job", job))
		s.metrics.SweepItem(job, "skipped")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sweeper: lock %s: %w", job, err)
	}
	defer unlock()

	started := time.Now()
	defer s.metrics.ObserveSweep(job, started)
	n, err := pass(ctx)
	s.logger.InfoContext(ctx, "sweeper: pass complete",
		slog.String("job", job),
		slog.Int("processed", n),
		slog.Duration("elapsed", time.Since(started)),
	)
	return n, err
}

func (s *Sweeper) alert(ctx context.Context, event, title, message string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "sweeper: alert failed", slog.String("error", err.Error()))
	}
}
