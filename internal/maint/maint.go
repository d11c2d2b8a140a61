// Package maint runs the background sweeps that keep the store bounded:
// expired pending approvals, consumed-token JTI rows past their expiry, and
// stale TOTP sessions.
package maint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/leash/internal/persistence"
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // sweep interval; defaults to 1 minute if zero
}

// Sweeper schedules the periodic cleanup jobs.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration

	cron   *cronlib.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper from the given config.
func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start registers the sweep jobs and begins the schedule. An initial sweep
// runs immediately so a restart does not wait a full interval to clear
// backlog.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cronlib.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started", "interval", s.interval)

	s.Sweep(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("maintenance sweeper stopped")
}

// Sweep runs all cleanup jobs once. Each job's failure is logged without
// blocking the others; a wedged sweep must never take the relay down.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	approvals, err := s.store.SweepExpiredApprovals(ctx, now)
	if err != nil {
		s.logger.Error("sweep expired approvals failed", "error", err)
	}
	jtis, err := s.store.SweepExpiredJTIs(ctx, now)
	if err != nil {
		s.logger.Error("sweep expired jtis failed", "error", err)
	}
	sessions, err := s.store.SweepExpiredTOTPSessions(ctx, now)
	if err != nil {
		s.logger.Error("sweep expired totp sessions failed", "error", err)
	}

	if approvals+jtis+sessions > 0 {
		s.logger.Info("maintenance sweep",
			"approvals", approvals,
			"jtis", jtis,
			"totp_sessions", sessions,
		)
	}
}
