// Package scheduler runs the cron-driven maintenance jobs: audit retention
// trims and cooldown map sweeps. Both jobs are safe to skip or repeat, so no
// coordination is needed between instances.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guildtools/triggerd/internal/audit"
	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/cooldown"
	"github.com/guildtools/triggerd/internal/observability"
)

// jobTimeout bounds a single maintenance job run.
const jobTimeout = 2 * time.Minute

// Scheduler owns the cron runner for background maintenance.
type Scheduler struct {
	store     audit.Store
	limiter   *cooldown.Limiter
	retention int
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	obs       *observability.Observability // nil = no gauge updates

	runner *cron.Cron
}

// New creates a Scheduler. The audit store may be nil when running without
// persistence; the retention job is then skipped.
func New(store audit.Store, limiter *cooldown.Limiter, retention int,
	cfg *config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		limiter:   limiter,
		retention: retention,
		logger:    logger,
		cfg:       cfg,
	}
}

// WithObservability attaches metrics for the cooldown gauge.
func (s *Scheduler) WithObservability(obs *observability.Observability) *Scheduler {
	s.obs = obs
	return s
}

// Start registers the jobs and begins the cron loop. Returns a stop function
// that waits for any running job to finish.
func (s *Scheduler) Start(ctx context.Context) (func(), error) {
	s.runner = cron.New(cron.WithParser(
		cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	))

	if s.store != nil {
		if _, err := s.runner.AddFunc(s.cfg.RetentionSchedule, func() { s.trimAudit(ctx) }); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", s.cfg.RetentionSchedule, err)
		}
	}
	if s.limiter != nil {
		if _, err := s.runner.AddFunc(s.cfg.SweepSchedule, func() { s.sweepCooldowns(ctx) }); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.SweepSchedule, err)
		}
	}

	s.runner.Start()
	s.logger.InfoContext(ctx, "maintenance scheduler started",
		slog.String("retention_schedule", s.cfg.RetentionSchedule),
		slog.String("sweep_schedule", s.cfg.SweepSchedule),
	)

	return func() {
		stopCtx := s.runner.Stop()
		<-stopCtx.Done()
		s.logger.Info("maintenance scheduler stopped")
	}, nil
}

// trimAudit enforces the per-tenant retention bound across all tenants seen
// in the audit trail.
func (s *Scheduler) trimAudit(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention trim: listing tenants failed",
			slog.String("error", err.Error()),
		)
		return
	}

	var total int64
	for _, tenant := range tenants {
		removed, err := s.store.Trim(ctx, tenant, s.retention)
		if err != nil {
			s.logger.ErrorContext(ctx, "retention trim failed",
				slog.String("tenant_id", tenant),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += removed
	}
	if total > 0 {
		s.logger.InfoContext(ctx, "audit retention trim complete",
			slog.Int("tenants", len(tenants)),
			slog.Int64("entries_removed", total),
		)
	}
}

// sweepCooldowns drops expired cooldown entries and republishes the map size.
func (s *Scheduler) sweepCooldowns(ctx context.Context) {
	removed := s.limiter.Sweep()
	remaining := s.limiter.Len()
	if s.obs != nil && s.obs.Metrics != nil {
		s.obs.Metrics.CooldownEntries.Set(float64(remaining))
	}
	if removed > 0 {
		s.logger.DebugContext(ctx, "cooldown sweep complete",
			slog.Int("removed", removed),
			slog.Int("remaining", remaining),
		)
	}
}
