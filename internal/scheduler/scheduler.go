// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/router"
)

const jobTimeout = 5 * time.Minute

// KeyService deactivates keys whose expiry has passed and reports key statistics
type KeyService interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
	Stats(ctx context.Context) (*keys.Stats, error)
}

// LimiterPruner drops idle rate limiter state
type LimiterPruner interface {
	Prune(idle time.Duration) (limiters, negatives int)
	TrackedLimiters() int
}

// BackendReporter exposes backend status for the health snapshot
type BackendReporter interface {
	Status() []router.BackendStatus
}

type Scheduler struct {
	c        *cron.Cron
	cfg      config.SchedulerConfig
	idleTTL  time.Duration
	keys     KeyService
	limiters LimiterPruner
	backends BackendReporter
	notifier notify.Notifier
	logger   *zap.Logger
	started  time.Time
}

func NewScheduler(cfg *config.Config, keySvc KeyService, limiters LimiterPruner, backends BackendReporter, notifier notify.Notifier, logger *zap.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		c: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		cfg:      cfg.Scheduler,
		idleTTL:  cfg.Defaults.LimiterIdleTTL,
		keys:     keySvc,
		limiters: limiters,
		backends: backends,
		notifier: notifier,
		logger:   logger,
		started:  time.Now(),
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"expiry_sweep", s.cfg.ExpirySweep, s.SweepExpired},
		{"limiter_prune", s.cfg.LimiterPrune, s.PruneLimiters},
		{"health_report", s.cfg.HealthReport, s.ReportHealth},
		{"daily_report", s.cfg.DailyReport, s.DailyReport},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.c.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", job.name, job.spec, err)
		}
		s.logger.Info("Scheduled job", zap.String("job", job.name), zap.String("spec", job.spec))
	}
	s.c.Start()
	return nil
}

// Stop stops the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) SweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.keys.SweepExpired(ctx, s.cfg.SweepBatch)
	if err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Deactivated expired keys", zap.Int("count", n))
	}
}

func (s *Scheduler) PruneLimiters() {
	limiters, negatives := s.limiters.Prune(s.idleTTL)
	s.logger.Debug("Pruned idle limiters",
		zap.Int("limiters", limiters),
		zap.Int("negative_entries", negatives),
		zap.Int("remaining", s.limiters.TrackedLimiters()))
}

func (s *Scheduler) ReportHealth() {
	status := s.backends.Status()
	enabled := make([]string, 0, len(status))
	for _, b := range status {
		if b.Enabled {
			enabled = append(enabled, string(b.Name))
		}
	}
	if len(enabled) == 0 {
		s.logger.Warn("No backend is enabled")
		return
	}
	s.logger.Info("Backend health",
		zap.Strings("enabled", enabled),
		zap.String("primary", enabled[0]),
		zap.Int("configured", len(status)),
		zap.Int("tracked_limiters", s.limiters.TrackedLimiters()))
}

// DailyReport sends the key summary to the operator channel
func (s *Scheduler) DailyReport() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := s.keys.Stats(ctx)
	if err != nil {
		s.logger.Error("Daily report failed", zap.Error(err))
		return
	}
	now := time.Now()
	s.notifier.Notify(ctx, notify.DailyReport(notify.DailySummary{
		TotalKeys:     stats.Total,
		ActiveKeys:    stats.Active,
		ExpiredKeys:   stats.Expired,
		NewKeys:       stats.IssuedToday,
		TotalRequests: stats.TotalUsage,
		Uptime:        now.Sub(s.started),
	}, now))
	s.logger.Info("Daily report sent",
		zap.Int("keys", stats.Total),
		zap.Int("new_keys", stats.IssuedToday))
}
