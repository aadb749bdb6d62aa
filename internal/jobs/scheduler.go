package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/observability"
)

// Scheduler owns the cron loop around the Runner's jobs. It has an
// explicit lifecycle: nothing runs before Start and Stop waits for
// in-flight runs to finish, so tests and shutdown are deterministic.
type Scheduler struct {
	runner *Runner
	cfg    config.Scheduler
	logger *slog.Logger
	cron   *cron.Cron
}

func NewScheduler(runner *Runner, cfg config.Scheduler, logger *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, cfg: cfg, logger: logger}
}

// Start registers the four maintenance jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"reminders", s.cfg.ReminderInterval, s.runner.RunReminders},
		{"auto_rematch", s.cfg.RematchInterval, s.runner.RunAutoRematch},
		{"expiry", s.cfg.ExpiryInterval, s.runner.RunExpiry},
		{"cleanup", s.cfg.CleanupInterval, s.runner.RunCleanup},
	}
	for _, j := range jobs {
		j := j
		spec := fmt.Sprintf("@every %s", j.interval)
		if _, err := c.AddFunc(spec, func() { s.runJob(j.name, j.run) }); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	s.cron = c
	c.Start()
	s.logger.Info("scheduler started",
		"reminders", s.cfg.ReminderInterval,
		"auto_rematch", s.cfg.RematchInterval,
		"expiry", s.cfg.ExpiryInterval,
		"cleanup", s.cfg.CleanupInterval)
	return nil
}

// Stop halts scheduling and blocks until running jobs complete.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx := context.Background()
	start := time.Now()
	if err := run(ctx); err != nil {
		observability.JobRunsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("job run failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	observability.JobRunsTotal.WithLabelValues(name, "ok").Inc()
	s.logger.Debug("job run complete", "job", name, "duration", time.Since(start))
}
