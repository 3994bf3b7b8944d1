// Package scheduler runs the periodic jobs: the reminder sweep and the
// cleanup of expired appointment slots.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"clinic-scheduler/internal/config"
	appLog "clinic-scheduler/internal/log"
	"clinic-scheduler/internal/reminder"
)

const jobTimeout = 5 * time.Minute

type Sweeper interface {
	Sweep(ctx context.Context) (reminder.Report, error)
}

type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	cleaner Cleaner
}

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { appLog.Debug("cron: "+msg, kv...) }
func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// New registers both jobs. An overlapping run of the same job is skipped.
func New(cfg config.Config, sweeper Sweeper, cleaner Cleaner) (*Scheduler, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{cron: c, sweeper: sweeper, cleaner: cleaner}

	if _, err := c.AddFunc(cfg.ReminderSchedule, s.SweepOnce); err != nil {
		return nil, fmt.Errorf("REMINDER_SCHEDULE %q: %w", cfg.ReminderSchedule, err)
	}
	if _, err := c.AddFunc(cfg.CleanupSchedule, s.CleanupOnce); err != nil {
		return nil, fmt.Errorf("CLEANUP_SCHEDULE %q: %w", cfg.CleanupSchedule, err)
	}
	return s, nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) SweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	r, err := s.sweeper.Sweep(ctx)
	if err != nil {
		appLog.Error("reminder sweep failed", err)
		return
	}
	appLog.Info("reminder sweep done", "seen", r.Seen, "sent", r.Sent, "skipped", r.Skipped, "failed", r.Failed)
}

func (s *Scheduler) CleanupOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		appLog.Error("slot cleanup failed", err)
		return
	}
	appLog.Info("slot cleanup done", "slots_cleared", n)
}
