/**
 * @description
 * Cron scheduler setup for running the payout job on a schedule.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the scheduled payout job.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates a new scheduler instance with panic recovery.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		logger: logger,
	}
}

// Schedule registers the payout job under the given cron expression.
func (s *Scheduler) Schedule(spec string, job func()) error {
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		return err
	}
	s.logger.Info("scheduled payout job", "schedule", spec)
	return nil
}

// Start starts the cron scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler; the returned context is done once
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
