/**
 * @description
 * Cron scheduler for the payment-context expiry sweep. Contexts left in
 * awaiting_gateway past their expiry (the member abandoned checkout, or the
 * gateway never redirected back) are tagged failed with reason "timeout" so
 * the member's slot is released for a fresh attempt.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the expiry sweep on a cron schedule.
type Sweeper struct {
	cron     *cron.Cron
	service  *Service
	logger   *slog.Logger
	schedule string
}

// NewSweeper creates a sweeper for the given service and cron schedule.
func NewSweeper(service *Service, logger *slog.Logger, schedule string) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Sweeper{
		cron:     c,
		service:  service,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule payment expiry sweep", "error", err, "schedule", s.schedule)
		return
	}
	s.logger.Info("scheduled payment expiry sweep", "schedule", s.schedule)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.service.ExpireStaleContexts(ctx)
	if err != nil {
		s.logger.Error("payment expiry sweep failed", "error", err)
		return
	}
	if swept > 0 {
		s.logger.Info("payment expiry sweep completed", "swept", swept)
	}
}
