package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

// RunCronDaemon schedules CronTick on watchdog.schedule until ctx is
// cancelled or a termination signal arrives. Overlapping ticks are skipped.
func (a *App) RunCronDaemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	schedule := a.cfg.Watchdog.Schedule
	if _, err := c.AddFunc(schedule, func() {
		if err := a.CronTick(ctx); err != nil {
			a.log.Error("Cron tick failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	a.log.Info("Cron daemon started", logger.String("schedule", schedule))
	c.Start()
	<-ctx.Done()

	// Wait for a running tick to finish.
	<-c.Stop().Done()
	a.log.Info("Cron daemon stopped")
	return nil
}
