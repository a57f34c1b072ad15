// Package watchdog recovers work abandoned by killed or stalled workers.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksanyok/promopilot-sub004/internal/config"
	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

// StuckStore releases or fails items stuck in running.
type StuckStore interface {
	ReleaseStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) ([]int64, error)
	FailStuck(ctx context.Context, olderThan time.Duration, minAttempts int) ([]int64, error)
}

// QueuedCounter counts claimable crowd tasks.
type QueuedCounter interface {
	CountQueued(ctx context.Context) (int, error)
}

// RunStore finds runs nobody is driving.
type RunStore interface {
	ReleaseStaleSlots(ctx context.Context, olderThan time.Duration) ([]int64, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Run, error)
}

// Publications re-pushes released nodes and drains pending ones.
type Publications interface {
	Requeue(ctx context.Context, nodeIDs []int64) (int, error)
	Drain(ctx context.Context, runID *int64, limit int) (int, error)
}

// Dispatcher gets a worker job running.
type Dispatcher interface {
	Dispatch(ctx context.Context, job launcher.Job) (launcher.Outcome, error)
}

// Report summarises one recovery pass.
type Report struct {
	NodesReleased  int  `json:"nodes_released"`
	NodesFailed    int  `json:"nodes_failed"`
	TasksReleased  int  `json:"tasks_released"`
	TasksFailed    int  `json:"tasks_failed"`
	SlotsReleased  int  `json:"slots_released"`
	RunsRelaunched int  `json:"runs_relaunched"`
	Drained        int  `json:"drained"`
	CrowdLaunched  bool `json:"crowd_launched"`
}

// Released returns the number of stuck items given another attempt.
func (r Report) Released() int { return r.NodesReleased + r.TasksReleased }

// Failed returns the number of stuck items given up on.
func (r Report) Failed() int { return r.NodesFailed + r.TasksFailed }

// Deps groups the watchdog's collaborators.
type Deps struct {
	Nodes        StuckStore
	Tasks        StuckStore
	Queued       QueuedCounter
	Runs         RunStore
	Publications Publications
	Dispatcher   Dispatcher
	Metrics      *metrics.Metrics
	Logger       logger.Logger
}

// Watchdog runs recovery passes. Every pass only touches items that are
// stale right now, so running it twice in a row is harmless.
type Watchdog struct {
	deps           Deps
	cfg            config.WatchdogConfig
	slotStaleAfter time.Duration
}

// New creates a watchdog. slotStaleAfter is how long a run slot may go
// without a heartbeat before it is freed.
func New(deps Deps, cfg config.WatchdogConfig, slotStaleAfter time.Duration) *Watchdog {
	return &Watchdog{deps: deps, cfg: cfg, slotStaleAfter: slotStaleAfter}
}

// Tick performs one recovery pass. Stages are independent: a failing stage
// is logged and the rest still run; the joined errors are returned.
func (w *Watchdog) Tick(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	log := w.deps.Logger

	released, failed, err := w.recover(ctx, w.deps.Nodes, w.cfg.NodeStuckAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover nodes: %w", err))
	}
	rep.NodesReleased, rep.NodesFailed = len(released), len(failed)
	w.deps.Metrics.Recovered("node", "released", rep.NodesReleased)
	w.deps.Metrics.Recovered("node", "failed", rep.NodesFailed)
	if len(released) > 0 {
		if _, err = w.deps.Publications.Requeue(ctx, released); err != nil {
			errs = append(errs, fmt.Errorf("requeue nodes: %w", err))
		}
	}

	released, failed, err = w.recover(ctx, w.deps.Tasks, w.cfg.TaskStuckAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover crowd tasks: %w", err))
	}
	rep.TasksReleased, rep.TasksFailed = len(released), len(failed)
	w.deps.Metrics.Recovered("crowd_task", "released", rep.TasksReleased)
	w.deps.Metrics.Recovered("crowd_task", "failed", rep.TasksFailed)

	slots, err := w.deps.Runs.ReleaseStaleSlots(ctx, w.slotStaleAfter)
	if err != nil {
		errs = append(errs, err)
	}
	rep.SlotsReleased = len(slots)
	w.deps.Metrics.Recovered("run_slot", "released", rep.SlotsReleased)

	rep.RunsRelaunched, err = w.relaunchRuns(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	rep.Drained, err = w.deps.Publications.Drain(ctx, nil, w.cfg.DrainBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain publications: %w", err))
	}

	rep.CrowdLaunched, err = w.launchCrowd(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	for _, e := range errs {
		log.Error("Watchdog stage failed", logger.Error(e))
	}
	log.Info("Watchdog pass finished",
		logger.Int("released", rep.Released()),
		logger.Int("failed", rep.Failed()),
		logger.Int("slots_released", rep.SlotsReleased),
		logger.Int("runs_relaunched", rep.RunsRelaunched),
		logger.Int("drained", rep.Drained))
	return rep, errors.Join(errs...)
}

// recover applies the stuck policy: with retries on, items with attempts
// left go back to queued and the rest fail; otherwise every stuck item fails.
func (w *Watchdog) recover(ctx context.Context, store StuckStore, olderThan time.Duration) (released, failed []int64, err error) {
	minAttempts := 0
	if w.cfg.ShouldRetry() {
		released, err = store.ReleaseStuck(ctx, olderThan, w.cfg.MaxAttempts)
		if err != nil {
			return nil, nil, err
		}
		minAttempts = w.cfg.MaxAttempts
	}
	failed, err = store.FailStuck(ctx, olderThan, minAttempts)
	return released, failed, err
}

func (w *Watchdog) relaunchRuns(ctx context.Context) (int, error) {
	runs, err := w.deps.Runs.ListStale(ctx, w.cfg.RunStaleAfter, w.cfg.RelaunchLimit)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	relaunched := 0
	for i := range runs {
		if ctx.Err() != nil {
			return relaunched, ctx.Err()
		}
		run := &runs[i]
		out, err := w.deps.Dispatcher.Dispatch(ctx, launcher.Job{Kind: launcher.KindPromotion, RunID: run.ID})
		if err != nil {
			w.deps.Logger.Warn("Failed to relaunch run", logger.RunID(run.ID), logger.Error(err))
			continue
		}
		relaunched++
		w.deps.Logger.Info("Relaunched stale run",
			logger.RunID(run.ID), logger.String("status", string(run.Status)), logger.String("mode", out.Mode))
	}
	w.deps.Metrics.Recovered("run", "relaunched", relaunched)
	return relaunched, nil
}

func (w *Watchdog) launchCrowd(ctx context.Context) (bool, error) {
	if w.deps.Queued == nil {
		return false, nil
	}
	n, err := w.deps.Queued.CountQueued(ctx)
	if err != nil {
		return false, fmt.Errorf("count queued crowd tasks: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err = w.deps.Dispatcher.Dispatch(ctx, launcher.Job{Kind: launcher.KindCrowd}); err != nil {
		return false, fmt.Errorf("launch crowd worker: %w", err)
	}
	return true, nil
}
