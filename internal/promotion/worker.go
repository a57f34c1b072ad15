package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

const releaseTimeout = 5 * time.Second

// SlotStore guards the single worker slot of a run.
type SlotStore interface {
	ClaimSlot(ctx context.Context, id int64, token string) error
	Heartbeat(ctx context.Context, id int64, token string) error
	ReleaseSlot(ctx context.Context, id int64, token string) error
	ListActive(ctx context.Context, limit int) ([]domain.Run, error)
	Fail(ctx context.Context, id int64, reason string) error
}

// Advancer moves a run through the state machine.
type Advancer interface {
	Advance(ctx context.Context, runID int64) (Progress, error)
}

// Worker is the promotion worker loop. It holds a run's slot while it
// advances the run so concurrent workers never drive the same run.
type Worker struct {
	runs     SlotStore
	advancer Advancer
	sleep    time.Duration
	batch    int
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewWorker creates a promotion worker. batch bounds the runs visited when
// no run id is given.
func NewWorker(runs SlotStore, advancer Advancer, sleep time.Duration, batch int, m *metrics.Metrics, log logger.Logger) *Worker {
	if batch <= 0 {
		batch = 50
	}
	return &Worker{runs: runs, advancer: advancer, sleep: sleep, batch: batch, metrics: m, log: log}
}

var _ launcher.Runner = (*Worker)(nil)

// RunInline drives job.RunID for up to budget.MaxIterations passes. Without
// a run id every active run gets a single pass. It returns the number of
// transitions made.
func (w *Worker) RunInline(ctx context.Context, job launcher.Job, budget launcher.Budget) (int, error) {
	if budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxDuration)
		defer cancel()
	}
	if job.RunID > 0 {
		return w.drive(ctx, job.RunID, budget)
	}

	runs, err := w.runs.ListActive(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range runs {
		if ctx.Err() != nil {
			break
		}
		n, err := w.drive(ctx, runs[i].ID, launcher.Budget{MaxIterations: 1, StopWhenIdle: true})
		if err != nil {
			w.log.Error("Failed to advance run", logger.RunID(runs[i].ID), logger.Error(err))
			continue
		}
		total += n
	}
	return total, nil
}

func (w *Worker) drive(ctx context.Context, runID int64, budget launcher.Budget) (int, error) {
	token := uuid.NewString()
	if err := w.runs.ClaimSlot(ctx, runID, token); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			w.metrics.Claim(string(launcher.KindPromotion), metrics.ClaimLost)
			w.log.Debug("Run is held by another worker or finished", logger.RunID(runID))
			return 0, nil
		}
		w.metrics.Claim(string(launcher.KindPromotion), metrics.ClaimError)
		return 0, err
	}
	w.metrics.Claim(string(launcher.KindPromotion), metrics.ClaimWon)

	log := w.log.With(logger.RunID(runID), logger.String("worker_token", token))
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := w.runs.ReleaseSlot(releaseCtx, runID, token); err != nil {
			log.Warn("Failed to release run slot", logger.Error(err))
		}
	}()

	steps := 0
	for i := range budget.MaxIterations {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := w.runs.Heartbeat(ctx, runID, token); err != nil {
				if errors.Is(err, domain.ErrClaimLost) {
					log.Warn("Run slot was taken over, stopping")
					return steps, nil
				}
				log.Warn("Heartbeat failed", logger.Error(err))
			}
		}

		p, err := w.advance(ctx, runID)
		steps += p.Steps
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, errAdvancePanic) {
				w.failRun(ctx, log, runID, err)
				return steps, nil
			}
			log.Error("Run advance failed", logger.Error(err))
		}
		if p.Status.IsTerminal() {
			break
		}
		if p.Steps == 0 && budget.StopWhenIdle {
			break
		}
		w.pause(ctx)
	}
	return steps, nil
}

var errAdvancePanic = errors.New("panic while advancing run")

func (w *Worker) advance(ctx context.Context, runID int64) (p Progress, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errAdvancePanic, r)
		}
	}()
	return w.advancer.Advance(ctx, runID)
}

func (w *Worker) failRun(ctx context.Context, log logger.Logger, runID int64, cause error) {
	log.Error("Run crashed, marking failed", logger.Error(cause))
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := w.runs.Fail(failCtx, runID, cause.Error()); err != nil && !errors.Is(err, domain.ErrRunTerminal) {
		log.Error("Failed to mark run failed", logger.Error(err))
		return
	}
	w.metrics.RunTransition(string(domain.RunFailed))
}

func (w *Worker) pause(ctx context.Context) {
	if w.sleep <= 0 {
		return
	}
	timer := time.NewTimer(w.sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
