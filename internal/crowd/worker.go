package crowd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

const (
	defaultSleep   = 300 * time.Millisecond
	persistTimeout = 10 * time.Second
)

// TaskStore is the crowd task persistence the worker needs.
type TaskStore interface {
	Claim(ctx context.Context, id int64, worker string) (*domain.CrowdTask, error)
	ClaimNext(ctx context.Context, runID *int64, worker string) (*domain.CrowdTask, error)
	Finish(ctx context.Context, id int64, status domain.CrowdTaskStatus, payload domain.CrowdTaskPayload) error
}

// Worker claims queued crowd tasks and submits them through the deep-check
// collaborator.
type Worker struct {
	tasks   TaskStore
	checker DeepChecker
	tracker *Tracker
	sleep   time.Duration
	metrics *metrics.Metrics
	log     logger.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewWorker creates a crowd worker. tracker may be nil.
func NewWorker(
	tasks TaskStore,
	checker DeepChecker,
	tracker *Tracker,
	sleep time.Duration,
	m *metrics.Metrics,
	log logger.Logger,
) *Worker {
	if sleep < 0 {
		sleep = defaultSleep
	}
	return &Worker{
		tasks:   tasks,
		checker: checker,
		tracker: tracker,
		sleep:   sleep,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer("crowd-worker"),
		now:     time.Now,
	}
}

var _ launcher.Runner = (*Worker)(nil)

// RunInline processes up to budget.MaxIterations tasks. job.TaskID targets a
// single task; job.RunID restricts claims to one run. It returns the number
// of tasks processed. Per-task failures are recorded on the task and never
// returned.
func (w *Worker) RunInline(ctx context.Context, job launcher.Job, budget launcher.Budget) (int, error) {
	if budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxDuration)
		defer cancel()
	}

	workerID := "crowd-" + uuid.NewString()
	log := w.log.With(logger.String("worker_id", workerID))

	processed := 0
	for range budget.MaxIterations {
		if ctx.Err() != nil {
			break
		}

		task, err := w.claim(ctx, job, workerID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNoWork), errors.Is(err, domain.ErrClaimLost), errors.Is(err, domain.ErrNotFound):
			if job.TaskID > 0 || budget.StopWhenIdle {
				return processed, nil
			}
			w.pause(ctx)
			continue
		default:
			if ctx.Err() != nil {
				return processed, nil
			}
			log.Error("Failed to claim crowd task", logger.RunID(job.RunID), logger.Error(err))
			w.pause(ctx)
			continue
		}

		w.process(ctx, log, task)
		processed++

		if job.TaskID > 0 {
			break
		}
		w.pause(ctx)
	}
	return processed, nil
}

func (w *Worker) claim(ctx context.Context, job launcher.Job, workerID string) (*domain.CrowdTask, error) {
	if job.TaskID > 0 {
		task, err := w.tasks.Claim(ctx, job.TaskID, workerID)
		w.recordClaim(err)
		return task, err
	}
	var runID *int64
	if job.RunID > 0 {
		runID = &job.RunID
	}
	task, err := w.tasks.ClaimNext(ctx, runID, workerID)
	w.recordClaim(err)
	return task, err
}

func (w *Worker) recordClaim(err error) {
	switch {
	case err == nil:
		w.metrics.Claim(string(launcher.KindCrowd), metrics.ClaimWon)
	case errors.Is(err, domain.ErrClaimLost):
		w.metrics.Claim(string(launcher.KindCrowd), metrics.ClaimLost)
	case errors.Is(err, domain.ErrNoWork):
		w.metrics.Claim(string(launcher.KindCrowd), metrics.ClaimNoWork)
	case !errors.Is(err, domain.ErrNotFound):
		w.metrics.Claim(string(launcher.KindCrowd), metrics.ClaimError)
	}
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

// process submits one claimed task and stores its outcome.
func (w *Worker) process(ctx context.Context, log logger.Logger, task *domain.CrowdTask) {
	ctx, span := w.tracer.Start(ctx, "crowd.process_task",
		trace.WithAttributes(
			attribute.Int64("task.id", task.ID),
			attribute.Int64("run.id", task.RunID),
			attribute.String("target_url", task.TargetURL),
		))
	defer span.End()

	log = log.With(logger.TaskID(task.ID), logger.RunID(task.RunID))
	started := w.now()
	payload := task.Payload

	status, err := w.submit(ctx, task, &payload)
	if err != nil {
		status = domain.CrowdFailed
		payload.ManualFallback = true
		payload.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Crowd task failed", logger.Error(err))
	}
	span.SetAttributes(attribute.String("status", string(status)))

	// The task outcome is persisted even when the loop's deadline has passed.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err = w.tasks.Finish(persistCtx, task.ID, status, payload); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			log.Warn("Crowd task was released before it finished", logger.String("status", string(status)))
		} else {
			log.Error("Failed to store crowd task outcome", logger.Error(err))
		}
		return
	}
	w.metrics.CrowdFinished(string(status), w.now().Sub(started))
	log.Info("Crowd task finished",
		logger.String("status", string(status)), logger.Bool("needs_review", payload.NeedsReview))

	if w.tracker != nil {
		if _, err = w.tracker.Refresh(persistCtx, task.RunID, 0); err != nil {
			log.Error("Failed to refresh crowd counters", logger.Error(err))
		}
	}
}

// submit calls the collaborator and maps its verdict. A panic anywhere in
// the submission is returned as an error.
func (w *Worker) submit(ctx context.Context, task *domain.CrowdTask, payload *domain.CrowdTaskPayload) (status domain.CrowdTaskStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing crowd task: %v", r)
		}
	}()

	if task.TargetURL == "" {
		payload.ManualFallback = true
		return domain.CrowdManual, nil
	}

	result, err := w.checker.Check(ctx, CheckRequest{
		URL:      task.TargetURL,
		Identity: payload.Identity,
		Subject:  payload.Subject,
		Message:  payload.Body,
		Language: payload.Language,
		Token:    payload.Identity.Token,
	})
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", errors.New("deep-check returned no result")
	}

	status, review := domain.MapDeepCheckStatus(result.Status)
	payload.Result = result
	payload.NeedsReview = review
	payload.Error = ""
	return status, nil
}
