package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

const runSelectList = `id, project_id, status, settings, target_url, anchor, language,
		region, topic, total, done, crowd_total, crowd_done, crowd_shortage, report,
		worker_state, worker_token, worker_heartbeat_at, error_message,
		created_at, updated_at, finished_at`

// RunRepository persists runs and their worker slot.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a run repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

const uniqueViolation = "23505"

// Create inserts a run and fills its generated columns. A second unfinished
// run for the same project violates uq_runs_active_project and returns
// domain.ErrRunActive.
func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (project_id, status, settings, target_url, anchor, language,
			region, topic, total, worker_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		run.ProjectID, run.Status, run.Settings, run.TargetURL, run.Anchor, run.Language,
		run.Region, run.Topic, run.Total, run.WorkerState,
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: project %d", domain.ErrRunActive, run.ProjectID)
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetByID returns a run or domain.ErrNotFound.
func (r *RunRepository) GetByID(ctx context.Context, id int64) (*domain.Run, error) {
	var run domain.Run
	query := `SELECT ` + runSelectList + ` FROM runs WHERE id = $1`
	if err := getOne(ctx, r.db, &run, query, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &run, nil
}

// ActiveForProject returns the project's unfinished run, if any.
func (r *RunRepository) ActiveForProject(ctx context.Context, projectID int64) (*domain.Run, error) {
	var run domain.Run
	query := `SELECT ` + runSelectList + `
		FROM runs
		WHERE project_id = $1 AND status <> ALL($2)
		ORDER BY id DESC
		LIMIT 1`
	if err := getOne(ctx, r.db, &run, query, projectID, runStatusArray(domain.TerminalRunStatuses)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get active run for project %d: %w", projectID, err)
	}
	return &run, nil
}

// ListActive returns unfinished runs, least recently touched first.
func (r *RunRepository) ListActive(ctx context.Context, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	query := `SELECT ` + runSelectList + `
		FROM runs
		WHERE status <> ALL($1)
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`
	if err := r.db.SelectContext(ctx, &runs, query, runStatusArray(domain.TerminalRunStatuses), limit); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return runs, nil
}

// ListStale returns unfinished runs without an update for olderThan whose
// worker slot is free.
func (r *RunRepository) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	query := `SELECT ` + runSelectList + `
		FROM runs
		WHERE status <> ALL($1)
		  AND worker_state = $2
		  AND updated_at < NOW() - make_interval(secs => $3)
		ORDER BY updated_at ASC, id ASC
		LIMIT $4`
	err := r.db.SelectContext(ctx, &runs, query,
		runStatusArray(domain.TerminalRunStatuses), domain.WorkerIdle, seconds(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return runs, nil
}

// Transition moves a run from one status to another with a conditional
// update. It returns domain.ErrClaimLost when the run is no longer in from.
func (r *RunRepository) Transition(ctx context.Context, id int64, from, to domain.RunStatus) error {
	if err := domain.ValidateRunTransition(from, to); err != nil {
		return err
	}
	query := `
		UPDATE runs
		SET status = $3,
		    updated_at = NOW(),
		    finished_at = CASE WHEN $4::boolean THEN NOW() ELSE finished_at END
		WHERE id = $1 AND status = $2`
	result, err := r.db.ExecContext(ctx, query, id, from, to, to.IsTerminal())
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("transition run %d %s -> %s: %w", id, from, to, err)
	}
	return nil
}

// Cancel moves a non-terminal run to cancelled.
func (r *RunRepository) Cancel(ctx context.Context, id int64) error {
	return r.finish(ctx, id, domain.RunCancelled, "")
}

// Fail moves a non-terminal run to failed with a reason.
func (r *RunRepository) Fail(ctx context.Context, id int64, reason string) error {
	return r.finish(ctx, id, domain.RunFailed, reason)
}

func (r *RunRepository) finish(ctx context.Context, id int64, to domain.RunStatus, reason string) error {
	query := `
		UPDATE runs
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status <> ALL($4)`
	n, err := execAffected(ctx, r.db, query, id, to, reason, runStatusArray(domain.TerminalRunStatuses))
	if err != nil {
		return fmt.Errorf("set run %d %s: %w", id, to, err)
	}
	if n > 0 {
		return nil
	}
	if _, err = r.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrRunTerminal
}

// UpdateProgress stores level-1 progress counters.
func (r *RunRepository) UpdateProgress(ctx context.Context, id int64, total, done int) error {
	query := `UPDATE runs SET total = $2, done = $3, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, total, done)
	if err = execRequireRows(result, err, domain.ErrNotFound); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update run %d progress: %w", id, err)
	}
	return nil
}

// UpdateCrowd stores crowd counters and adds to the shortage tally.
func (r *RunRepository) UpdateCrowd(ctx context.Context, id int64, total, done, shortageDelta int) error {
	query := `
		UPDATE runs
		SET crowd_total = $2,
		    crowd_done = $3,
		    crowd_shortage = crowd_shortage + $4,
		    updated_at = NOW()
		WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, total, done, shortageDelta)
	if err = execRequireRows(result, err, domain.ErrNotFound); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update run %d crowd counters: %w", id, err)
	}
	return nil
}

// SaveReport stores the run summary.
func (r *RunRepository) SaveReport(ctx context.Context, id int64, report domain.RunReport) error {
	query := `UPDATE runs SET report = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, report)
	if err = execRequireRows(result, err, domain.ErrNotFound); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("save run %d report: %w", id, err)
	}
	return nil
}

// ClaimSlot takes the run's single worker slot. Success is decided only by
// the affected row count; 0 rows means another worker holds it or the run
// has finished, reported as domain.ErrClaimLost.
func (r *RunRepository) ClaimSlot(ctx context.Context, id int64, token string) error {
	query := `
		UPDATE runs
		SET worker_state = $3,
		    worker_token = $2,
		    worker_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND worker_state = $4 AND status <> ALL($5)`
	result, err := r.db.ExecContext(ctx, query,
		id, token, domain.WorkerRunning, domain.WorkerIdle, runStatusArray(domain.TerminalRunStatuses))
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("claim run %d slot: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes the slot held by token.
func (r *RunRepository) Heartbeat(ctx context.Context, id int64, token string) error {
	query := `UPDATE runs SET worker_heartbeat_at = NOW() WHERE id = $1 AND worker_token = $2`
	result, err := r.db.ExecContext(ctx, query, id, token)
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("heartbeat run %d: %w", id, err)
	}
	return nil
}

// ReleaseSlot frees the slot if token still holds it.
func (r *RunRepository) ReleaseSlot(ctx context.Context, id int64, token string) error {
	query := `
		UPDATE runs
		SET worker_state = $3, worker_token = NULL, worker_heartbeat_at = NULL
		WHERE id = $1 AND worker_token = $2`
	if _, err := r.db.ExecContext(ctx, query, id, token, domain.WorkerIdle); err != nil {
		return fmt.Errorf("release run %d slot: %w", id, err)
	}
	return nil
}

// ReleaseStaleSlots frees slots whose holder stopped heart-beating, returning
// the affected run ids.
func (r *RunRepository) ReleaseStaleSlots(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	query := `
		UPDATE runs
		SET worker_state = $1, worker_token = NULL, worker_heartbeat_at = NULL
		WHERE worker_state = $2
		  AND (worker_heartbeat_at IS NULL OR worker_heartbeat_at < NOW() - make_interval(secs => $3))
		RETURNING id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, domain.WorkerIdle, domain.WorkerRunning, seconds(olderThan)); err != nil {
		return nil, fmt.Errorf("release stale run slots: %w", err)
	}
	return ids, nil
}
