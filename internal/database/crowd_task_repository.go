package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

const crowdTaskSelectList = `id, run_id, node_id, crowd_link_id, target_url, status, payload,
		attempts, claimed_by, created_at, updated_at`

// CrowdTaskRepository persists crowd tasks and implements their claim.
type CrowdTaskRepository struct {
	db     *sqlx.DB
	policy ClaimPolicy
}

// NewCrowdTaskRepository creates a crowd task repository with the default
// claim policy.
func NewCrowdTaskRepository(db *sqlx.DB) *CrowdTaskRepository {
	return &CrowdTaskRepository{db: db, policy: DefaultClaimPolicy()}
}

// WithClaimPolicy returns a copy using policy for ClaimNext.
func (r *CrowdTaskRepository) WithClaimPolicy(policy ClaimPolicy) *CrowdTaskRepository {
	return &CrowdTaskRepository{db: r.db, policy: policy}
}

// Create inserts a task and fills its generated columns.
func (r *CrowdTaskRepository) Create(ctx context.Context, t *domain.CrowdTask) error {
	query := `
		INSERT INTO crowd_tasks (run_id, node_id, crowd_link_id, target_url, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowxContext(ctx, query,
		t.RunID, t.NodeID, t.CrowdLinkID, t.TargetURL, t.Status, t.Payload,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create crowd task: %w", err)
	}
	return nil
}

// GetByID returns a task or domain.ErrNotFound.
func (r *CrowdTaskRepository) GetByID(ctx context.Context, id int64) (*domain.CrowdTask, error) {
	var t domain.CrowdTask
	if err := getOne(ctx, r.db, &t, `SELECT `+crowdTaskSelectList+` FROM crowd_tasks WHERE id = $1`, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get crowd task %d: %w", id, err)
	}
	return &t, nil
}

// CountByNode returns, per node of the run, the tasks in one of statuses.
func (r *CrowdTaskRepository) CountByNode(
	ctx context.Context, runID int64, statuses []domain.CrowdTaskStatus,
) (map[int64]int, error) {
	query := `
		SELECT node_id, COUNT(*) AS n
		FROM crowd_tasks
		WHERE run_id = $1 AND status = ANY($2)
		GROUP BY node_id`
	rows, err := r.db.QueryxContext(ctx, query, runID, crowdStatusArray(statuses))
	if err != nil {
		return nil, fmt.Errorf("count crowd tasks of run %d: %w", runID, err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var nodeID int64
		var n int
		if err = rows.Scan(&nodeID, &n); err != nil {
			return nil, fmt.Errorf("scan crowd task count: %w", err)
		}
		out[nodeID] = n
	}
	return out, rows.Err()
}

// UsedDomains returns the normalized domains already assigned to any task
// of the run.
func (r *CrowdTaskRepository) UsedDomains(ctx context.Context, runID int64) ([]string, error) {
	query := `
		SELECT DISTINCT l.domain
		FROM crowd_tasks t
		JOIN crowd_links l ON l.id = t.crowd_link_id
		WHERE t.run_id = $1`
	var domains []string
	if err := r.db.SelectContext(ctx, &domains, query, runID); err != nil {
		return nil, fmt.Errorf("list used domains of run %d: %w", runID, err)
	}
	for i, d := range domains {
		domains[i] = domain.NormalizeDomain(d)
	}
	return domains, nil
}

// Counts aggregates the run's task statuses.
func (r *CrowdTaskRepository) Counts(ctx context.Context, runID int64) (domain.CrowdCounts, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE status = 'planned')   AS planned,
		       COUNT(*) FILTER (WHERE status = 'queued')    AS queued,
		       COUNT(*) FILTER (WHERE status = 'running')   AS running,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'blocked')   AS blocked,
		       COUNT(*) FILTER (WHERE status = 'manual')    AS manual,
		       COUNT(*) FILTER (WHERE status = 'failed')    AS failed,
		       COUNT(*) FILTER (WHERE (payload->>'needs_review')::boolean IS TRUE) AS needs_review
		FROM crowd_tasks
		WHERE run_id = $1`
	var c domain.CrowdCounts
	if err := r.db.GetContext(ctx, &c, query, runID); err != nil {
		return domain.CrowdCounts{}, fmt.Errorf("count crowd tasks of run %d: %w", runID, err)
	}
	return c, nil
}

// Claim moves task id from queued to running for worker. Success is decided
// only by the affected row count; a lost race is domain.ErrClaimLost. Tasks
// of finished runs are never claimed.
func (r *CrowdTaskRepository) Claim(ctx context.Context, id int64, worker string) (*domain.CrowdTask, error) {
	if err := r.claim(ctx, id, worker); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *CrowdTaskRepository) claim(ctx context.Context, id int64, worker string) error {
	query := `
		UPDATE crowd_tasks
		SET status = $2, attempts = attempts + 1, claimed_by = $3, updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($4)
		  AND run_id IN (SELECT id FROM runs WHERE status <> ALL($5))`
	result, err := r.db.ExecContext(ctx, query, id, domain.CrowdRunning, worker,
		crowdStatusArray(domain.ClaimableCrowdStatuses), runStatusArray(domain.TerminalRunStatuses))
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("claim crowd task %d: %w", id, err)
	}
	return nil
}

// ClaimNext claims the oldest queued task, optionally restricted to a run.
// Returns domain.ErrNoWork when nothing is claimable right now.
func (r *CrowdTaskRepository) ClaimNext(ctx context.Context, runID *int64, worker string) (*domain.CrowdTask, error) {
	selectQuery := `
		SELECT t.id
		FROM crowd_tasks t
		JOIN runs r ON r.id = t.run_id
		WHERE t.status = ANY($1)
		  AND r.status <> ALL($2)
		  AND ($3::bigint IS NULL OR t.run_id = $3)
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1`
	selectID := func(ctx context.Context) (int64, error) {
		var id int64
		err := r.db.GetContext(ctx, &id, selectQuery,
			crowdStatusArray(domain.ClaimableCrowdStatuses), runStatusArray(domain.TerminalRunStatuses), runID)
		return id, err
	}
	claim := func(ctx context.Context, id int64) error {
		return r.claim(ctx, id, worker)
	}

	id, err := claimNext(ctx, r.policy, selectID, claim)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Finish stores the outcome of a running task. Returns domain.ErrClaimLost
// when the task is no longer running, for example after a watchdog release.
func (r *CrowdTaskRepository) Finish(
	ctx context.Context, id int64, status domain.CrowdTaskStatus, payload domain.CrowdTaskPayload,
) error {
	query := `
		UPDATE crowd_tasks
		SET status = $2, payload = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	result, err := r.db.ExecContext(ctx, query, id, status, payload, domain.CrowdRunning)
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("finish crowd task %d: %w", id, err)
	}
	return nil
}

// ReleaseStuck re-queues running tasks idle for olderThan that still have
// attempts left, returning their ids.
func (r *CrowdTaskRepository) ReleaseStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) ([]int64, error) {
	query := `
		UPDATE crowd_tasks
		SET status = $1, claimed_by = NULL, updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - make_interval(secs => $3)
		  AND attempts < $4
		RETURNING id`
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, query, domain.CrowdQueued, domain.CrowdRunning, seconds(olderThan), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("release stuck crowd tasks: %w", err)
	}
	return ids, nil
}

// FailStuck fails running tasks idle for olderThan that used at least
// minAttempts attempts, marking them for manual follow-up.
func (r *CrowdTaskRepository) FailStuck(ctx context.Context, olderThan time.Duration, minAttempts int) ([]int64, error) {
	query := `
		UPDATE crowd_tasks
		SET status = $1,
		    payload = payload || jsonb_build_object('manual_fallback', true, 'error', 'timed out while running'),
		    updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - make_interval(secs => $3)
		  AND attempts >= $4
		RETURNING id`
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, query, domain.CrowdFailed, domain.CrowdRunning, seconds(olderThan), minAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail stuck crowd tasks: %w", err)
	}
	return ids, nil
}

// CountQueued returns the number of claimable tasks across unfinished runs.
func (r *CrowdTaskRepository) CountQueued(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM crowd_tasks t
		JOIN runs r ON r.id = t.run_id
		WHERE t.status = ANY($1) AND r.status <> ALL($2)`
	var n int
	err := r.db.GetContext(ctx, &n, query,
		crowdStatusArray(domain.ClaimableCrowdStatuses), runStatusArray(domain.TerminalRunStatuses))
	if err != nil {
		return 0, fmt.Errorf("count queued crowd tasks: %w", err)
	}
	return n, nil
}
