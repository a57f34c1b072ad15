package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

const nodeSelectList = `id, run_id, level, parent_id, target_url, anchor, network_slug, status,
		result_url, publication_ref, article_title, ancestors, min_length, max_length,
		attempts, error_message, created_at, updated_at`

const nodeAliasedSelectList = `n.id, n.run_id, n.level, n.parent_id, n.target_url, n.anchor,
		n.network_slug, n.status, n.result_url, n.publication_ref, n.article_title,
		n.ancestors, n.min_length, n.max_length, n.attempts, n.error_message,
		n.created_at, n.updated_at`

// NodeRepository persists cascade nodes.
type NodeRepository struct {
	db *sqlx.DB
}

// NewNodeRepository creates a node repository.
func NewNodeRepository(db *sqlx.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Create inserts a node and fills its generated columns.
func (r *NodeRepository) Create(ctx context.Context, n *domain.Node) error {
	query := `
		INSERT INTO nodes (run_id, level, parent_id, target_url, anchor, network_slug,
			status, ancestors, min_length, max_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowxContext(ctx, query,
		n.RunID, n.Level, n.ParentID, n.TargetURL, n.Anchor, n.NetworkSlug,
		n.Status, n.Ancestors, n.MinLength, n.MaxLength,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// GetByID returns a node or domain.ErrNotFound.
func (r *NodeRepository) GetByID(ctx context.Context, id int64) (*domain.Node, error) {
	var n domain.Node
	if err := getOne(ctx, r.db, &n, `SELECT `+nodeSelectList+` FROM nodes WHERE id = $1`, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get node %d: %w", id, err)
	}
	return &n, nil
}

// ListByRun returns every node of a run ordered by level then id.
func (r *NodeRepository) ListByRun(ctx context.Context, runID int64) ([]domain.Node, error) {
	var nodes []domain.Node
	query := `SELECT ` + nodeSelectList + ` FROM nodes WHERE run_id = $1 ORDER BY level ASC, id ASC`
	if err := r.db.SelectContext(ctx, &nodes, query, runID); err != nil {
		return nil, fmt.Errorf("list nodes of run %d: %w", runID, err)
	}
	return nodes, nil
}

// CountByLevel aggregates node statuses per level.
func (r *NodeRepository) CountByLevel(ctx context.Context, runID int64) ([]domain.LevelCounts, error) {
	query := `
		SELECT level,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
		       COUNT(*) FILTER (WHERE status = 'queued')    AS queued,
		       COUNT(*) FILTER (WHERE status = 'running')   AS running,
		       COUNT(*) FILTER (WHERE status = 'success')   AS success,
		       COUNT(*) FILTER (WHERE status = 'failed')    AS failed,
		       COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM nodes
		WHERE run_id = $1
		GROUP BY level
		ORDER BY level`
	var counts []domain.LevelCounts
	if err := r.db.SelectContext(ctx, &counts, query, runID); err != nil {
		return nil, fmt.Errorf("count nodes of run %d: %w", runID, err)
	}
	return counts, nil
}

// ListPending returns pending nodes of unfinished runs, oldest first.
func (r *NodeRepository) ListPending(ctx context.Context, runID *int64, limit int) ([]domain.Node, error) {
	query := `SELECT ` + nodeAliasedSelectList + `
		FROM nodes n
		JOIN runs r ON r.id = n.run_id
		WHERE n.status = $1
		  AND r.status <> ALL($2)
		  AND ($3::bigint IS NULL OR n.run_id = $3)
		ORDER BY n.id ASC
		LIMIT $4`
	var nodes []domain.Node
	err := r.db.SelectContext(ctx, &nodes, query,
		domain.NodePending, runStatusArray(domain.TerminalRunStatuses), runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending nodes: %w", err)
	}
	return nodes, nil
}

// MarkQueued records the hand-off to the publication queue.
func (r *NodeRepository) MarkQueued(ctx context.Context, id int64) error {
	return r.transition(ctx, id, []domain.NodeStatus{domain.NodePending}, domain.NodeQueued)
}

// Claim marks a queued node running on behalf of the external publisher.
// Returns domain.ErrClaimLost when the node was not queued.
func (r *NodeRepository) Claim(ctx context.Context, id int64) (*domain.Node, error) {
	query := `
		UPDATE nodes
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`
	result, err := r.db.ExecContext(ctx, query, id, domain.NodeRunning,
		nodeStatusArray([]domain.NodeStatus{domain.NodeQueued}))
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return nil, err
		}
		return nil, fmt.Errorf("claim node %d: %w", id, err)
	}
	return r.GetByID(ctx, id)
}

// Complete stores the publisher's outcome for a queued or running node.
// A node that already finished yields domain.ErrNotFound and is unchanged.
func (r *NodeRepository) Complete(ctx context.Context, id int64, res domain.PublicationResult) (*domain.Node, error) {
	status := domain.NodeFailed
	if res.Success {
		status = domain.NodeSuccess
	}
	query := `
		UPDATE nodes
		SET status = $2,
		    result_url = NULLIF($3, ''),
		    publication_ref = NULLIF($4, ''),
		    article_title = NULLIF($5, ''),
		    error_message = NULLIF($6, ''),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)`
	active := nodeStatusArray([]domain.NodeStatus{domain.NodeQueued, domain.NodeRunning})
	result, err := r.db.ExecContext(ctx, query,
		id, status, res.ResultURL, res.PublicationRef, res.Title, res.Error, active)
	if err = execRequireRows(result, err, domain.ErrNotFound); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("complete node %d: %w", id, err)
	}
	return r.GetByID(ctx, id)
}

// CancelOpen cancels a run's nodes that have not reached the publisher yet.
func (r *NodeRepository) CancelOpen(ctx context.Context, runID int64) (int64, error) {
	query := `
		UPDATE nodes
		SET status = $2, updated_at = NOW()
		WHERE run_id = $1 AND status = ANY($3)`
	n, err := execAffected(ctx, r.db, query, runID, domain.NodeCancelled,
		nodeStatusArray([]domain.NodeStatus{domain.NodePending, domain.NodeQueued}))
	if err != nil {
		return 0, fmt.Errorf("cancel nodes of run %d: %w", runID, err)
	}
	return n, nil
}

// ReleaseStuck puts running nodes idle for olderThan back to queued while
// they have attempts left, returning their ids.
func (r *NodeRepository) ReleaseStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) ([]int64, error) {
	query := `
		UPDATE nodes
		SET status = $1, error_message = 'released after timeout', updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - make_interval(secs => $3)
		  AND attempts < $4
		RETURNING id`
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, query, domain.NodeQueued, domain.NodeRunning, seconds(olderThan), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("release stuck nodes: %w", err)
	}
	return ids, nil
}

// FailStuck fails running nodes idle for olderThan that used at least
// minAttempts attempts, returning their ids.
func (r *NodeRepository) FailStuck(ctx context.Context, olderThan time.Duration, minAttempts int) ([]int64, error) {
	query := `
		UPDATE nodes
		SET status = $1, error_message = 'timed out while running', updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - make_interval(secs => $3)
		  AND attempts >= $4
		RETURNING id`
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, query, domain.NodeFailed, domain.NodeRunning, seconds(olderThan), minAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail stuck nodes: %w", err)
	}
	return ids, nil
}

func (r *NodeRepository) transition(ctx context.Context, id int64, from []domain.NodeStatus, to domain.NodeStatus) error {
	query := `UPDATE nodes SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)`
	result, err := r.db.ExecContext(ctx, query, id, to, nodeStatusArray(from))
	if err = execRequireRows(result, err, domain.ErrClaimLost); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return err
		}
		return fmt.Errorf("set node %d %s: %w", id, to, err)
	}
	return nil
}
