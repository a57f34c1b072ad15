package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/retry"
)

// execRequireRows validates that an exec result affected at least one row.
// Returns err if non-nil, or notFoundErr if no row was affected.
func execRequireRows(result sql.Result, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return fmt.Errorf("get affected rows: %w", affectedErr)
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

// execAffected runs an exec and returns the affected row count.
func execAffected(ctx context.Context, db sqlx.ExecerContext, query string, args ...any) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get affected rows: %w", err)
	}
	return n, nil
}

// getOne maps sql.ErrNoRows to domain.ErrNotFound.
func getOne(ctx context.Context, db sqlx.QueryerContext, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, db, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// seconds converts a duration for make_interval(secs => $n).
func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func runStatusArray(statuses []domain.RunStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func crowdStatusArray(statuses []domain.CrowdTaskStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func nodeStatusArray(statuses []domain.NodeStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

// ClaimPolicy bounds the select-then-claim loop under contention.
type ClaimPolicy = retry.Config

// DefaultClaimPolicy retries a lost race up to five times, backing off from
// 25ms and doubling to at most 500ms.
func DefaultClaimPolicy() ClaimPolicy {
	return ClaimPolicy{
		MaxAttempts:  5,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}
}

// claimNext picks the oldest eligible id and claims it. A lost race means
// another worker got there first, so the selection is repeated. Exhausting
// the policy is reported as domain.ErrNoWork, never as a hard failure.
func claimNext(
	ctx context.Context,
	policy ClaimPolicy,
	selectID func(context.Context) (int64, error),
	claim func(context.Context, int64) error,
) (int64, error) {
	attempts := max(policy.MaxAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := selectID(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNoWork
		}
		if err != nil {
			return 0, fmt.Errorf("select claim candidate: %w", err)
		}

		err = claim(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, domain.ErrClaimLost) {
			return 0, err
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
	return 0, domain.ErrNoWork
}
