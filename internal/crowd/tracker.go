package crowd

import (
	"context"
	"fmt"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

// CountSource aggregates a run's crowd task statuses.
type CountSource interface {
	Counts(ctx context.Context, runID int64) (domain.CrowdCounts, error)
}

// CounterStore persists the run-level crowd counters.
type CounterStore interface {
	UpdateCrowd(ctx context.Context, id int64, total, done, shortageDelta int) error
}

// Tracker keeps runs.crowd_total and runs.crowd_done in step with the tasks.
type Tracker struct {
	tasks CountSource
	runs  CounterStore
}

// NewTracker creates a tracker.
func NewTracker(tasks CountSource, runs CounterStore) *Tracker {
	return &Tracker{tasks: tasks, runs: runs}
}

// Refresh recomputes the run's crowd counters from the task table and adds
// shortageDelta to the shortage tally. The fresh counts are returned.
func (t *Tracker) Refresh(ctx context.Context, runID int64, shortageDelta int) (domain.CrowdCounts, error) {
	counts, err := t.tasks.Counts(ctx, runID)
	if err != nil {
		return domain.CrowdCounts{}, err
	}
	if err = t.runs.UpdateCrowd(ctx, runID, counts.Total(), counts.Finished(), shortageDelta); err != nil {
		return counts, fmt.Errorf("refresh crowd counters: %w", err)
	}
	return counts, nil
}
