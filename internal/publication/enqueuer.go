package publication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

// JobQueue receives publication jobs.
type JobQueue interface {
	Push(ctx context.Context, job domain.PublicationJob) (bool, error)
	Requeue(ctx context.Context, job domain.PublicationJob) error
}

// NodeStore is the node persistence the enqueuer needs.
type NodeStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Node, error)
	ListPending(ctx context.Context, runID *int64, limit int) ([]domain.Node, error)
	MarkQueued(ctx context.Context, id int64) error
}

// RunReader loads runs.
type RunReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Run, error)
}

// Enqueuer turns pending nodes into publication jobs.
type Enqueuer struct {
	nodes   NodeStore
	runs    RunReader
	queue   JobQueue
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(nodes NodeStore, runs RunReader, queue JobQueue, m *metrics.Metrics, log logger.Logger) *Enqueuer {
	return &Enqueuer{nodes: nodes, runs: runs, queue: queue, metrics: m, log: log, now: time.Now}
}

// Enqueue pushes the node's job and marks it queued. A node another worker
// already pushed is still marked queued so a half-finished hand-off heals.
func (e *Enqueuer) Enqueue(ctx context.Context, run *domain.Run, node *domain.Node) error {
	pushed, err := e.queue.Push(ctx, domain.NewPublicationJob(run, node, e.now()))
	if err != nil {
		return err
	}

	if err = e.nodes.MarkQueued(ctx, node.ID); err != nil && !errors.Is(err, domain.ErrClaimLost) {
		return fmt.Errorf("mark node %d queued: %w", node.ID, err)
	}
	if pushed {
		e.metrics.NodeEnqueued(node.Level)
		e.log.Debug("Node enqueued for publication",
			logger.RunID(run.ID), logger.NodeID(node.ID),
			logger.String("network", node.NetworkSlug), logger.Int("level", node.Level))
	}
	return nil
}

// Drain enqueues up to limit pending nodes, optionally for one run. Failures
// are logged per node and do not stop the batch.
func (e *Enqueuer) Drain(ctx context.Context, runID *int64, limit int) (int, error) {
	nodes, err := e.nodes.ListPending(ctx, runID, limit)
	if err != nil {
		return 0, err
	}

	runs := make(map[int64]*domain.Run)
	enqueued := 0
	for i := range nodes {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		node := &nodes[i]
		run, ok := runs[node.RunID]
		if !ok {
			run, err = e.runs.GetByID(ctx, node.RunID)
			if err != nil {
				e.log.Error("Failed to load run for pending node",
					logger.RunID(node.RunID), logger.NodeID(node.ID), logger.Error(err))
				continue
			}
			runs[node.RunID] = run
		}
		if err = e.Enqueue(ctx, run, node); err != nil {
			e.log.Error("Failed to enqueue node",
				logger.RunID(node.RunID), logger.NodeID(node.ID), logger.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Requeue pushes released nodes again, bypassing the enqueue marker.
func (e *Enqueuer) Requeue(ctx context.Context, nodeIDs []int64) (int, error) {
	requeued := 0
	for _, id := range nodeIDs {
		node, err := e.nodes.GetByID(ctx, id)
		if err != nil {
			e.log.Error("Failed to load released node", logger.NodeID(id), logger.Error(err))
			continue
		}
		run, err := e.runs.GetByID(ctx, node.RunID)
		if err != nil {
			e.log.Error("Failed to load run of released node",
				logger.RunID(node.RunID), logger.NodeID(id), logger.Error(err))
			continue
		}
		if run.Status.IsTerminal() {
			continue
		}
		if err = e.queue.Requeue(ctx, domain.NewPublicationJob(run, node, e.now())); err != nil {
			e.log.Error("Failed to requeue node", logger.NodeID(id), logger.Error(err))
			continue
		}
		e.metrics.NodeEnqueued(node.Level)
		requeued++
	}
	return requeued, nil
}
