package publication

import (
	"context"
	"errors"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

// CallbackStore applies publisher outcomes to nodes.
type CallbackStore interface {
	Claim(ctx context.Context, id int64) (*domain.Node, error)
	Complete(ctx context.Context, id int64, res domain.PublicationResult) (*domain.Node, error)
}

// RunKicker advances a run after one of its nodes changed.
type RunKicker interface {
	Kick(ctx context.Context, runID int64) error
}

// Callbacks handles the external publisher's start and result reports.
type Callbacks struct {
	nodes  CallbackStore
	kicker RunKicker
	log    logger.Logger
}

// NewCallbacks creates the callback handler.
func NewCallbacks(nodes CallbackStore, kicker RunKicker, log logger.Logger) *Callbacks {
	return &Callbacks{nodes: nodes, kicker: kicker, log: log}
}

// MarkStarted claims a queued node for the publisher. A node that is not
// queued returns domain.ErrClaimLost.
func (c *Callbacks) MarkStarted(ctx context.Context, nodeID int64) (*domain.Node, error) {
	node, err := c.nodes.Claim(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	c.log.Info("Publication started", logger.RunID(node.RunID), logger.NodeID(node.ID))
	return node, nil
}

// Complete records the outcome and nudges the run forward. A late callback
// for a finished node returns domain.ErrNotFound and changes nothing.
func (c *Callbacks) Complete(ctx context.Context, nodeID int64, res domain.PublicationResult) (*domain.Node, error) {
	if res.Success && res.ResultURL == "" {
		res.Success = false
		res.Error = "publisher reported success without a result url"
	}

	node, err := c.nodes.Complete(ctx, nodeID, res)
	if err != nil {
		return nil, err
	}

	fields := []logger.Field{logger.RunID(node.RunID), logger.NodeID(node.ID), logger.String("status", string(node.Status))}
	if node.Status == domain.NodeFailed {
		c.log.Warn("Publication failed", append(fields, logger.String("reason", res.Error))...)
	} else {
		c.log.Info("Publication completed", append(fields, logger.String("url", res.ResultURL))...)
	}

	if c.kicker != nil {
		if kickErr := c.kicker.Kick(ctx, node.RunID); kickErr != nil && !errors.Is(kickErr, domain.ErrRunTerminal) {
			c.log.Warn("Failed to advance run after publication", logger.RunID(node.RunID), logger.Error(kickErr))
		}
	}
	return node, nil
}
