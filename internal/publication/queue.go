// Package publication hands cascade nodes to the external publisher and
// applies the publisher's callbacks.
package publication

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

const dedupKeyPrefix = "publication:enqueued:"

// Queue is a Redis list of publication jobs with a per-node enqueue marker.
type Queue struct {
	client   *redis.Client
	key      string
	dedupTTL time.Duration
}

// NewQueue creates a queue writing to the list at key.
func NewQueue(client *redis.Client, key string, dedupTTL time.Duration) *Queue {
	return &Queue{client: client, key: key, dedupTTL: dedupTTL}
}

func dedupKey(nodeID int64) string {
	return dedupKeyPrefix + strconv.FormatInt(nodeID, 10)
}

// Push appends job unless the node was already pushed within the dedup TTL.
// It reports whether the job was added.
func (q *Queue) Push(ctx context.Context, job domain.PublicationJob) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal publication job: %w", err)
	}

	marked, err := q.client.SetNX(ctx, dedupKey(job.NodeID), "1", q.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark node %d enqueued: %w", job.NodeID, err)
	}
	if !marked {
		return false, nil
	}

	if err = q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		// Drop the marker so the next drain retries the node.
		_ = q.client.Del(ctx, dedupKey(job.NodeID)).Err()
		return false, fmt.Errorf("push publication job for node %d: %w", job.NodeID, err)
	}
	return true, nil
}

// Requeue clears the node's marker and pushes job again.
func (q *Queue) Requeue(ctx context.Context, job domain.PublicationJob) error {
	if err := q.client.Del(ctx, dedupKey(job.NodeID)).Err(); err != nil {
		return fmt.Errorf("clear enqueue marker of node %d: %w", job.NodeID, err)
	}
	if _, err := q.Push(ctx, job); err != nil {
		return err
	}
	return nil
}

// Len returns the number of jobs waiting for the publisher.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}
