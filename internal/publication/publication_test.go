package publication_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/publication"
)

const queueKey = "promotion:publications"

func newQueue(t *testing.T) (*publication.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return publication.NewQueue(client, queueKey, time.Hour), mr
}

type fakeNodes struct {
	nodes   map[int64]*domain.Node
	queued  []int64
	pending []domain.Node
}

func (f *fakeNodes) GetByID(_ context.Context, id int64) (*domain.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

func (f *fakeNodes) ListPending(_ context.Context, _ *int64, limit int) ([]domain.Node, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeNodes) MarkQueued(_ context.Context, id int64) error {
	f.queued = append(f.queued, id)
	return nil
}

type fakeRuns map[int64]*domain.Run

func (f fakeRuns) GetByID(_ context.Context, id int64) (*domain.Run, error) {
	r, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func TestQueue_PushDeduplicates(t *testing.T) {
	q, mr := newQueue(t)
	ctx := context.Background()
	job := domain.PublicationJob{NodeID: 7, RunID: 1, Level: 1, TargetURL: "https://money.example.com"}

	pushed, err := q.Push(ctx, job)
	require.NoError(t, err)
	assert.True(t, pushed)

	pushed, err = q.Push(ctx, job)
	require.NoError(t, err)
	assert.False(t, pushed, "second push of the same node is suppressed")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("publication:enqueued:7"))
	assert.Equal(t, time.Hour, mr.TTL("publication:enqueued:7"))

	items, err := mr.List(queueKey)
	require.NoError(t, err)
	var decoded domain.PublicationJob
	require.NoError(t, json.Unmarshal([]byte(items[0]), &decoded))
	assert.Equal(t, int64(7), decoded.NodeID)
}

func TestQueue_RequeueBypassesMarker(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	job := domain.PublicationJob{NodeID: 3}

	_, err := q.Push(ctx, job)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, job))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEnqueuer_Drain(t *testing.T) {
	q, _ := newQueue(t)
	run := &domain.Run{ID: 1, Language: "en", Status: domain.RunLevel1Active}
	nodes := &fakeNodes{pending: []domain.Node{
		{ID: 10, RunID: 1, Level: 1, NetworkSlug: "a", Status: domain.NodePending},
		{ID: 11, RunID: 1, Level: 1, NetworkSlug: "b", Status: domain.NodePending},
		{ID: 12, RunID: 99, Level: 1, NetworkSlug: "c", Status: domain.NodePending},
	}}
	e := publication.NewEnqueuer(nodes, fakeRuns{1: run}, q, nil, logger.NewNop())

	n, err := e.Drain(context.Background(), nil, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, n, "node of a missing run is skipped")
	assert.Equal(t, []int64{10, 11}, nodes.queued)
	length, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
}

func TestEnqueuer_RequeueSkipsFinishedRuns(t *testing.T) {
	q, _ := newQueue(t)
	nodes := &fakeNodes{nodes: map[int64]*domain.Node{
		1: {ID: 1, RunID: 1, Level: 1, Status: domain.NodeQueued},
		2: {ID: 2, RunID: 2, Level: 1, Status: domain.NodeQueued},
	}}
	runs := fakeRuns{
		1: {ID: 1, Status: domain.RunLevel1Active},
		2: {ID: 2, Status: domain.RunCancelled},
	}
	e := publication.NewEnqueuer(nodes, runs, q, nil, logger.NewNop())

	n, err := e.Requeue(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeCallbackStore struct {
	claimErr    error
	completeErr error
	completed   domain.PublicationResult
}

func (f *fakeCallbackStore) Claim(_ context.Context, id int64) (*domain.Node, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return &domain.Node{ID: id, RunID: 5, Status: domain.NodeRunning}, nil
}

func (f *fakeCallbackStore) Complete(_ context.Context, id int64, res domain.PublicationResult) (*domain.Node, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = res
	status := domain.NodeFailed
	if res.Success {
		status = domain.NodeSuccess
	}
	return &domain.Node{ID: id, RunID: 5, Status: status}, nil
}

type fakeKicker struct{ kicked []int64 }

func (f *fakeKicker) Kick(_ context.Context, runID int64) error {
	f.kicked = append(f.kicked, runID)
	return nil
}

func TestCallbacks_Complete(t *testing.T) {
	store := &fakeCallbackStore{}
	kicker := &fakeKicker{}
	cb := publication.NewCallbacks(store, kicker, logger.NewNop())

	node, err := cb.Complete(context.Background(), 3, domain.PublicationResult{Success: true, ResultURL: "https://x/a"})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeSuccess, node.Status)
	assert.Equal(t, []int64{5}, kicker.kicked)

	node, err = cb.Complete(context.Background(), 4, domain.PublicationResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeFailed, node.Status, "success without url is a failure")
	assert.NotEmpty(t, store.completed.Error)
}

func TestCallbacks_LateCallbackChangesNothing(t *testing.T) {
	kicker := &fakeKicker{}
	cb := publication.NewCallbacks(&fakeCallbackStore{completeErr: domain.ErrNotFound}, kicker, logger.NewNop())

	_, err := cb.Complete(context.Background(), 3, domain.PublicationResult{Success: true, ResultURL: "https://x/a"})

	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, kicker.kicked)
}

func TestCallbacks_MarkStarted(t *testing.T) {
	cb := publication.NewCallbacks(&fakeCallbackStore{claimErr: domain.ErrClaimLost}, nil, logger.NewNop())
	_, err := cb.MarkStarted(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrClaimLost)
}
