package promotion

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksanyok/promopilot-sub004/internal/crowd"
	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
)

// memStore is an in-memory run and node store shared by the tests.
type memStore struct {
	mu          sync.Mutex
	runs        map[int64]*domain.Run
	nodes       []*domain.Node
	nextNode    int64
	transitions []domain.RunStatus
	slots       map[int64]string
	reports     map[int64]domain.RunReport
}

func newMemStore(runs ...*domain.Run) *memStore {
	m := &memStore{
		runs:     make(map[int64]*domain.Run),
		slots:    make(map[int64]string),
		reports:  make(map[int64]domain.RunReport),
		nextNode: 100,
	}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *memStore) GetByID(_ context.Context, id int64) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Transition(_ context.Context, id int64, from, to domain.RunStatus) error {
	if err := domain.ValidateRunTransition(from, to); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if r == nil || r.Status != from {
		return domain.ErrClaimLost
	}
	r.Status = to
	m.transitions = append(m.transitions, to)
	return nil
}

func (m *memStore) Fail(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if r.Status.IsTerminal() {
		return domain.ErrRunTerminal
	}
	r.Status = domain.RunFailed
	r.ErrorMessage = &reason
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id int64, total, done int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Total, m.runs[id].Done = total, done
	return nil
}

func (m *memStore) SaveReport(_ context.Context, id int64, report domain.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[id] = report
	return nil
}

func (m *memStore) ClaimSlot(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if r == nil || r.Status.IsTerminal() || m.slots[id] != "" {
		return domain.ErrClaimLost
	}
	m.slots[id] = token
	return nil
}

func (m *memStore) Heartbeat(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[id] != token {
		return domain.ErrClaimLost
	}
	return nil
}

func (m *memStore) ReleaseSlot(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[id] == token {
		delete(m.slots, id)
	}
	return nil
}

func (m *memStore) ListActive(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Run
	for id := int64(1); id <= int64(len(m.runs)) && len(out) < limit; id++ {
		if r, ok := m.runs[id]; ok && !r.Status.IsTerminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) Create(_ context.Context, n *domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNode++
	n.ID = m.nextNode
	cp := *n
	m.nodes = append(m.nodes, &cp)
	return nil
}

func (m *memStore) ListByRun(_ context.Context, runID int64) ([]domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Node
	for _, n := range m.nodes {
		if n.RunID == runID {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (m *memStore) CountByLevel(_ context.Context, runID int64) ([]domain.LevelCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byLevel := make(map[int]*domain.LevelCounts)
	var out []domain.LevelCounts
	for _, n := range m.nodes {
		if n.RunID != runID {
			continue
		}
		c := byLevel[n.Level]
		if c == nil {
			c = &domain.LevelCounts{Level: n.Level}
			byLevel[n.Level] = c
		}
		c.Total++
		switch n.Status {
		case domain.NodePending:
			c.Pending++
		case domain.NodeQueued:
			c.Queued++
		case domain.NodeRunning:
			c.Running++
		case domain.NodeSuccess:
			c.Success++
		case domain.NodeFailed:
			c.Failed++
		case domain.NodeCancelled:
			c.Cancel++
		}
	}
	for level := 1; level <= domain.MaxLevel; level++ {
		if c := byLevel[level]; c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// publishAll marks every queued or pending node of level as published.
func (m *memStore) publishAll(level int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.Level != level || n.Status.IsTerminal() {
			continue
		}
		if ok {
			url := fmt.Sprintf("https://%s.example.com/post-%d", n.NetworkSlug, n.ID)
			title := fmt.Sprintf("Article %d", n.ID)
			n.Status, n.ResultURL, n.ArticleTitle = domain.NodeSuccess, &url, &title
		} else {
			n.Status = domain.NodeFailed
		}
	}
}

func (m *memStore) nodesAt(level int) []*domain.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Node
	for _, n := range m.nodes {
		if n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

type fakeCatalog []domain.Network

func (f fakeCatalog) ListNetworks(context.Context) ([]domain.Network, error) {
	return f, nil
}

// fakeDrainer marks pending nodes queued, as the real enqueuer does.
type fakeDrainer struct {
	store *memStore
	calls int
}

func (f *fakeDrainer) Drain(_ context.Context, runID *int64, _ int) (int, error) {
	f.calls++
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	n := 0
	for _, node := range f.store.nodes {
		if node.Status == domain.NodePending && (runID == nil || node.RunID == *runID) {
			node.Status = domain.NodeQueued
			n++
		}
	}
	return n, nil
}

type fakePlanner struct {
	calls  int
	leaves []domain.Node
	result crowd.PlanResult
}

func (f *fakePlanner) Plan(_ context.Context, _ *domain.Run, leaves []domain.Node) (crowd.PlanResult, error) {
	f.calls++
	f.leaves = leaves
	res := f.result
	f.result = crowd.PlanResult{}
	return res, nil
}

type fakeCounter struct {
	counts   domain.CrowdCounts
	shortage int
}

func (f *fakeCounter) Refresh(_ context.Context, _ int64, delta int) (domain.CrowdCounts, error) {
	f.shortage += delta
	return f.counts, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []launcher.Job
	out  launcher.Outcome
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job launcher.Job) (launcher.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.out, d.err
}
