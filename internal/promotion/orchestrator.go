// Package promotion drives runs through the cascade state machine and
// exposes the run lifecycle to the HTTP and CLI surfaces.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ksanyok/promopilot-sub004/internal/crowd"
	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
	"github.com/ksanyok/promopilot-sub004/internal/network"
)

// maxStepsPerAdvance bounds the transitions one Advance call performs.
const maxStepsPerAdvance = 12

// errRunFailed is returned by a step that failed the run itself.
var errRunFailed = errors.New("run failed")

// RunStore is the run persistence the orchestrator needs.
type RunStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Run, error)
	Transition(ctx context.Context, id int64, from, to domain.RunStatus) error
	Fail(ctx context.Context, id int64, reason string) error
	UpdateProgress(ctx context.Context, id int64, total, done int) error
	SaveReport(ctx context.Context, id int64, report domain.RunReport) error
}

// NodeStore is the node persistence the orchestrator needs.
type NodeStore interface {
	Create(ctx context.Context, n *domain.Node) error
	ListByRun(ctx context.Context, runID int64) ([]domain.Node, error)
	CountByLevel(ctx context.Context, runID int64) ([]domain.LevelCounts, error)
}

// NetworkCatalog lists publication networks.
type NetworkCatalog interface {
	ListNetworks(ctx context.Context) ([]domain.Network, error)
}

// Drainer enqueues a run's pending nodes.
type Drainer interface {
	Drain(ctx context.Context, runID *int64, limit int) (int, error)
}

// CrowdPlanner tops up crowd tasks for leaf nodes.
type CrowdPlanner interface {
	Plan(ctx context.Context, run *domain.Run, leaves []domain.Node) (crowd.PlanResult, error)
}

// CrowdCounter refreshes a run's crowd counters.
type CrowdCounter interface {
	Refresh(ctx context.Context, runID int64, shortageDelta int) (domain.CrowdCounts, error)
}

// Dispatcher gets a worker job running.
type Dispatcher interface {
	Dispatch(ctx context.Context, job launcher.Job) (launcher.Outcome, error)
}

// Orchestrator advances runs one phase at a time. Every step is computed
// from persisted aggregates, so repeating a step is harmless.
type Orchestrator struct {
	runs       RunStore
	nodes      NodeStore
	networks   NetworkCatalog
	enqueuer   Drainer
	planner    CrowdPlanner
	counter    CrowdCounter
	dispatcher Dispatcher
	drainBatch int
	newSel     func([]domain.Network) *network.Selector
	metrics    *metrics.Metrics
	log        logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// OrchestratorDeps groups the orchestrator's collaborators.
type OrchestratorDeps struct {
	Runs       RunStore
	Nodes      NodeStore
	Networks   NetworkCatalog
	Enqueuer   Drainer
	Planner    CrowdPlanner
	Counter    CrowdCounter
	Dispatcher Dispatcher
	DrainBatch int
	Metrics    *metrics.Metrics
	Logger     logger.Logger
}

// NewOrchestrator creates an orchestrator. Dispatcher may be nil, in which
// case crowd workers are left to the cron tick.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	batch := deps.DrainBatch
	if batch <= 0 {
		batch = 50
	}
	return &Orchestrator{
		runs:       deps.Runs,
		nodes:      deps.Nodes,
		networks:   deps.Networks,
		enqueuer:   deps.Enqueuer,
		planner:    deps.Planner,
		counter:    deps.Counter,
		dispatcher: deps.Dispatcher,
		drainBatch: batch,
		newSel:     func(c []domain.Network) *network.Selector { return network.NewSelector(c) },
		metrics:    deps.Metrics,
		log:        deps.Logger,
		tracer:     otel.Tracer("promotion-orchestrator"),
		now:        time.Now,
	}
}

// Progress reports what one Advance call did.
type Progress struct {
	Status domain.RunStatus
	Steps  int
}

// Advance moves the run forward as far as it can go right now. A run that
// is waiting on publications or crowd tasks reports zero steps.
func (o *Orchestrator) Advance(ctx context.Context, runID int64) (Progress, error) {
	ctx, span := o.tracer.Start(ctx, "promotion.advance",
		trace.WithAttributes(attribute.Int64("run.id", runID)))
	defer span.End()

	var p Progress
	for p.Steps < maxStepsPerAdvance {
		if ctx.Err() != nil {
			return p, nil
		}
		run, err := o.runs.GetByID(ctx, runID)
		if err != nil {
			return p, err
		}
		p.Status = run.Status
		if run.Status.IsTerminal() {
			return p, nil
		}

		next, err := o.step(ctx, run)
		if errors.Is(err, errRunFailed) {
			p.Status = domain.RunFailed
			return p, nil
		}
		if err != nil {
			return p, err
		}
		if next == run.Status {
			return p, nil
		}

		err = o.runs.Transition(ctx, run.ID, run.Status, next)
		switch {
		case err == nil:
			p.Steps++
			p.Status = next
			o.metrics.RunTransition(string(next))
			span.AddEvent("transition", trace.WithAttributes(
				attribute.String("from", string(run.Status)), attribute.String("to", string(next))))
			o.log.Info("Run advanced",
				logger.RunID(run.ID), logger.String("from", string(run.Status)), logger.String("to", string(next)))
		case errors.Is(err, domain.ErrClaimLost):
			// Someone else moved the run; re-read and continue from there.
			continue
		default:
			return p, err
		}
	}
	return p, nil
}

// step performs the work of the run's current phase and returns the status
// it should move to, or the current status when it must wait.
func (o *Orchestrator) step(ctx context.Context, run *domain.Run) (domain.RunStatus, error) {
	switch run.Status {
	case domain.RunQueued:
		return domain.FirstPhase(run.Settings), nil
	case domain.RunPendingCrowd:
		return o.startCrowd(ctx, run)
	case domain.RunCrowdActive:
		return o.watchCrowd(ctx, run)
	case domain.RunCrowdReady:
		if err := o.writeReport(ctx, run); err != nil {
			return run.Status, err
		}
		return domain.RunReportReady, nil
	case domain.RunReportReady:
		return domain.RunCompleted, nil
	}

	level, ok := run.Status.CascadeLevel()
	if !ok {
		return run.Status, fmt.Errorf("run %d has unknown status %q", run.ID, run.Status)
	}
	if run.Status == domain.PendingLevelStatus(level) {
		return o.startLevel(ctx, run, level)
	}
	return o.watchLevel(ctx, run, level)
}

// startLevel creates the level's missing nodes and hands them to the
// publisher.
func (o *Orchestrator) startLevel(ctx context.Context, run *domain.Run, level int) (domain.RunStatus, error) {
	nodes, err := o.nodes.ListByRun(ctx, run.ID)
	if err != nil {
		return run.Status, err
	}

	created, err := o.generate(ctx, run, level, nodes)
	if err != nil {
		if errors.Is(err, network.ErrNoNetworks) && level == 1 {
			return o.fail(ctx, run, "no publication network supports level 1")
		}
		if !errors.Is(err, network.ErrNoNetworks) {
			return run.Status, err
		}
		o.log.Warn("No network supports level, skipping", logger.RunID(run.ID), logger.Int("level", level))
	}
	if created > 0 {
		o.log.Info("Level nodes created", logger.RunID(run.ID), logger.Int("level", level), logger.Int("count", created))
	}

	if _, err = o.enqueuer.Drain(ctx, &run.ID, o.drainBatch); err != nil {
		return run.Status, fmt.Errorf("enqueue level %d nodes: %w", level, err)
	}
	if level == 1 {
		if err = o.refreshProgress(ctx, run); err != nil {
			return run.Status, err
		}
	}
	return domain.ActiveLevelStatus(level), nil
}

// generate tops the level up to its planned size. Nodes that already exist
// are kept, so a crash between inserts and the transition is harmless.
func (o *Orchestrator) generate(ctx context.Context, run *domain.Run, level int, nodes []domain.Node) (int, error) {
	plan := run.Settings.Level(level)
	if !plan.Enabled || plan.FanOut <= 0 {
		return 0, nil
	}

	type slot struct {
		parent *domain.Node
		want   int
	}
	var slots []slot
	if level == 1 {
		have := 0
		for _, n := range nodes {
			if n.Level == 1 {
				have++
			}
		}
		if have < plan.FanOut {
			slots = append(slots, slot{want: plan.FanOut - have})
		}
	} else {
		children := make(map[int64]int)
		for _, n := range nodes {
			if n.Level == level && n.ParentID != nil {
				children[*n.ParentID]++
			}
		}
		for i := range nodes {
			p := &nodes[i]
			if p.Level != level-1 || p.Status != domain.NodeSuccess || p.ResultURL == nil || *p.ResultURL == "" {
				continue
			}
			if missing := plan.FanOut - children[p.ID]; missing > 0 {
				slots = append(slots, slot{parent: p, want: missing})
			}
		}
	}
	if len(slots) == 0 {
		return 0, nil
	}

	catalog, err := o.networks.ListNetworks(ctx)
	if err != nil {
		return 0, err
	}
	selector := o.newSel(catalog)
	usage := network.Usage(nodes)
	hints := network.Hints{Region: run.Region, Topic: run.Topic}

	created := 0
	for _, s := range slots {
		sel, err := selector.Pick(level, s.want, hints, usage, run.Settings.NetworkRepeatLimit)
		if err != nil {
			return created, err
		}
		if sel.Relaxed {
			o.log.Debug("Network repeat limit relaxed", logger.RunID(run.ID), logger.Int("level", level))
		}
		for _, slug := range sel.Slugs {
			var node *domain.Node
			if s.parent == nil {
				node = domain.NewRootNode(run, slug)
			} else if node, err = domain.NewChildNode(run, s.parent, slug); err != nil {
				return created, err
			}
			if err = o.nodes.Create(ctx, node); err != nil {
				return created, fmt.Errorf("create level %d node: %w", level, err)
			}
			created++
		}
	}
	return created, nil
}

// watchLevel re-enqueues stragglers and moves on once every node of the
// level is terminal.
func (o *Orchestrator) watchLevel(ctx context.Context, run *domain.Run, level int) (domain.RunStatus, error) {
	if _, err := o.enqueuer.Drain(ctx, &run.ID, o.drainBatch); err != nil {
		o.log.Warn("Failed to drain pending nodes", logger.RunID(run.ID), logger.Error(err))
	}

	counts, err := o.nodes.CountByLevel(ctx, run.ID)
	if err != nil {
		return run.Status, err
	}
	c := levelCounts(counts, level)
	if level == 1 {
		if err = o.updateProgress(ctx, run, c); err != nil {
			return run.Status, err
		}
	}
	if !c.AllTerminal() {
		return run.Status, nil
	}
	if level == 1 && c.Success == 0 {
		return o.fail(ctx, run, "no level 1 publication succeeded")
	}
	return domain.AfterLevel(level, run.Settings), nil
}

func levelCounts(all []domain.LevelCounts, level int) domain.LevelCounts {
	for _, c := range all {
		if c.Level == level {
			return c
		}
	}
	return domain.LevelCounts{Level: level}
}

func (o *Orchestrator) refreshProgress(ctx context.Context, run *domain.Run) error {
	counts, err := o.nodes.CountByLevel(ctx, run.ID)
	if err != nil {
		return err
	}
	return o.updateProgress(ctx, run, levelCounts(counts, 1))
}

func (o *Orchestrator) updateProgress(ctx context.Context, run *domain.Run, c domain.LevelCounts) error {
	total := max(c.Total, run.Settings.Level1Count)
	done := c.Terminal()
	if total == run.Total && done == run.Done {
		return nil
	}
	return o.runs.UpdateProgress(ctx, run.ID, total, done)
}

// leaves returns the successful nodes of the deepest enabled level.
func (o *Orchestrator) leaves(ctx context.Context, run *domain.Run) ([]domain.Node, error) {
	deepest := run.Settings.DeepestEnabledLevel()
	if deepest == 0 {
		return nil, nil
	}
	nodes, err := o.nodes.ListByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var out []domain.Node
	for _, n := range nodes {
		if n.Level == deepest && n.Status == domain.NodeSuccess {
			out = append(out, n)
		}
	}
	return out, nil
}

func (o *Orchestrator) startCrowd(ctx context.Context, run *domain.Run) (domain.RunStatus, error) {
	if !run.Settings.CrowdRequired() {
		return domain.RunCrowdReady, nil
	}
	if _, _, err := o.plan(ctx, run); err != nil {
		return run.Status, err
	}
	o.dispatchCrowd(ctx, run)
	return domain.RunCrowdActive, nil
}

// watchCrowd replans freed slots and finishes the phase when no task is
// queued or running.
func (o *Orchestrator) watchCrowd(ctx context.Context, run *domain.Run) (domain.RunStatus, error) {
	res, counts, err := o.plan(ctx, run)
	if err != nil {
		return run.Status, err
	}
	if counts.Active() == 0 {
		return domain.RunCrowdReady, nil
	}
	if res.Linked > 0 {
		o.dispatchCrowd(ctx, run)
	}
	return run.Status, nil
}

// plan tops up the run's crowd tasks and returns the refreshed counts.
func (o *Orchestrator) plan(ctx context.Context, run *domain.Run) (crowd.PlanResult, domain.CrowdCounts, error) {
	leaves, err := o.leaves(ctx, run)
	if err != nil {
		return crowd.PlanResult{}, domain.CrowdCounts{}, err
	}
	res, err := o.planner.Plan(ctx, run, leaves)
	if err != nil {
		return res, domain.CrowdCounts{}, fmt.Errorf("plan crowd tasks: %w", err)
	}
	counts, err := o.counter.Refresh(ctx, run.ID, res.Shortage)
	return res, counts, err
}

func (o *Orchestrator) dispatchCrowd(ctx context.Context, run *domain.Run) {
	if o.dispatcher == nil {
		return
	}
	out, err := o.dispatcher.Dispatch(ctx, launcher.Job{Kind: launcher.KindCrowd, RunID: run.ID})
	if err != nil {
		o.log.Warn("Crowd worker dispatch failed", logger.RunID(run.ID), logger.Error(err))
		return
	}
	o.log.Debug("Crowd worker dispatched",
		logger.RunID(run.ID), logger.String("mode", out.Mode), logger.Int("processed", out.Processed))
}

// writeReport summarises the run into runs.report.
func (o *Orchestrator) writeReport(ctx context.Context, run *domain.Run) error {
	nodes, err := o.nodes.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	counts, err := o.counter.Refresh(ctx, run.ID, 0)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	report := domain.RunReport{
		Crowd:       counts.ByStatus(),
		Shortage:    run.CrowdShortage,
		NeedsReview: counts.NeedsReview,
		GeneratedAt: &now,
	}
	for level := 1; level <= domain.MaxLevel; level++ {
		lr := domain.LevelReport{Level: level, URLs: []string{}}
		for _, n := range nodes {
			if n.Level != level {
				continue
			}
			lr.Total++
			switch n.Status {
			case domain.NodeSuccess:
				lr.Success++
				if n.ResultURL != nil {
					lr.URLs = append(lr.URLs, *n.ResultURL)
				}
			case domain.NodeFailed:
				lr.Failed++
			}
		}
		if lr.Total > 0 {
			report.Levels = append(report.Levels, lr)
		}
	}
	return o.runs.SaveReport(ctx, run.ID, report)
}

// fail records the reason and stops Advance.
func (o *Orchestrator) fail(ctx context.Context, run *domain.Run, reason string) (domain.RunStatus, error) {
	if err := o.runs.Fail(ctx, run.ID, reason); err != nil && !errors.Is(err, domain.ErrRunTerminal) {
		return run.Status, err
	}
	o.metrics.RunTransition(string(domain.RunFailed))
	o.log.Warn("Run failed", logger.RunID(run.ID), logger.String("reason", reason))
	return domain.RunFailed, errRunFailed
}
