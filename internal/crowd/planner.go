// Package crowd plans crowd link-submission tasks for a run's leaf articles
// and processes them through the deep-check collaborator.
package crowd

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/ksanyok/promopilot-sub004/internal/database"
	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

// PlanStore is the crowd task persistence the planner needs.
type PlanStore interface {
	CountByNode(ctx context.Context, runID int64, statuses []domain.CrowdTaskStatus) (map[int64]int, error)
	UsedDomains(ctx context.Context, runID int64) ([]string, error)
	Create(ctx context.Context, t *domain.CrowdTask) error
}

// LinkSource lists eligible crowd links.
type LinkSource interface {
	ListEligibleLinks(ctx context.Context, q database.LinkQuery) ([]domain.CrowdLink, error)
}

// PlanResult summarises one planning pass.
type PlanResult struct {
	Needed  int `json:"needed"`
	Linked  int `json:"linked"`
	Manual  int `json:"manual"`
	Failed  int `json:"failed"`
	Created int `json:"created"`
	// Shortage counts manual-fallback slots created for lack of a link.
	// Failed slots are not counted; the next pass plans them again.
	Shortage int `json:"shortage"`
}

const maxLinkFetches = 3

// Planner creates crowd tasks for leaf nodes.
type Planner struct {
	tasks       PlanStore
	links       LinkSource
	synth       *Synthesizer
	fetchFactor int
	metrics     *metrics.Metrics
	log         logger.Logger
}

// NewPlanner creates a planner. fetchFactor sizes the link fetch as a
// multiple of the total shortfall.
func NewPlanner(tasks PlanStore, links LinkSource, synth *Synthesizer, fetchFactor int, m *metrics.Metrics, log logger.Logger) *Planner {
	return &Planner{
		tasks:       tasks,
		links:       links,
		synth:       synth,
		fetchFactor: max(fetchFactor, 1),
		metrics:     m,
		log:         log,
	}
}

// Plan tops up every leaf to the run's crowd_per_article. Linked tasks are
// created queued; when links run out the remaining slots become planned
// manual-fallback tasks. Insert failures are counted in Failed and skipped.
func (p *Planner) Plan(ctx context.Context, run *domain.Run, leaves []domain.Node) (PlanResult, error) {
	var res PlanResult
	if !run.Settings.CrowdRequired() || len(leaves) == 0 {
		return res, nil
	}
	need := run.Settings.CrowdPerArticle

	existing, err := p.tasks.CountByNode(ctx, run.ID, domain.CountsTowardNeed)
	if err != nil {
		return res, err
	}

	ordered := make([]domain.Node, len(leaves))
	copy(ordered, leaves)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var slots []*domain.Node
	for i := range ordered {
		for range need - existing[ordered[i].ID] {
			slots = append(slots, &ordered[i])
		}
	}
	res.Needed = len(slots)
	if res.Needed == 0 {
		return res, nil
	}

	usedList, err := p.tasks.UsedDomains(ctx, run.ID)
	if err != nil {
		return res, err
	}
	used := make(map[string]struct{}, len(usedList))
	for _, d := range usedList {
		used[d] = struct{}{}
	}

	picked, err := p.pickLinks(ctx, run, res.Needed, usedList, used)
	if err != nil {
		return res, err
	}
	for i, node := range slots {
		var link *domain.CrowdLink
		if i < len(picked) {
			link = &picked[i]
		}
		p.create(ctx, run, node, link, &res)
	}

	p.metrics.CrowdShortage(res.Shortage)
	if res.Shortage > 0 {
		p.log.Warn("Crowd links short for run",
			logger.RunID(run.ID), logger.Int("needed", res.Needed), logger.Int("shortage", res.Shortage))
	}
	p.log.Info("Crowd tasks planned",
		logger.RunID(run.ID), logger.Int("linked", res.Linked), logger.Int("manual", res.Manual),
		logger.Int("failed", res.Failed))
	return res, nil
}

// pickLinks selects up to want links on distinct domains. A full page that
// yields too few new domains is followed by another fetch that excludes
// every domain seen so far.
func (p *Planner) pickLinks(ctx context.Context, run *domain.Run, want int, exclude []string, used map[string]struct{}) ([]domain.CrowdLink, error) {
	exclude = slices.Clone(exclude)
	var picked []domain.CrowdLink
	for range maxLinkFetches {
		limit := (want - len(picked)) * p.fetchFactor
		links, err := p.links.ListEligibleLinks(ctx, database.LinkQuery{
			Language:       run.Language,
			Region:         run.Region,
			ExcludeDomains: exclude,
			Limit:          limit,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch crowd links: %w", err)
		}
		for _, candidate := range RankLinks(links, run.Language, run.Region) {
			if len(picked) == want {
				break
			}
			d := candidate.NormalizedDomain()
			if d == "" {
				continue
			}
			if _, taken := used[d]; taken {
				continue
			}
			used[d] = struct{}{}
			exclude = append(exclude, d)
			picked = append(picked, candidate)
		}
		if len(picked) == want || len(links) < limit {
			break
		}
	}
	return picked, nil
}

func (p *Planner) create(ctx context.Context, run *domain.Run, node *domain.Node, link *domain.CrowdLink, res *PlanResult) {
	task := &domain.CrowdTask{
		RunID:   run.ID,
		NodeID:  node.ID,
		Status:  domain.CrowdPlanned,
		Payload: p.synth.Payload(run, node, link),
	}
	if link != nil {
		id := link.ID
		task.CrowdLinkID = &id
		task.TargetURL = link.URL
		task.Status = domain.CrowdQueued
	}

	if err := p.tasks.Create(ctx, task); err != nil {
		res.Failed++
		p.log.Error("Failed to create crowd task",
			logger.RunID(run.ID), logger.NodeID(node.ID), logger.Error(err))
		return
	}

	res.Created++
	if link != nil {
		res.Linked++
		return
	}
	res.Manual++
	res.Shortage++
}
