package promotion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/launcher"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

// ProjectSource loads projects.
type ProjectSource interface {
	GetProject(ctx context.Context, id int64) (*domain.Project, error)
}

// SettingsSource resolves the cascade settings.
type SettingsSource interface {
	Current(ctx context.Context) (domain.Settings, error)
}

// ServiceRunStore is the run persistence the service needs.
type ServiceRunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id int64) (*domain.Run, error)
	ActiveForProject(ctx context.Context, projectID int64) (*domain.Run, error)
	Cancel(ctx context.Context, id int64) error
}

// ServiceNodeStore is the node persistence the service needs.
type ServiceNodeStore interface {
	CountByLevel(ctx context.Context, runID int64) ([]domain.LevelCounts, error)
	CancelOpen(ctx context.Context, runID int64) (int64, error)
}

// CrowdCountSource aggregates crowd task statuses.
type CrowdCountSource interface {
	Counts(ctx context.Context, runID int64) (domain.CrowdCounts, error)
}

// RunView is a run with its live node and crowd counts.
type RunView struct {
	Run    *domain.Run          `json:"run"`
	Levels []domain.LevelCounts `json:"levels"`
	Crowd  domain.CrowdCounts   `json:"crowd"`
}

// Service is the run lifecycle entry point.
type Service struct {
	projects   ProjectSource
	settings   SettingsSource
	runs       ServiceRunStore
	nodes      ServiceNodeStore
	tasks      CrowdCountSource
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        logger.Logger
}

// ServiceDeps groups the service's collaborators.
type ServiceDeps struct {
	Projects   ProjectSource
	Settings   SettingsSource
	Runs       ServiceRunStore
	Nodes      ServiceNodeStore
	Tasks      CrowdCountSource
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Logger     logger.Logger
}

// NewService creates the run service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		projects:   deps.Projects,
		settings:   deps.Settings,
		runs:       deps.Runs,
		nodes:      deps.Nodes,
		tasks:      deps.Tasks,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		log:        deps.Logger,
	}
}

// Start creates a queued run for the project with a snapshot of the current
// settings and gets the promotion worker going. A project with an unfinished
// run returns domain.ErrRunActive.
func (s *Service) Start(ctx context.Context, projectID int64) (*domain.Run, launcher.Outcome, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, launcher.Outcome{}, err
	}

	active, err := s.runs.ActiveForProject(ctx, projectID)
	switch {
	case err == nil:
		return active, launcher.Outcome{}, fmt.Errorf("%w: run %d", domain.ErrRunActive, active.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, launcher.Outcome{}, err
	}

	snapshot, err := s.settings.Current(ctx)
	if err != nil {
		s.log.Warn("Using default promotion settings", logger.Error(err))
	}

	run, err := domain.NewRun(*project, snapshot)
	if err != nil {
		return nil, launcher.Outcome{}, err
	}
	if err = s.runs.Create(ctx, run); err != nil {
		if errors.Is(err, domain.ErrRunActive) {
			// Lost a race with a concurrent start for the same project.
			if active, getErr := s.runs.ActiveForProject(ctx, projectID); getErr == nil {
				return active, launcher.Outcome{}, fmt.Errorf("%w: run %d", domain.ErrRunActive, active.ID)
			}
			return nil, launcher.Outcome{}, err
		}
		return nil, launcher.Outcome{}, fmt.Errorf("create run: %w", err)
	}
	s.metrics.RunTransition(string(domain.RunQueued))
	s.log.Info("Run created", logger.RunID(run.ID), logger.Int64("project_id", projectID))

	out := s.dispatch(ctx, run.ID)
	if out.Processed > 0 {
		if fresh, getErr := s.runs.GetByID(ctx, run.ID); getErr == nil {
			run = fresh
		}
	}
	return run, out, nil
}

// Cancel stops a run. Nodes not yet handed to the publisher are cancelled;
// running items finish or are recovered by the watchdog.
func (s *Service) Cancel(ctx context.Context, runID int64) error {
	if err := s.runs.Cancel(ctx, runID); err != nil {
		return err
	}
	s.metrics.RunTransition(string(domain.RunCancelled))

	n, err := s.nodes.CancelOpen(ctx, runID)
	if err != nil {
		s.log.Error("Failed to cancel open nodes", logger.RunID(runID), logger.Error(err))
	}
	s.log.Info("Run cancelled", logger.RunID(runID), logger.Int64("nodes_cancelled", n))
	return nil
}

// Status returns the run with its live counts.
func (s *Service) Status(ctx context.Context, runID int64) (*RunView, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	levels, err := s.nodes.CountByLevel(ctx, runID)
	if err != nil {
		return nil, err
	}
	crowdCounts, err := s.tasks.Counts(ctx, runID)
	if err != nil {
		return nil, err
	}
	if levels == nil {
		levels = []domain.LevelCounts{}
	}
	return &RunView{Run: run, Levels: levels, Crowd: crowdCounts}, nil
}

// KickRun dispatches the promotion worker for an unfinished run.
func (s *Service) KickRun(ctx context.Context, runID int64) (launcher.Outcome, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return launcher.Outcome{}, err
	}
	if run.Status.IsTerminal() {
		return launcher.Outcome{}, fmt.Errorf("%w: run %d is %s", domain.ErrRunTerminal, runID, run.Status)
	}
	return s.dispatch(ctx, runID), nil
}

// Kick is KickRun without the outcome, for publication callbacks.
func (s *Service) Kick(ctx context.Context, runID int64) error {
	_, err := s.KickRun(ctx, runID)
	return err
}

// dispatch never fails the caller: a worker that does not start is picked
// up by the next cron tick.
func (s *Service) dispatch(ctx context.Context, runID int64) launcher.Outcome {
	out, err := s.dispatcher.Dispatch(ctx, launcher.Job{Kind: launcher.KindPromotion, RunID: runID})
	if err != nil {
		s.log.Warn("Promotion worker dispatch failed", logger.RunID(runID), logger.Error(err))
	}
	return out
}
