package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is a position in the cascade state machine.
type RunStatus string

const (
	RunQueued        RunStatus = "queued"
	RunPendingLevel1 RunStatus = "pending_level1"
	RunLevel1Active  RunStatus = "level1_active"
	RunPendingLevel2 RunStatus = "pending_level2"
	RunLevel2Active  RunStatus = "level2_active"
	RunPendingLevel3 RunStatus = "pending_level3"
	RunLevel3Active  RunStatus = "level3_active"
	RunPendingCrowd  RunStatus = "pending_crowd"
	RunCrowdActive   RunStatus = "crowd_active"
	RunCrowdReady    RunStatus = "crowd_ready"
	RunReportReady   RunStatus = "report_ready"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunCancelled     RunStatus = "cancelled"
)

// runSequence is the linear order of the non-failure states.
var runSequence = []RunStatus{
	RunQueued,
	RunPendingLevel1, RunLevel1Active,
	RunPendingLevel2, RunLevel2Active,
	RunPendingLevel3, RunLevel3Active,
	RunPendingCrowd, RunCrowdActive,
	RunCrowdReady, RunReportReady,
	RunCompleted,
}

var runRank = func() map[RunStatus]int {
	m := make(map[RunStatus]int, len(runSequence))
	for i, s := range runSequence {
		m[s] = i
	}
	return m
}()

// TerminalRunStatuses lists the states a run never leaves.
var TerminalRunStatuses = []RunStatus{RunCompleted, RunFailed, RunCancelled}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// IsKnown reports whether s is a valid run status.
func (s RunStatus) IsKnown() bool {
	if s == RunFailed || s == RunCancelled {
		return true
	}
	_, ok := runRank[s]
	return ok
}

// ValidateRunTransition enforces monotonic progress: a run only moves forward
// along the sequence, or into failed/cancelled from a non-terminal state.
func ValidateRunTransition(from, to RunStatus) error {
	if !from.IsKnown() || !to.IsKnown() {
		return fmt.Errorf("%w: unknown status %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunTerminal, from)
	}
	if to == RunFailed || to == RunCancelled {
		return nil
	}
	if runRank[to] <= runRank[from] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PendingLevelStatus returns pending_levelN.
func PendingLevelStatus(level int) RunStatus {
	return RunStatus(fmt.Sprintf("pending_level%d", level))
}

// ActiveLevelStatus returns levelN_active.
func ActiveLevelStatus(level int) RunStatus {
	return RunStatus(fmt.Sprintf("level%d_active", level))
}

// CascadeLevel returns the level a pending/active level status refers to.
func (s RunStatus) CascadeLevel() (int, bool) {
	for n := 1; n <= MaxLevel; n++ {
		if s == PendingLevelStatus(n) || s == ActiveLevelStatus(n) {
			return n, true
		}
	}
	return 0, false
}

// AfterLevel returns the status that follows completion of level n, skipping
// levels the settings disable.
func AfterLevel(n int, s Settings) RunStatus {
	for next := n + 1; next <= MaxLevel; next++ {
		if s.Level(next).Enabled {
			return PendingLevelStatus(next)
		}
	}
	return RunPendingCrowd
}

// FirstPhase returns the status a queued run enters first.
func FirstPhase(s Settings) RunStatus {
	return AfterLevel(0, s)
}

// Worker slot states for runs.
const (
	WorkerIdle    = "idle"
	WorkerRunning = "running"
)

// Run is one execution of a promotion cascade for a project.
type Run struct {
	ID                int64      `db:"id"                  json:"id"`
	ProjectID         int64      `db:"project_id"          json:"project_id"`
	Status            RunStatus  `db:"status"              json:"status"`
	Settings          Settings   `db:"settings"            json:"settings"`
	TargetURL         string     `db:"target_url"          json:"target_url"`
	Anchor            string     `db:"anchor"              json:"anchor"`
	Language          string     `db:"language"            json:"language"`
	Region            string     `db:"region"              json:"region"`
	Topic             string     `db:"topic"               json:"topic"`
	Total             int        `db:"total"               json:"total"`
	Done              int        `db:"done"                json:"done"`
	CrowdTotal        int        `db:"crowd_total"         json:"crowd_total"`
	CrowdDone         int        `db:"crowd_done"          json:"crowd_done"`
	CrowdShortage     int        `db:"crowd_shortage"      json:"crowd_shortage"`
	Report            RunReport  `db:"report"              json:"report"`
	WorkerState       string     `db:"worker_state"        json:"worker_state"`
	WorkerToken       *string    `db:"worker_token"        json:"-"`
	WorkerHeartbeatAt *time.Time `db:"worker_heartbeat_at" json:"worker_heartbeat_at,omitempty"`
	ErrorMessage      *string    `db:"error_message"       json:"error_message,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
	FinishedAt        *time.Time `db:"finished_at"         json:"finished_at,omitempty"`
}

// NewRun builds a queued run for a project with a snapshot of settings.
func NewRun(p Project, s Settings) (*Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Run{
		ProjectID:   p.ID,
		Status:      RunQueued,
		Settings:    s,
		TargetURL:   p.TargetURL,
		Anchor:      p.Anchor,
		Language:    p.Language,
		Region:      p.Region,
		Topic:       p.Topic,
		Total:       s.Level1Count,
		WorkerState: WorkerIdle,
	}, nil
}

// LevelReport summarises one cascade level.
type LevelReport struct {
	Level   int      `json:"level"`
	Total   int      `json:"total"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	URLs    []string `json:"urls"`
}

// RunReport is the summary stored when the crowd phase is over.
type RunReport struct {
	Levels      []LevelReport  `json:"levels,omitempty"`
	Crowd       map[string]int `json:"crowd,omitempty"`
	Shortage    int            `json:"shortage"`
	NeedsReview int            `json:"needs_review"`
	GeneratedAt *time.Time     `json:"generated_at,omitempty"`
}

// Value implements driver.Valuer.
func (r RunReport) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (r *RunReport) Scan(src any) error {
	return scanJSON(src, r)
}

// Project is the promoted entity; owned by the outer application.
type Project struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	TargetURL string `db:"target_url"`
	Anchor    string `db:"anchor"`
	Language  string `db:"language"`
	Region    string `db:"region"`
	Topic     string `db:"topic"`
}

// Validate checks the project can seed a run.
func (p Project) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: id is required", ErrInvalidProject)
	}
	if p.TargetURL == "" {
		return fmt.Errorf("%w: target_url is required", ErrInvalidProject)
	}
	return nil
}
