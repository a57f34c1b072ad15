package domain_test

import (
	"errors"
	"testing"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

func TestValidateRunTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.RunStatus
		to      domain.RunStatus
		wantErr error
	}{
		{"queued to pending level1", domain.RunQueued, domain.RunPendingLevel1, nil},
		{"skip disabled levels", domain.RunLevel1Active, domain.RunPendingCrowd, nil},
		{"level1 active to pending level2", domain.RunLevel1Active, domain.RunPendingLevel2, nil},
		{"regress to queued", domain.RunLevel1Active, domain.RunQueued, domain.ErrInvalidTransition},
		{"same status", domain.RunCrowdActive, domain.RunCrowdActive, domain.ErrInvalidTransition},
		{"fail from active", domain.RunLevel2Active, domain.RunFailed, nil},
		{"cancel from queued", domain.RunQueued, domain.RunCancelled, nil},
		{"leave completed", domain.RunCompleted, domain.RunFailed, domain.ErrRunTerminal},
		{"leave cancelled", domain.RunCancelled, domain.RunPendingLevel1, domain.ErrRunTerminal},
		{"unknown status", domain.RunStatus("paused"), domain.RunQueued, domain.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := domain.ValidateRunTransition(tt.from, tt.to)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ValidateRunTransition() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateRunTransition() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunTransition_NeverRegresses(t *testing.T) {
	all := []domain.RunStatus{
		domain.RunQueued, domain.RunPendingLevel1, domain.RunLevel1Active,
		domain.RunPendingLevel2, domain.RunLevel2Active, domain.RunPendingLevel3,
		domain.RunLevel3Active, domain.RunPendingCrowd, domain.RunCrowdActive,
		domain.RunCrowdReady, domain.RunReportReady, domain.RunCompleted,
	}
	for i, from := range all {
		for j, to := range all {
			err := domain.ValidateRunTransition(from, to)
			if j <= i && err == nil {
				t.Errorf("%s -> %s allowed, want rejected", from, to)
			}
		}
	}
}

func TestAfterLevel(t *testing.T) {
	s := domain.Settings{Level1Enabled: true, Level2Enabled: true, Level3Enabled: false}

	if got := domain.FirstPhase(s); got != domain.RunPendingLevel1 {
		t.Errorf("FirstPhase() = %s, want pending_level1", got)
	}
	if got := domain.AfterLevel(1, s); got != domain.RunPendingLevel2 {
		t.Errorf("AfterLevel(1) = %s, want pending_level2", got)
	}
	if got := domain.AfterLevel(2, s); got != domain.RunPendingCrowd {
		t.Errorf("AfterLevel(2) = %s, want pending_crowd", got)
	}
	if got := s.DeepestEnabledLevel(); got != 2 {
		t.Errorf("DeepestEnabledLevel() = %d, want 2", got)
	}
}

func TestRunStatus_CascadeLevel(t *testing.T) {
	level, ok := domain.RunLevel3Active.CascadeLevel()
	if !ok || level != 3 {
		t.Errorf("CascadeLevel() = %d, %v; want 3, true", level, ok)
	}
	if _, ok = domain.RunCrowdActive.CascadeLevel(); ok {
		t.Error("crowd_active must not map to a cascade level")
	}
}

func TestNewRun(t *testing.T) {
	s := domain.Settings{Level1Enabled: true, Level1Count: 5}
	run, err := domain.NewRun(domain.Project{ID: 7, TargetURL: "https://example.com", Anchor: "example"}, s)
	if err != nil {
		t.Fatalf("NewRun() error = %v", err)
	}
	if run.Status != domain.RunQueued || run.Total != 5 || run.WorkerState != domain.WorkerIdle {
		t.Errorf("NewRun() = %+v", run)
	}

	if _, err = domain.NewRun(domain.Project{ID: 7}, s); !errors.Is(err, domain.ErrInvalidProject) {
		t.Errorf("NewRun() without target error = %v, want ErrInvalidProject", err)
	}
}

func TestSettings_ScanRoundTrip(t *testing.T) {
	in := domain.Settings{Level1Enabled: true, Level1Count: 4, CrowdPerArticle: 2}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var out domain.Settings
	if err = out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if out != in {
		t.Errorf("Scan() = %+v, want %+v", out, in)
	}
}
