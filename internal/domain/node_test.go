package domain_test

import (
	"testing"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestAncestorTrail_ExtendIsBounded(t *testing.T) {
	var trail domain.AncestorTrail
	for i := 1; i <= domain.MaxAncestors+3; i++ {
		next := trail.Extend(domain.Ancestor{NodeID: int64(i)})
		if len(trail) > domain.MaxAncestors {
			t.Fatalf("trail grew past bound: %d", len(trail))
		}
		trail = next
	}
	if len(trail) != domain.MaxAncestors {
		t.Fatalf("len = %d, want %d", len(trail), domain.MaxAncestors)
	}
	if trail[0].NodeID != 4 || trail[len(trail)-1].NodeID != int64(domain.MaxAncestors+3) {
		t.Errorf("trail kept wrong entries: first=%d last=%d", trail[0].NodeID, trail[len(trail)-1].NodeID)
	}
}

func TestAncestorTrail_ExtendDoesNotAlias(t *testing.T) {
	base := domain.AncestorTrail{{NodeID: 1}}
	a := base.Extend(domain.Ancestor{NodeID: 2})
	b := base.Extend(domain.Ancestor{NodeID: 3})
	if a[1].NodeID != 2 || b[1].NodeID != 3 {
		t.Errorf("Extend results share storage: a=%v b=%v", a, b)
	}
}

func TestNewChildNode(t *testing.T) {
	run := &domain.Run{
		ID:     11,
		Anchor: "money anchor",
		Settings: domain.Settings{
			Level1Enabled: true, Level2Enabled: true, Level2MinLen: 1200, Level2MaxLen: 2000,
		},
	}
	parent := &domain.Node{
		ID:           5,
		RunID:        11,
		Level:        1,
		Status:       domain.NodeSuccess,
		ResultURL:    strPtr("https://net.example/a"),
		ArticleTitle: strPtr("Parent title"),
	}

	child, err := domain.NewChildNode(run, parent, "telegraph")
	if err != nil {
		t.Fatalf("NewChildNode() error = %v", err)
	}
	if child.Level != 2 || child.ParentID == nil || *child.ParentID != 5 {
		t.Errorf("child level/parent = %d/%v", child.Level, child.ParentID)
	}
	if child.TargetURL != "https://net.example/a" || child.Anchor != "Parent title" {
		t.Errorf("child target/anchor = %q/%q", child.TargetURL, child.Anchor)
	}
	if child.MinLength != 1200 || child.MaxLength != 2000 {
		t.Errorf("child lengths = %d..%d", child.MinLength, child.MaxLength)
	}
	if len(child.Ancestors) != 1 || child.Ancestors[0].URL != "https://net.example/a" {
		t.Errorf("child ancestors = %+v", child.Ancestors)
	}

	parent.Status = domain.NodeFailed
	if _, err = domain.NewChildNode(run, parent, "telegraph"); err == nil {
		t.Error("NewChildNode() from failed parent error = nil")
	}
}

func TestLevelCounts_AllTerminal(t *testing.T) {
	c := domain.LevelCounts{Total: 5, Success: 3, Failed: 1, Running: 1}
	if c.AllTerminal() {
		t.Error("AllTerminal() = true with a running node")
	}
	c.Running, c.Cancel = 0, 1
	if !c.AllTerminal() {
		t.Error("AllTerminal() = false with every node finished")
	}
}
