package domain_test

import (
	"testing"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

func TestMapDeepCheckStatus(t *testing.T) {
	tests := []struct {
		in         string
		want       domain.CrowdTaskStatus
		wantReview bool
	}{
		{"success", domain.CrowdCompleted, true},
		{"partial", domain.CrowdCompleted, true},
		{"blocked", domain.CrowdBlocked, false},
		{"no_form", domain.CrowdManual, false},
		{"skipped", domain.CrowdManual, false},
		{"failed", domain.CrowdFailed, false},
		{"timeout", domain.CrowdFailed, false},
		{"", domain.CrowdFailed, false},
		{" SUCCESS ", domain.CrowdCompleted, true},
	}
	for _, tt := range tests {
		got, review := domain.MapDeepCheckStatus(tt.in)
		if got != tt.want || review != tt.wantReview {
			t.Errorf("MapDeepCheckStatus(%q) = %s, %v; want %s, %v", tt.in, got, review, tt.want, tt.wantReview)
		}
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"https://www.Example.com/path?q=1": "example.com",
		"http://forum.example.org:8080/":   "forum.example.org",
		"WWW.blog.example.net":             "blog.example.net",
		"example.com/contact":              "example.com",
		"example.com.":                     "example.com",
		"":                                 "",
	}
	for in, want := range tests {
		if got := domain.NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCrowdTaskPayload_ScanRoundTrip(t *testing.T) {
	in := domain.CrowdTaskPayload{
		Subject:  "Hello",
		Identity: domain.Identity{Name: "Anna", Token: "tok"},
		Result:   &domain.CrowdResult{Status: "blocked", HTTPStatus: 403},
	}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var out domain.CrowdTaskPayload
	if err = out.Scan(v); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if out.Subject != "Hello" || out.Identity.Token != "tok" || out.Result == nil || out.Result.HTTPStatus != 403 {
		t.Errorf("Scan() = %+v", out)
	}
}

func TestCrowdCounts(t *testing.T) {
	c := domain.CrowdCounts{Planned: 1, Queued: 2, Running: 1, Completed: 3, Failed: 1}
	if c.Total() != 8 || c.Active() != 3 || c.Finished() != 4 {
		t.Errorf("Total/Active/Finished = %d/%d/%d", c.Total(), c.Active(), c.Finished())
	}
}

func TestNetwork_SupportsLevel(t *testing.T) {
	n := domain.Network{Slug: "a", Enabled: true, Levels: []int{1, 2}}
	if !n.SupportsLevel(2) || n.SupportsLevel(3) {
		t.Error("SupportsLevel() ignored explicit levels")
	}
	n.Levels = nil
	if !n.SupportsLevel(3) {
		t.Error("network without levels must accept every level")
	}
	n.Enabled = false
	if n.SupportsLevel(1) {
		t.Error("disabled network must not support any level")
	}
}
