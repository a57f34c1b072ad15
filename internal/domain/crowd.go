package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CrowdTaskStatus is the lifecycle of one crowd submission.
type CrowdTaskStatus string

const (
	CrowdPlanned   CrowdTaskStatus = "planned"
	CrowdQueued    CrowdTaskStatus = "queued"
	CrowdRunning   CrowdTaskStatus = "running"
	CrowdCompleted CrowdTaskStatus = "completed"
	CrowdBlocked   CrowdTaskStatus = "blocked"
	CrowdManual    CrowdTaskStatus = "manual"
	CrowdFailed    CrowdTaskStatus = "failed"
)

// IsActive reports whether a worker holds or may pick the task.
func (s CrowdTaskStatus) IsActive() bool {
	return s == CrowdQueued || s == CrowdRunning
}

// CountsTowardNeed lists statuses that fill one of a node's crowd slots.
var CountsTowardNeed = []CrowdTaskStatus{CrowdPlanned, CrowdQueued, CrowdRunning, CrowdCompleted}

// ClaimableCrowdStatuses are the prior states a crowd claim accepts.
var ClaimableCrowdStatuses = []CrowdTaskStatus{CrowdQueued}

// Deep-check collaborator result statuses.
const (
	DeepCheckSuccess = "success"
	DeepCheckPartial = "partial"
	DeepCheckBlocked = "blocked"
	DeepCheckNoForm  = "no_form"
	DeepCheckSkipped = "skipped"
	DeepCheckFailed  = "failed"
)

// MapDeepCheckStatus maps a collaborator result onto the task's terminal
// status. needsReview is set for success and partial outcomes.
func MapDeepCheckStatus(status string) (next CrowdTaskStatus, needsReview bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case DeepCheckSuccess, DeepCheckPartial:
		return CrowdCompleted, true
	case DeepCheckBlocked:
		return CrowdBlocked, false
	case DeepCheckNoForm, DeepCheckSkipped:
		return CrowdManual, false
	default:
		return CrowdFailed, false
	}
}

// Identity is the synthesized sender used for a crowd submission.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Token string `json:"token"`
}

// CrowdLinkRef is the subset of a crowd link copied into the payload.
type CrowdLinkRef struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Domain   string `json:"domain"`
	Language string `json:"language,omitempty"`
	Region   string `json:"region,omitempty"`
}

// CrowdResult is the deep-check collaborator's report.
type CrowdResult struct {
	Status          string    `json:"status"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	ResponseExcerpt string    `json:"response_excerpt,omitempty"`
	MessageExcerpt  string    `json:"message_excerpt,omitempty"`
	EvidenceURL     string    `json:"evidence_url,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	CheckedAt       time.Time `json:"checked_at"`
}

// CrowdTaskPayload is the typed state of a crowd task, persisted as JSON.
type CrowdTaskPayload struct {
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	Language       string        `json:"language"`
	Anchor         string        `json:"anchor"`
	PromotedURL    string        `json:"promoted_url"`
	Identity       Identity      `json:"identity"`
	Link           *CrowdLinkRef `json:"link"`
	ManualFallback bool          `json:"manual_fallback"`
	NeedsReview    bool          `json:"needs_review,omitempty"`
	Error          string        `json:"error,omitempty"`
	Result         *CrowdResult  `json:"result,omitempty"`
}

// Value implements driver.Valuer.
func (p CrowdTaskPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal crowd payload: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (p *CrowdTaskPayload) Scan(src any) error {
	return scanJSON(src, p)
}

// CrowdTask is one crowd submission attempt for a leaf node.
type CrowdTask struct {
	ID          int64            `db:"id"            json:"id"`
	RunID       int64            `db:"run_id"        json:"run_id"`
	NodeID      int64            `db:"node_id"       json:"node_id"`
	CrowdLinkID *int64           `db:"crowd_link_id" json:"crowd_link_id,omitempty"`
	TargetURL   string           `db:"target_url"    json:"target_url"`
	Status      CrowdTaskStatus  `db:"status"        json:"status"`
	Payload     CrowdTaskPayload `db:"payload"       json:"payload"`
	Attempts    int              `db:"attempts"      json:"attempts"`
	ClaimedBy   *string          `db:"claimed_by"    json:"claimed_by,omitempty"`
	CreatedAt   time.Time        `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at"    json:"updated_at"`
}

// CrowdLink is a catalogued page that accepts a submission form.
type CrowdLink struct {
	ID            int64      `db:"id"              json:"id"`
	URL           string     `db:"url"             json:"url"`
	Domain        string     `db:"domain"          json:"domain"`
	Status        string     `db:"status"          json:"status"`
	Language      string     `db:"language"        json:"language"`
	Region        string     `db:"region"          json:"region"`
	DeepStatus    string     `db:"deep_status"     json:"deep_status"`
	DeepCheckedAt *time.Time `db:"deep_checked_at" json:"deep_checked_at,omitempty"`
}

// Ref returns the payload copy of the link.
func (l CrowdLink) Ref() *CrowdLinkRef {
	return &CrowdLinkRef{
		ID:       l.ID,
		URL:      l.URL,
		Domain:   l.NormalizedDomain(),
		Language: l.Language,
		Region:   l.Region,
	}
}

// NormalizedDomain returns the link's domain, derived from the URL when the
// column is empty.
func (l CrowdLink) NormalizedDomain() string {
	if l.Domain != "" {
		return NormalizeDomain(l.Domain)
	}
	return NormalizeDomain(l.URL)
}

// NormalizeDomain lowercases a host, strips scheme, port and a leading www.
func NormalizeDomain(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil {
			s = u.Host
		}
	} else if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "]") {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".")
	return strings.TrimPrefix(s, "www.")
}

// LanguageCode reduces a language tag such as "ru-RU" or "pt_BR" to its
// lowercase primary subtag.
func LanguageCode(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}

// CrowdCounts aggregates a run's crowd task statuses.
type CrowdCounts struct {
	Planned     int `db:"planned"      json:"planned"`
	Queued      int `db:"queued"       json:"queued"`
	Running     int `db:"running"      json:"running"`
	Completed   int `db:"completed"    json:"completed"`
	Blocked     int `db:"blocked"      json:"blocked"`
	Manual      int `db:"manual"       json:"manual"`
	Failed      int `db:"failed"       json:"failed"`
	NeedsReview int `db:"needs_review" json:"needs_review"`
}

// Total returns the number of tasks.
func (c CrowdCounts) Total() int {
	return c.Planned + c.Queued + c.Running + c.Completed + c.Blocked + c.Manual + c.Failed
}

// Active returns the number of tasks a worker may still touch.
func (c CrowdCounts) Active() int {
	return c.Queued + c.Running
}

// Finished returns the number of tasks that reached a worker outcome.
func (c CrowdCounts) Finished() int {
	return c.Completed + c.Blocked + c.Manual + c.Failed
}

// ByStatus returns the counts keyed by status name.
func (c CrowdCounts) ByStatus() map[string]int {
	return map[string]int{
		string(CrowdPlanned):   c.Planned,
		string(CrowdQueued):    c.Queued,
		string(CrowdRunning):   c.Running,
		string(CrowdCompleted): c.Completed,
		string(CrowdBlocked):   c.Blocked,
		string(CrowdManual):    c.Manual,
		string(CrowdFailed):    c.Failed,
	}
}
