package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus is the lifecycle of one cascade article.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSuccess   NodeStatus = "success"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node will not change any more.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeSuccess || s == NodeFailed || s == NodeCancelled
}

// MaxAncestors bounds the ancestor trail carried by each node.
const MaxAncestors = 6

// Ancestor is a snapshot of one node above this one in the cascade.
type Ancestor struct {
	NodeID int64  `json:"node_id"`
	Level  int    `json:"level"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Anchor string `json:"anchor,omitempty"`
}

// AncestorTrail is ordered root first.
type AncestorTrail []Ancestor

// Extend returns a new trail with a appended, keeping the newest MaxAncestors.
func (t AncestorTrail) Extend(a Ancestor) AncestorTrail {
	out := make(AncestorTrail, 0, len(t)+1)
	out = append(out, t...)
	out = append(out, a)
	if len(out) > MaxAncestors {
		out = out[len(out)-MaxAncestors:]
	}
	return out
}

// Value implements driver.Valuer.
func (t AncestorTrail) Value() (driver.Value, error) {
	if t == nil {
		t = AncestorTrail{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal ancestors: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (t *AncestorTrail) Scan(src any) error {
	return scanJSON(src, t)
}

// Node is one article of the cascade.
type Node struct {
	ID             int64         `db:"id"              json:"id"`
	RunID          int64         `db:"run_id"          json:"run_id"`
	Level          int           `db:"level"           json:"level"`
	ParentID       *int64        `db:"parent_id"       json:"parent_id,omitempty"`
	TargetURL      string        `db:"target_url"      json:"target_url"`
	Anchor         string        `db:"anchor"          json:"anchor"`
	NetworkSlug    string        `db:"network_slug"    json:"network_slug"`
	Status         NodeStatus    `db:"status"          json:"status"`
	ResultURL      *string       `db:"result_url"      json:"result_url,omitempty"`
	PublicationRef *string       `db:"publication_ref" json:"publication_ref,omitempty"`
	ArticleTitle   *string       `db:"article_title"   json:"article_title,omitempty"`
	Ancestors      AncestorTrail `db:"ancestors"       json:"ancestors"`
	MinLength      int           `db:"min_length"      json:"min_length"`
	MaxLength      int           `db:"max_length"      json:"max_length"`
	Attempts       int           `db:"attempts"        json:"attempts"`
	ErrorMessage   *string       `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time     `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"      json:"updated_at"`
}

// AsAncestor snapshots a successful node for its children's trail.
func (n *Node) AsAncestor() Ancestor {
	a := Ancestor{NodeID: n.ID, Level: n.Level, Anchor: n.Anchor}
	if n.ResultURL != nil {
		a.URL = *n.ResultURL
	}
	if n.ArticleTitle != nil {
		a.Title = *n.ArticleTitle
	}
	return a
}

// NewRootNode creates a level-1 node pointing at the run's money page.
func NewRootNode(r *Run, network string) *Node {
	plan := r.Settings.Level(1)
	return &Node{
		RunID:       r.ID,
		Level:       1,
		TargetURL:   r.TargetURL,
		Anchor:      r.Anchor,
		NetworkSlug: network,
		Status:      NodePending,
		Ancestors:   AncestorTrail{},
		MinLength:   plan.MinLength,
		MaxLength:   plan.MaxLength,
	}
}

// NewChildNode creates a node one level below parent, linking to the
// parent's published article.
func NewChildNode(r *Run, parent *Node, network string) (*Node, error) {
	if parent.Status != NodeSuccess || parent.ResultURL == nil || *parent.ResultURL == "" {
		return nil, fmt.Errorf("parent node %d has no published result", parent.ID)
	}
	level := parent.Level + 1
	if level > MaxLevel {
		return nil, fmt.Errorf("level %d exceeds max level %d", level, MaxLevel)
	}
	plan := r.Settings.Level(level)
	anchor := r.Anchor
	if parent.ArticleTitle != nil && *parent.ArticleTitle != "" {
		anchor = *parent.ArticleTitle
	}
	parentID := parent.ID
	return &Node{
		RunID:       r.ID,
		Level:       level,
		ParentID:    &parentID,
		TargetURL:   *parent.ResultURL,
		Anchor:      anchor,
		NetworkSlug: network,
		Status:      NodePending,
		Ancestors:   parent.Ancestors.Extend(parent.AsAncestor()),
		MinLength:   plan.MinLength,
		MaxLength:   plan.MaxLength,
	}, nil
}

// LevelCounts aggregates node statuses of one level.
type LevelCounts struct {
	Level   int `db:"level"     json:"level"`
	Total   int `db:"total"     json:"total"`
	Pending int `db:"pending"   json:"pending"`
	Queued  int `db:"queued"    json:"queued"`
	Running int `db:"running"   json:"running"`
	Success int `db:"success"   json:"success"`
	Failed  int `db:"failed"    json:"failed"`
	Cancel  int `db:"cancelled" json:"cancelled"`
}

// Terminal returns the number of nodes in a terminal status.
func (c LevelCounts) Terminal() int {
	return c.Success + c.Failed + c.Cancel
}

// AllTerminal reports whether every node of the level has finished.
// An empty level is complete.
func (c LevelCounts) AllTerminal() bool {
	return c.Terminal() == c.Total
}

// PublicationJob is the payload handed to the external publisher.
type PublicationJob struct {
	NodeID    int64         `json:"node_id"`
	RunID     int64         `json:"run_id"`
	Level     int           `json:"level"`
	Network   string        `json:"network"`
	TargetURL string        `json:"target_url"`
	Anchor    string        `json:"anchor"`
	Language  string        `json:"language"`
	Region    string        `json:"region,omitempty"`
	Topic     string        `json:"topic,omitempty"`
	MinLength int           `json:"min_length"`
	MaxLength int           `json:"max_length"`
	ParentURL string        `json:"parent_url,omitempty"`
	Ancestors AncestorTrail `json:"ancestors"`
	QueuedAt  time.Time     `json:"queued_at"`
}

// NewPublicationJob builds the external job for a node of run r.
func NewPublicationJob(r *Run, n *Node, now time.Time) PublicationJob {
	job := PublicationJob{
		NodeID:    n.ID,
		RunID:     r.ID,
		Level:     n.Level,
		Network:   n.NetworkSlug,
		TargetURL: n.TargetURL,
		Anchor:    n.Anchor,
		Language:  r.Language,
		Region:    r.Region,
		Topic:     r.Topic,
		MinLength: n.MinLength,
		MaxLength: n.MaxLength,
		Ancestors: n.Ancestors,
		QueuedAt:  now.UTC(),
	}
	if n.Level > 1 {
		job.ParentURL = n.TargetURL
	}
	if job.Ancestors == nil {
		job.Ancestors = AncestorTrail{}
	}
	return job
}

// PublicationResult is what the external publisher reports back.
type PublicationResult struct {
	Success        bool   `json:"success"`
	ResultURL      string `json:"result_url"`
	PublicationRef string `json:"publication_ref"`
	Title          string `json:"title"`
	Error          string `json:"error"`
}
