// Package network assigns publishing networks to cascade nodes.
package network

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

// ErrNoNetworks is returned when no enabled network accepts the level.
var ErrNoNetworks = errors.New("no network available for level")

// Weights tune the scoring.
type Weights struct {
	RegionExact  float64
	RegionGlobal float64
	Topic        float64
	UsePenalty   float64
	Jitter       float64
}

// DefaultWeights favours region fit over topic and makes each prior use
// outweigh a topic match.
func DefaultWeights() Weights {
	return Weights{
		RegionExact:  100,
		RegionGlobal: 40,
		Topic:        30,
		UsePenalty:   60,
		Jitter:       5,
	}
}

// Hints describe the promoted project.
type Hints struct {
	Region string
	Topic  string
}

// Selection is the result of one Pick call.
type Selection struct {
	Slugs []string
	// Relaxed is set when the repeat limit had to be lifted to fill the
	// request.
	Relaxed bool
}

// Selector scores a network catalog. It is not safe for concurrent use
// because the jitter source is shared.
type Selector struct {
	catalog []domain.Network
	weights Weights
	jitter  func() float64
}

// Option configures a Selector.
type Option func(*Selector)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option {
	return func(s *Selector) { s.weights = w }
}

// WithJitter replaces the random source; f returns values in [0, 1).
func WithJitter(f func() float64) Option {
	return func(s *Selector) { s.jitter = f }
}

// NewSelector builds a selector over catalog.
func NewSelector(catalog []domain.Network, opts ...Option) *Selector {
	s := &Selector{
		catalog: catalog,
		weights: DefaultWeights(),
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	slug string
	base float64
}

func (s *Selector) baseScore(n domain.Network, h Hints) float64 {
	score := float64(n.Priority)
	region := strings.ToLower(strings.TrimSpace(n.Region))
	switch {
	case h.Region != "" && region == strings.ToLower(h.Region):
		score += s.weights.RegionExact
	case region == domain.RegionGlobal:
		score += s.weights.RegionGlobal
	}
	if h.Topic != "" {
		for _, t := range n.Topics {
			if strings.EqualFold(t, h.Topic) {
				score += s.weights.Topic
				break
			}
		}
	}
	return score
}

// Pick chooses count networks for level. usage maps slug to the number of
// nodes of this run already assigned to it and is updated in place.
// repeatLimit caps uses per slug (0 means unlimited). When every candidate
// is at the limit, the limit is lifted once for the rest of the call rather
// than returning fewer picks.
func (s *Selector) Pick(level, count int, hints Hints, usage map[string]int, repeatLimit int) (Selection, error) {
	if count <= 0 {
		return Selection{}, nil
	}

	var pool []candidate
	for _, n := range s.catalog {
		if n.SupportsLevel(level) {
			pool = append(pool, candidate{slug: n.Slug, base: s.baseScore(n, hints)})
		}
	}
	if len(pool) == 0 {
		return Selection{}, ErrNoNetworks
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].slug < pool[j].slug })

	sel := Selection{Slugs: make([]string, 0, count)}
	for range count {
		best, ok := s.best(pool, usage, repeatLimit, sel.Relaxed)
		if !ok {
			sel.Relaxed = true
			best, _ = s.best(pool, usage, repeatLimit, true)
		}
		usage[best]++
		sel.Slugs = append(sel.Slugs, best)
	}
	return sel, nil
}

// best returns the highest live score. Ties go to the lexically smaller
// slug because pool is sorted and only a strictly greater score replaces
// the current best.
func (s *Selector) best(pool []candidate, usage map[string]int, limit int, relaxed bool) (string, bool) {
	bestSlug := ""
	bestScore := 0.0
	found := false
	for _, c := range pool {
		used := usage[c.slug]
		if !relaxed && limit > 0 && used >= limit {
			continue
		}
		live := c.base - float64(used)*s.weights.UsePenalty + s.jitter()*s.weights.Jitter
		if !found || live > bestScore {
			bestSlug, bestScore, found = c.slug, live, true
		}
	}
	return bestSlug, found
}

// Usage counts network assignments among nodes.
func Usage(nodes []domain.Node) map[string]int {
	usage := make(map[string]int)
	for _, n := range nodes {
		usage[n.NetworkSlug]++
	}
	return usage
}
