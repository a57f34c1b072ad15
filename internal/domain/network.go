package domain

import "slices"

// RegionGlobal marks a network that accepts content for any region.
const RegionGlobal = "global"

// Network is a third-party publishing destination.
type Network struct {
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Levels   []int    `json:"levels"`
	Region   string   `json:"region"`
	Topics   []string `json:"topics"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
}

// SupportsLevel reports whether the network may host level n articles.
// A network without explicit levels accepts all of them.
func (n Network) SupportsLevel(level int) bool {
	if !n.Enabled {
		return false
	}
	if len(n.Levels) == 0 {
		return true
	}
	return slices.Contains(n.Levels, level)
}
