package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxLevel is the deepest cascade level.
const MaxLevel = 3

// Settings is the cascade sizing configuration. A run stores its own copy at
// creation and never re-reads the live values.
type Settings struct {
	Level1Enabled bool `json:"level1_enabled"`
	Level1Count   int  `json:"level1_count"`
	Level1MinLen  int  `json:"level1_min_len"`
	Level1MaxLen  int  `json:"level1_max_len"`

	Level2Enabled   bool `json:"level2_enabled"`
	Level2PerLevel1 int  `json:"level2_per_level1"`
	Level2MinLen    int  `json:"level2_min_len"`
	Level2MaxLen    int  `json:"level2_max_len"`

	Level3Enabled   bool `json:"level3_enabled"`
	Level3PerLevel2 int  `json:"level3_per_level2"`
	Level3MinLen    int  `json:"level3_min_len"`
	Level3MaxLen    int  `json:"level3_max_len"`

	CrowdEnabled       bool `json:"crowd_enabled"`
	CrowdPerArticle    int  `json:"crowd_per_article"`
	NetworkRepeatLimit int  `json:"network_repeat_limit"`
}

// LevelPlan describes how one cascade level is generated.
type LevelPlan struct {
	Level   int
	Enabled bool
	// FanOut is the total node count for level 1 and the per-parent count
	// for deeper levels.
	FanOut    int
	MinLength int
	MaxLength int
}

// Level returns the plan for level n (1..MaxLevel). Unknown levels are disabled.
func (s Settings) Level(n int) LevelPlan {
	switch n {
	case 1:
		return LevelPlan{Level: 1, Enabled: s.Level1Enabled, FanOut: s.Level1Count, MinLength: s.Level1MinLen, MaxLength: s.Level1MaxLen}
	case 2:
		return LevelPlan{Level: 2, Enabled: s.Level2Enabled, FanOut: s.Level2PerLevel1, MinLength: s.Level2MinLen, MaxLength: s.Level2MaxLen}
	case 3:
		return LevelPlan{Level: 3, Enabled: s.Level3Enabled, FanOut: s.Level3PerLevel2, MinLength: s.Level3MinLen, MaxLength: s.Level3MaxLen}
	default:
		return LevelPlan{Level: n}
	}
}

// DeepestEnabledLevel returns the deepest enabled level, or 0 when none is.
func (s Settings) DeepestEnabledLevel() int {
	deepest := 0
	for n := 1; n <= MaxLevel; n++ {
		if !s.Level(n).Enabled {
			break
		}
		deepest = n
	}
	return deepest
}

// CrowdRequired reports whether the crowd phase has anything to do.
func (s Settings) CrowdRequired() bool {
	return s.CrowdEnabled && s.CrowdPerArticle > 0
}

// Value implements driver.Valuer so Settings persists as JSONB.
func (s Settings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (s *Settings) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("unsupported JSON column type")
	}
}
