// Package settings resolves cascade sizing from built-in defaults, the
// service configuration and the promotion_settings table.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

// Store reads persisted raw setting values.
type Store interface {
	SettingValues(ctx context.Context) (map[string]string, error)
}

type intRule struct {
	def, min, max int
	set           func(*domain.Settings, int)
}

type boolRule struct {
	def bool
	set func(*domain.Settings, bool)
}

var intRules = map[string]intRule{
	"level1_count":         {5, 1, 50, func(s *domain.Settings, v int) { s.Level1Count = v }},
	"level1_min_len":       {2000, 200, 20000, func(s *domain.Settings, v int) { s.Level1MinLen = v }},
	"level1_max_len":       {3200, 200, 20000, func(s *domain.Settings, v int) { s.Level1MaxLen = v }},
	"level2_per_level1":    {3, 0, 10, func(s *domain.Settings, v int) { s.Level2PerLevel1 = v }},
	"level2_min_len":       {1200, 200, 20000, func(s *domain.Settings, v int) { s.Level2MinLen = v }},
	"level2_max_len":       {2000, 200, 20000, func(s *domain.Settings, v int) { s.Level2MaxLen = v }},
	"level3_per_level2":    {2, 0, 10, func(s *domain.Settings, v int) { s.Level3PerLevel2 = v }},
	"level3_min_len":       {800, 200, 20000, func(s *domain.Settings, v int) { s.Level3MinLen = v }},
	"level3_max_len":       {1400, 200, 20000, func(s *domain.Settings, v int) { s.Level3MaxLen = v }},
	"crowd_per_article":    {3, 0, 50, func(s *domain.Settings, v int) { s.CrowdPerArticle = v }},
	"network_repeat_limit": {2, 0, 100, func(s *domain.Settings, v int) { s.NetworkRepeatLimit = v }},
}

var boolRules = map[string]boolRule{
	"level1_enabled": {true, func(s *domain.Settings, v bool) { s.Level1Enabled = v }},
	"level2_enabled": {true, func(s *domain.Settings, v bool) { s.Level2Enabled = v }},
	"level3_enabled": {false, func(s *domain.Settings, v bool) { s.Level3Enabled = v }},
	"crowd_enabled":  {true, func(s *domain.Settings, v bool) { s.CrowdEnabled = v }},
}

// BuiltinDefaults returns the compiled-in cascade sizing.
func BuiltinDefaults() domain.Settings {
	var s domain.Settings
	for _, r := range intRules {
		r.set(&s, r.def)
	}
	for _, r := range boolRules {
		r.set(&s, r.def)
	}
	return s
}

// Apply overlays raw values onto base. Unknown keys are ignored and values
// that fail to parse or fall outside their range keep the base value. It
// returns the keys that were rejected.
func Apply(base domain.Settings, values map[string]string) (domain.Settings, []string) {
	out := base
	var rejected []string
	for key, raw := range values {
		raw = strings.TrimSpace(raw)
		if r, ok := intRules[key]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil || v < r.min || v > r.max {
				rejected = append(rejected, key)
				continue
			}
			r.set(&out, v)
			continue
		}
		if r, ok := boolRules[key]; ok {
			v, ok := parseBool(raw)
			if !ok {
				rejected = append(rejected, key)
				continue
			}
			r.set(&out, v)
		}
	}
	return Normalize(out), rejected
}

// Normalize swaps inverted length ranges and disables every level below a
// disabled one, since a level needs parents from the level above.
func Normalize(s domain.Settings) domain.Settings {
	if s.Level1MinLen > s.Level1MaxLen {
		s.Level1MinLen, s.Level1MaxLen = s.Level1MaxLen, s.Level1MinLen
	}
	if s.Level2MinLen > s.Level2MaxLen {
		s.Level2MinLen, s.Level2MaxLen = s.Level2MaxLen, s.Level2MinLen
	}
	if s.Level3MinLen > s.Level3MaxLen {
		s.Level3MinLen, s.Level3MaxLen = s.Level3MaxLen, s.Level3MinLen
	}
	if !s.Level1Enabled {
		s.Level2Enabled = false
	}
	if !s.Level2Enabled {
		s.Level3Enabled = false
	}
	return s
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off", "":
		return false, true
	default:
		return false, false
	}
}

// Provider resolves settings once per instance. Callers receive value
// copies, so a snapshot taken for a run never changes afterwards.
type Provider struct {
	store    Store
	defaults domain.Settings
	log      logger.Logger

	mu      sync.Mutex
	loaded  bool
	current domain.Settings
}

// NewProvider builds a provider. overrides come from the service config and
// apply on top of the built-in defaults before persisted values do.
func NewProvider(store Store, overrides map[string]string, log logger.Logger) *Provider {
	defaults, rejected := Apply(BuiltinDefaults(), overrides)
	if len(rejected) > 0 {
		log.Warn("Ignoring invalid configured promotion defaults", logger.Strings("keys", rejected))
	}
	return &Provider{store: store, defaults: defaults, log: log}
}

// Defaults returns the validated defaults without consulting the store.
func (p *Provider) Defaults() domain.Settings {
	return p.defaults
}

// Current returns the resolved settings, loading them on first use. A store
// failure returns the defaults with the error and is retried on the next
// call; only a successful load is cached.
func (p *Provider) Current(ctx context.Context) (domain.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.current, nil
	}
	if p.store == nil {
		p.current, p.loaded = p.defaults, true
		return p.current, nil
	}
	values, err := p.store.SettingValues(ctx)
	if err != nil {
		return p.defaults, err
	}
	current, rejected := Apply(p.defaults, values)
	if len(rejected) > 0 {
		p.log.Warn("Ignoring invalid persisted promotion settings", logger.Strings("keys", rejected))
	}
	p.current, p.loaded = current, true
	return p.current, nil
}
