package crowd

import (
	"sort"
	"strings"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

const (
	scoreLanguageExact   = 100
	scoreEnglishFallback = 40
	scoreRegionExact     = 20
)

func linkScore(l domain.CrowdLink, language, region string) int {
	score := 0
	lang := domain.LanguageCode(l.Language)
	switch want := domain.LanguageCode(language); {
	case want != "" && lang == want:
		score += scoreLanguageExact
	case lang == "en":
		score += scoreEnglishFallback
	}
	if region != "" && strings.EqualFold(strings.TrimSpace(l.Region), region) {
		score += scoreRegionExact
	}
	return score
}

// RankLinks orders links for a project: exact language first, English as
// a soft fallback, then region match, then most recently verified, then id.
// The input slice is not modified.
func RankLinks(links []domain.CrowdLink, language, region string) []domain.CrowdLink {
	out := make([]domain.CrowdLink, len(links))
	copy(out, links)
	scores := make(map[int64]int, len(out))
	for _, l := range out {
		scores[l.ID] = linkScore(l, language, region)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		switch {
		case a.DeepCheckedAt != nil && b.DeepCheckedAt == nil:
			return true
		case a.DeepCheckedAt == nil && b.DeepCheckedAt != nil:
			return false
		case a.DeepCheckedAt != nil && !a.DeepCheckedAt.Equal(*b.DeepCheckedAt):
			return a.DeepCheckedAt.After(*b.DeepCheckedAt)
		}
		return a.ID < b.ID
	})
	return out
}
