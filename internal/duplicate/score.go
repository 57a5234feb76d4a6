package duplicate

import (
	"math"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
)

// Field weights for the deterministic fallback comparison. External IDs are
// the strongest signal since they come from the provider's own systems.
const (
	weightName       = 30
	weightProvider   = 20
	weightPrice      = 25
	weightSummary    = 25
	weightExternalID = 40
	maxScore         = 100
)

// fallbackScore compares two products without oracle help. It returns a
// similarity score in [0, 100] and the list of fields that matched.
func fallbackScore(a, b *model.Product, cfg config.DuplicateConfig) (int, []string) {
	score := 0
	var matching []string

	if na, nb := Normalize(a.Name), Normalize(b.Name); na != "" && na == nb {
		score += weightName
		matching = append(matching, "name")
	}
	if pa, pb := Normalize(a.Provider), Normalize(b.Provider); pa != "" && pa == pb {
		score += weightProvider
		matching = append(matching, "provider")
	}
	if a.Price != nil && b.Price != nil && math.Abs(*a.Price-*b.Price) <= cfg.PriceTolerance {
		score += weightPrice
		matching = append(matching, "price")
	}
	if summariesSimilar(a.CoverageSummary, b.CoverageSummary, cfg.SummaryThreshold) {
		score += weightSummary
		matching = append(matching, "coverage_summary")
	}
	if a.ExternalID != "" && a.ExternalID == b.ExternalID {
		score += weightExternalID
		matching = append(matching, "external_id")
	}

	if score > maxScore {
		score = maxScore
	}
	return score, matching
}

func summariesSimilar(a, b string, threshold float64) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	if threshold <= 0 {
		threshold = 0.8
	}
	return levenshtein.Similarity(a, b, nil) >= threshold
}
