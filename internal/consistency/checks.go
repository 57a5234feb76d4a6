package consistency

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/coverdesk/policy-cli/internal/model"
)

// checkStaleness flags products that have not been verified recently. The
// reference time is LastVerifiedAt, falling back to CreatedAt for products
// that were never verified. Severity escalates at 30, 60 and 90 days.
func (e *Engine) checkStaleness(p *model.Product) *finding {
	ref := p.CreatedAt
	if p.LastVerifiedAt != nil {
		ref = *p.LastVerifiedAt
	}
	days := int(e.now().Sub(ref).Hours() / 24)

	var sev model.Severity
	switch {
	case days > 90:
		sev = model.SeverityCritical
	case days > 60:
		sev = model.SeverityHigh
	case days > 30:
		sev = model.SeverityMedium
	default:
		return nil
	}

	return &finding{
		alertType: model.AlertOutdated,
		severity:  sev,
		message:   fmt.Sprintf("product data is %d days old", days),
		details:   map[string]any{"days_since_verified": days},
	}
}

// checkMissingData looks for gaps in the fields the catalog needs to be
// useful: price, coverage summary, benefits, and at least one of product or
// document URL. More than two gaps escalates to high.
func (e *Engine) checkMissingData(p *model.Product) *finding {
	var missing []string
	if p.Price == nil {
		missing = append(missing, "price")
	}
	if strings.TrimSpace(p.CoverageSummary) == "" {
		missing = append(missing, "coverage_summary")
	}
	if len(p.Benefits) == 0 {
		missing = append(missing, "benefits")
	}
	if p.ProductURL == "" && p.DocumentURL == "" {
		missing = append(missing, "url")
	}
	if len(missing) == 0 {
		return nil
	}

	sev := model.SeverityMedium
	if len(missing) > 2 {
		sev = model.SeverityHigh
	}
	return &finding{
		alertType: model.AlertMissingData,
		severity:  sev,
		message:   fmt.Sprintf("missing fields: %s", strings.Join(missing, ", ")),
		details:   map[string]any{"missing_fields": missing},
	}
}

// checkPriceDeviation compares a product's price to the mean of its peers
// (same provider and category). Products without a price, or with fewer than
// two priced peers, are skipped: there is no meaningful baseline.
func (e *Engine) checkPriceDeviation(ctx context.Context, p *model.Product) (*finding, error) {
	if p.Price == nil {
		return nil, nil
	}

	peers, err := e.store.ListPeers(ctx, p.Provider, p.Category, p.ID)
	if err != nil {
		return nil, eris.Wrap(err, "consistency: list peers")
	}

	var prices []float64
	for _, peer := range peers {
		if peer.Price != nil {
			prices = append(prices, *peer.Price)
		}
	}
	if len(prices) < 2 {
		return nil, nil
	}

	var sum float64
	for _, v := range prices {
		sum += v
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return nil, nil
	}

	deviation := math.Abs(*p.Price-mean) / mean
	var sev model.Severity
	switch {
	case deviation > 1.0:
		sev = model.SeverityHigh
	case deviation > 0.5:
		sev = model.SeverityMedium
	default:
		return nil, nil
	}

	return &finding{
		alertType: model.AlertStalePricing,
		severity:  sev,
		message:   fmt.Sprintf("price deviates %.0f%% from peer average", deviation*100),
		details: map[string]any{
			"price":      *p.Price,
			"peer_mean":  mean,
			"peer_count": len(prices),
			"deviation":  deviation,
		},
	}, nil
}

// checkVerificationFailure surfaces a persisted verification error as a high
// severity alert regardless of age.
func (e *Engine) checkVerificationFailure(p *model.Product) *finding {
	if p.VerificationError == "" {
		return nil
	}
	return &finding{
		alertType: model.AlertVerificationFailed,
		severity:  model.SeverityHigh,
		message:   "last verification attempt failed",
		details:   map[string]any{"error": p.VerificationError},
	}
}
