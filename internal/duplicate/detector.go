// Package duplicate finds likely duplicate products in the catalog. Each
// candidate pair is compared once: oracle-assisted when available, falling
// back to a deterministic field-weight score when the oracle is disabled or
// returns something unusable.
package duplicate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/extract"
	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
	"github.com/coverdesk/policy-cli/pkg/oracle"
)

const compareSystemPrompt = `You compare two insurance products and decide whether they are the same underlying product listed twice. Respond with JSON only, no prose:
{"similarity_score": <0-100>, "matching_fields": [<field names>], "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const comparePromptTemplate = `Product A:
%s

Product B:
%s

Are these the same insurance product? Consider name variants, provider legal forms, price, and coverage wording.`

// Report summarizes one duplicate detection run for a product.
type Report struct {
	ProductID      string                     `json:"product_id"`
	Compared       int                        `json:"compared"`
	Detections     []model.DuplicateDetection `json:"detections"`
	HighConfidence int                        `json:"high_confidence"`
}

// Detector runs duplicate detection against the catalog.
type Detector struct {
	store     store.Store
	oracle    oracle.Client
	oracleCfg config.OracleConfig
	cfg       config.DuplicateConfig
	limiter   *rate.Limiter
}

// NewDetector creates a Detector. The rate limiter spaces oracle comparisons
// so a large catalog sweep cannot burst the API.
func NewDetector(st store.Store, oc oracle.Client, oracleCfg config.OracleConfig, cfg config.DuplicateConfig) *Detector {
	perSec := cfg.OracleRatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	return &Detector{
		store:     st,
		oracle:    oc,
		oracleCfg: oracleCfg,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(perSec), 1),
	}
}

// Detect compares the given product against its peers (same provider and
// category, excluding itself). Pairs with a score at or above the persist
// threshold are stored; at or above the flag threshold the product is
// additionally marked as a duplicate of the best match.
func (d *Detector) Detect(ctx context.Context, productID string) (*Report, error) {
	p, err := d.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, eris.Wrap(err, "duplicate: load product")
	}

	candidates, err := d.store.ListPeers(ctx, p.Provider, p.Category, p.ID)
	if err != nil {
		return nil, eris.Wrap(err, "duplicate: list candidates")
	}

	report := &Report{ProductID: p.ID}
	var bestID string
	bestScore := 0

	for i := range candidates {
		c := &candidates[i]
		if c.IsDuplicate {
			continue
		}

		exists, err := d.store.DetectionExists(ctx, p.ID, c.ID)
		if err != nil {
			return nil, eris.Wrap(err, "duplicate: check existing detection")
		}
		if exists {
			continue
		}

		report.Compared++
		score, fields, confidence, reasoning := d.compare(ctx, p, c)
		if score < d.cfg.PersistThreshold {
			continue
		}

		status := model.DetectionPending
		if score >= d.cfg.FlagThreshold {
			status = model.DetectionConfirmed
			report.HighConfidence++
		}

		det, err := d.store.CreateDetection(ctx, model.DuplicateDetection{
			ProductID:          p.ID,
			DuplicateProductID: c.ID,
			SimilarityScore:    score,
			MatchingFields:     fields,
			Confidence:         confidence,
			Reasoning:          reasoning,
			Status:             status,
		})
		if err != nil {
			return nil, eris.Wrap(err, "duplicate: persist detection")
		}
		report.Detections = append(report.Detections, *det)

		if score >= d.cfg.FlagThreshold && score > bestScore {
			bestScore = score
			bestID = c.ID
		}
	}

	if bestID != "" {
		if err := d.store.MarkDuplicate(ctx, p.ID, bestID); err != nil {
			return nil, eris.Wrap(err, "duplicate: flag product")
		}
		zap.L().Info("product flagged as duplicate",
			zap.String("product_id", p.ID),
			zap.String("duplicate_of", bestID),
			zap.Int("score", bestScore),
		)
	}

	return report, nil
}

// compare scores one candidate pair. The oracle path is attempted first; any
// failure there degrades to the deterministic fallback rather than aborting
// the run.
func (d *Detector) compare(ctx context.Context, a, b *model.Product) (int, []string, float64, string) {
	if d.cfg.DisableOracleMatch || d.oracle == nil {
		score, fields := fallbackScore(a, b, d.cfg)
		return score, fields, fallbackConfidence(score), "field comparison"
	}

	if err := d.limiter.Wait(ctx); err != nil {
		score, fields := fallbackScore(a, b, d.cfg)
		return score, fields, fallbackConfidence(score), "field comparison"
	}

	temp := 0.1
	resp, err := d.oracle.Complete(ctx, oracle.Request{
		Model:       d.oracleCfg.Model,
		MaxTokens:   d.oracleCfg.MaxTokens,
		System:      compareSystemPrompt,
		Messages:    []oracle.Message{{Role: "user", Content: fmt.Sprintf(comparePromptTemplate, describeProduct(a), describeProduct(b))}},
		Temperature: &temp,
	})
	if err != nil {
		zap.L().Warn("oracle comparison failed, using field score",
			zap.String("product_id", a.ID),
			zap.String("candidate_id", b.ID),
			zap.Error(err),
		)
		score, fields := fallbackScore(a, b, d.cfg)
		return score, fields, fallbackConfidence(score), "field comparison (oracle unavailable)"
	}
	resp.Usage.LogCost(d.oracleCfg.Model, "duplicate_compare")

	res := extract.Parse(resp.Text)
	if !res.ParseSucceeded {
		score, fields := fallbackScore(a, b, d.cfg)
		return score, fields, fallbackConfidence(score), "field comparison (unparseable oracle reply)"
	}

	score, ok := intField(res.Fields, "similarity_score")
	if !ok || score < 0 || score > 100 {
		score2, fields := fallbackScore(a, b, d.cfg)
		return score2, fields, fallbackConfidence(score2), "field comparison (invalid oracle score)"
	}

	fields := stringListField(res.Fields, "matching_fields")
	confidence, ok := floatField(res.Fields, "confidence")
	if !ok || confidence < 0 || confidence > 1 {
		confidence = fallbackConfidence(score)
	}
	reasoning, _ := res.Fields["reasoning"].(string)

	return score, fields, confidence, reasoning
}

func describeProduct(p *model.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nprovider: %s\ncategory: %s\n", p.Name, p.Provider, p.Category)
	if p.Price != nil {
		fmt.Fprintf(&b, "price: %.2f\n", *p.Price)
	}
	if p.CoverageSummary != "" {
		fmt.Fprintf(&b, "coverage: %s\n", p.CoverageSummary)
	}
	if p.ExternalID != "" {
		fmt.Fprintf(&b, "external_id: %s\n", p.ExternalID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func fallbackConfidence(score int) float64 {
	return float64(score) / 100 * 0.9
}

func intField(m map[string]any, key string) (int, bool) {
	f, ok := floatField(m, key)
	return int(f), ok
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringListField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
