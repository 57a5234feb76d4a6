// Package consistency runs rule-based health checks over the product catalog
// and raises alerts for problems it finds. Checks are deterministic and make
// no oracle calls; the only network activity is the optional link probe.
package consistency

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
)

// Report summarizes one consistency run.
type Report struct {
	Checked       int                      `json:"checked"`
	Alerts        []model.ConsistencyAlert `json:"alerts"`
	Count         int                      `json:"count"`
	CriticalCount int                      `json:"critical_count"`
}

// Engine evaluates consistency checks against stored products.
type Engine struct {
	store  store.Store
	client *http.Client
	cfg    config.ConsistencyConfig

	// now is swappable for deterministic staleness tests.
	now func() time.Time
}

// NewEngine creates an Engine. The HTTP client is used only for link probes
// and never follows redirects, so redirect targets can be inspected.
func NewEngine(st store.Store, cfg config.ConsistencyConfig) *Engine {
	timeout := time.Duration(cfg.LinkTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		store: st,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg: cfg,
		now: time.Now,
	}
}

// CheckAll runs every check over all active products.
func (e *Engine) CheckAll(ctx context.Context) (*Report, error) {
	products, err := e.store.ListActiveProducts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "consistency: list products")
	}

	report := &Report{Checked: len(products)}
	for i := range products {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		alerts, err := e.checkOne(ctx, &products[i])
		if err != nil {
			return nil, err
		}
		report.Alerts = append(report.Alerts, alerts...)
	}
	report.Count = len(report.Alerts)
	report.CriticalCount = countCritical(report.Alerts)

	zap.L().Info("consistency run complete",
		zap.Int("checked", report.Checked),
		zap.Int("alerts", len(report.Alerts)),
		zap.Int("critical", report.CriticalCount),
	)
	return report, nil
}

// CheckProduct runs every check against a single product.
func (e *Engine) CheckProduct(ctx context.Context, productID string) (*Report, error) {
	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, eris.Wrap(err, "consistency: load product")
	}

	alerts, err := e.checkOne(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Report{
		Checked:       1,
		Alerts:        alerts,
		Count:         len(alerts),
		CriticalCount: countCritical(alerts),
	}, nil
}

func (e *Engine) checkOne(ctx context.Context, p *model.Product) ([]model.ConsistencyAlert, error) {
	var out []model.ConsistencyAlert

	findings := []*finding{
		e.checkStaleness(p),
		e.checkMissingData(p),
		e.checkVerificationFailure(p),
	}
	if f, err := e.checkPriceDeviation(ctx, p); err != nil {
		return nil, err
	} else if f != nil {
		findings = append(findings, f)
	}
	if !e.cfg.SkipLinkCheck {
		findings = append(findings, e.checkLinks(ctx, p)...)
	}

	for _, f := range findings {
		if f == nil {
			continue
		}
		saved, err := e.store.UpsertActiveAlert(ctx, model.ConsistencyAlert{
			EntityID:  p.ID,
			AlertType: f.alertType,
			Severity:  f.severity,
			Message:   f.message,
			Details:   f.details,
			Status:    model.AlertActive,
		})
		if err != nil {
			return nil, eris.Wrap(err, "consistency: upsert alert")
		}
		out = append(out, *saved)
	}
	return out, nil
}

// finding is an internal check result before persistence.
type finding struct {
	alertType model.AlertType
	severity  model.Severity
	message   string
	details   map[string]any
}

func countCritical(alerts []model.ConsistencyAlert) int {
	n := 0
	for _, a := range alerts {
		if a.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}
