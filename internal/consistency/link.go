package consistency

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/resilience"
)

// checkLinks probes the product's URLs with HEAD requests. A probe failure
// never fails the run; it produces an alert instead. Severity depends on what
// the probe found:
//
//	network error                 high   (URL unreachable)
//	redirect to a different host  low    (page moved, likely still valid)
//	any other non-2xx             medium
func (e *Engine) checkLinks(ctx context.Context, p *model.Product) []*finding {
	var out []*finding
	for field, link := range map[string]string{
		"product_url":  p.ProductURL,
		"document_url": p.DocumentURL,
	} {
		if link == "" {
			continue
		}
		if f := e.probeLink(ctx, field, link); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (e *Engine) probeLink(ctx context.Context, field, link string) *finding {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return &finding{
			alertType: model.AlertBrokenLink,
			severity:  model.SeverityMedium,
			message:   fmt.Sprintf("%s is not a valid URL", field),
			details:   map[string]any{"field": field, "url": link, "error": err.Error()},
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		zap.L().Debug("link probe failed", zap.String("url", link), zap.Error(err))
		return &finding{
			alertType: model.AlertBrokenLink,
			severity:  model.SeverityHigh,
			message:   fmt.Sprintf("%s is unreachable", field),
			details:   map[string]any{"field": field, "url": link, "error": err.Error()},
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if sameHost(link, location) {
			return nil
		}
		return &finding{
			alertType: model.AlertBrokenLink,
			severity:  model.SeverityLow,
			message:   fmt.Sprintf("%s redirects to a different host", field),
			details:   map[string]any{"field": field, "url": link, "location": location, "status": resp.StatusCode},
		}
	default:
		return &finding{
			alertType: model.AlertBrokenLink,
			severity:  model.SeverityMedium,
			message:   fmt.Sprintf("%s returned status %d", field, resp.StatusCode),
			details: map[string]any{
				"field":     field,
				"url":       link,
				"status":    resp.StatusCode,
				"transient": resilience.IsTransientHTTPStatus(resp.StatusCode),
			},
		}
	}
}

func sameHost(original, location string) bool {
	if location == "" {
		return false
	}
	o, err := url.Parse(original)
	if err != nil {
		return false
	}
	l, err := url.Parse(location)
	if err != nil {
		return false
	}
	// Relative redirects stay on the same host.
	if l.Host == "" {
		return true
	}
	return o.Host == l.Host
}
