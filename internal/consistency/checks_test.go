package consistency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeCatalog serves products and records upserted alerts.
type fakeCatalog struct {
	store.Store
	products []model.Product
	alerts   []model.ConsistencyAlert
}

func (f *fakeCatalog) ListActiveProducts(_ context.Context) ([]model.Product, error) {
	return f.products, nil
}

func (f *fakeCatalog) GetProduct(_ context.Context, id string) (*model.Product, error) {
	for i := range f.products {
		if f.products[i].ID == id {
			return &f.products[i], nil
		}
	}
	return nil, assert.AnError
}

func (f *fakeCatalog) ListPeers(_ context.Context, provider, category, excludeID string) ([]model.Product, error) {
	var out []model.Product
	for _, p := range f.products {
		if p.ID != excludeID && p.Provider == provider && p.Category == category {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) UpsertActiveAlert(_ context.Context, a model.ConsistencyAlert) (*model.ConsistencyAlert, error) {
	// Mirrors the store's conditional write: one active alert per pair.
	for i := range f.alerts {
		if f.alerts[i].EntityID == a.EntityID && f.alerts[i].AlertType == a.AlertType {
			f.alerts[i].Severity = a.Severity
			f.alerts[i].Message = a.Message
			f.alerts[i].Details = a.Details
			return &f.alerts[i], nil
		}
	}
	a.ID = "alert-" + a.EntityID + "-" + string(a.AlertType)
	a.Status = model.AlertActive
	f.alerts = append(f.alerts, a)
	return &f.alerts[len(f.alerts)-1], nil
}

func testEngine(st store.Store) *Engine {
	e := NewEngine(st, config.ConsistencyConfig{SkipLinkCheck: true})
	e.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func fullProduct(id string, verifiedDaysAgo int) model.Product {
	price := 25.0
	verified := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, -verifiedDaysAgo)
	return model.Product{
		ID:              id,
		Name:            "Dental Plus",
		Provider:        "Allianz",
		Category:        "health",
		Price:           &price,
		CoverageSummary: "Covers dental and vision.",
		Benefits:        []string{"dental", "vision"},
		ProductURL:      "https://example.com/p/" + id,
		Active:          true,
		LastVerifiedAt:  &verified,
		CreatedAt:       verified,
	}
}

func findAlert(alerts []model.ConsistencyAlert, at model.AlertType) *model.ConsistencyAlert {
	for i := range alerts {
		if alerts[i].AlertType == at {
			return &alerts[i]
		}
	}
	return nil
}

func TestCheckStaleness_Boundaries(t *testing.T) {
	cases := []struct {
		days int
		want model.Severity // empty = no alert
	}{
		{days: 30, want: ""},
		{days: 31, want: model.SeverityMedium},
		{days: 60, want: model.SeverityMedium},
		{days: 61, want: model.SeverityHigh},
		{days: 90, want: model.SeverityHigh},
		{days: 91, want: model.SeverityCritical},
	}

	e := testEngine(&fakeCatalog{})
	for _, tc := range cases {
		p := fullProduct("p1", tc.days)
		f := e.checkStaleness(&p)
		if tc.want == "" {
			assert.Nil(t, f, "age %d days", tc.days)
			continue
		}
		require.NotNil(t, f, "age %d days", tc.days)
		assert.Equal(t, tc.want, f.severity, "age %d days", tc.days)
	}
}

func TestCheckStaleness_FallsBackToCreatedAt(t *testing.T) {
	e := testEngine(&fakeCatalog{})
	p := fullProduct("p1", 0)
	p.LastVerifiedAt = nil
	p.CreatedAt = e.now().AddDate(0, 0, -100)

	f := e.checkStaleness(&p)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityCritical, f.severity)
}

func TestCheckMissingData(t *testing.T) {
	e := testEngine(&fakeCatalog{})

	complete := fullProduct("p1", 0)
	assert.Nil(t, e.checkMissingData(&complete))

	one := fullProduct("p2", 0)
	one.Price = nil
	f := e.checkMissingData(&one)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityMedium, f.severity)

	three := fullProduct("p3", 0)
	three.Price = nil
	three.CoverageSummary = "  "
	three.Benefits = nil
	f = e.checkMissingData(&three)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityHigh, f.severity)
}

func TestCheckMissingData_EitherURLSuffices(t *testing.T) {
	e := testEngine(&fakeCatalog{})
	p := fullProduct("p1", 0)
	p.ProductURL = ""
	p.DocumentURL = "https://example.com/doc.pdf"
	assert.Nil(t, e.checkMissingData(&p))

	p.DocumentURL = ""
	f := e.checkMissingData(&p)
	require.NotNil(t, f)
	assert.Contains(t, f.details["missing_fields"], "url")
}

func TestCheckPriceDeviation(t *testing.T) {
	peer1 := fullProduct("peer1", 0)
	peer2 := fullProduct("peer2", 0)
	p1 := 100.0
	p2 := 100.0
	peer1.Price, peer2.Price = &p1, &p2

	st := &fakeCatalog{products: []model.Product{peer1, peer2}}
	e := testEngine(st)

	subject := fullProduct("subject", 0)

	// 151 vs mean 100 is a 51% deviation.
	price := 151.0
	subject.Price = &price
	f, err := e.checkPriceDeviation(context.Background(), &subject)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityMedium, f.severity)

	// 250 vs mean 100 exceeds 100%.
	price = 250.0
	f, err = e.checkPriceDeviation(context.Background(), &subject)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityHigh, f.severity)

	// Within range.
	price = 100.0
	f, err = e.checkPriceDeviation(context.Background(), &subject)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestCheckPriceDeviation_NeedsTwoPeers(t *testing.T) {
	peer := fullProduct("peer1", 0)
	st := &fakeCatalog{products: []model.Product{peer}}
	e := testEngine(st)

	subject := fullProduct("subject", 0)
	price := 9999.0
	subject.Price = &price

	f, err := e.checkPriceDeviation(context.Background(), &subject)
	require.NoError(t, err)
	assert.Nil(t, f, "a single peer is not a baseline")
}

func TestCheckVerificationFailure(t *testing.T) {
	e := testEngine(&fakeCatalog{})

	clean := fullProduct("p1", 0)
	assert.Nil(t, e.checkVerificationFailure(&clean))

	failed := fullProduct("p2", 0)
	failed.VerificationError = "document fetch returned 404"
	f := e.checkVerificationFailure(&failed)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityHigh, f.severity)
}

func TestCheckAll_UpsertsNotStacks(t *testing.T) {
	stale := fullProduct("p1", 45)
	st := &fakeCatalog{products: []model.Product{stale}}
	e := testEngine(st)

	_, err := e.CheckAll(context.Background())
	require.NoError(t, err)
	_, err = e.CheckAll(context.Background())
	require.NoError(t, err)

	count := 0
	for _, a := range st.alerts {
		if a.AlertType == model.AlertOutdated && a.EntityID == "p1" {
			count++
		}
	}
	assert.Equal(t, 1, count, "re-running a check must update, not stack")
}

func TestCheckProduct_ReportCounts(t *testing.T) {
	p := fullProduct("p1", 120)
	st := &fakeCatalog{products: []model.Product{p}}
	e := testEngine(st)

	report, err := e.CheckProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	require.NotNil(t, findAlert(report.Alerts, model.AlertOutdated))
	assert.Equal(t, len(report.Alerts), report.Count)
	assert.Equal(t, 1, report.CriticalCount)
}

func TestCheckAll_ReportCounts(t *testing.T) {
	st := &fakeCatalog{products: []model.Product{fullProduct("p1", 120)}}
	e := testEngine(st)

	report, err := e.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.NotEmpty(t, report.Alerts)
	assert.Equal(t, len(report.Alerts), report.Count)
}
