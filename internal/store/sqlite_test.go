package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdesk/policy-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_ProductRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	price := 19.90
	verified := time.Now().UTC().Truncate(time.Second)

	created, err := st.CreateProduct(ctx, model.Product{
		Name:            "Dental Plus",
		Provider:        "Allianz",
		Category:        "health",
		Price:           &price,
		CoverageSummary: "Covers dental implants.",
		Benefits:        []string{"dental", "vision"},
		ProductURL:      "https://example.com/p/1",
		ExternalID:      "EXT-1",
		Active:          true,
		LastVerifiedAt:  &verified,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := st.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dental Plus", got.Name)
	assert.Equal(t, []string{"dental", "vision"}, got.Benefits)
	require.NotNil(t, got.Price)
	assert.Equal(t, 19.90, *got.Price)
	assert.True(t, got.Active)
}

func TestSQLite_UpdateProductFields(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	p, err := st.CreateProduct(ctx, model.Product{Name: "Pending extraction", Category: "other", Active: true})
	require.NoError(t, err)

	err = st.UpdateProductFields(ctx, p.ID, map[string]any{
		"name":     "Dental Plus",
		"category": "health",
		"price":    22.50,
		"benefits": []string{"dental"},
	})
	require.NoError(t, err)

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dental Plus", got.Name)
	assert.Equal(t, "health", got.Category)
	require.NotNil(t, got.Price)
	assert.Equal(t, 22.50, *got.Price)
	assert.Equal(t, []string{"dental"}, got.Benefits)
}

func TestSQLite_PartialUpdateDoesNotClear(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	price := 19.90

	p, err := st.CreateProduct(ctx, model.Product{
		Name: "Dental Plus", Provider: "Allianz", Category: "health",
		Price: &price, CoverageSummary: "Covers dental.", Active: true,
	})
	require.NoError(t, err)

	// A later extraction found only the provider.
	require.NoError(t, st.UpdateProductFields(ctx, p.ID, map[string]any{"provider": "Allianz SE"}))

	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Allianz SE", got.Provider)
	require.NotNil(t, got.Price, "absent fields must keep their stored value")
	assert.Equal(t, "Covers dental.", got.CoverageSummary)
}

func TestSQLite_UpdateMissingRow(t *testing.T) {
	st := newTestSQLite(t)
	err := st.UpdatePolicyFields(context.Background(), "ghost", map[string]any{"provider": "AXA"})
	require.Error(t, err)
}

func TestSQLite_ListPeers(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	mk := func(name, provider, category string) string {
		p, err := st.CreateProduct(ctx, model.Product{Name: name, Provider: provider, Category: category, Active: true})
		require.NoError(t, err)
		return p.ID
	}
	subject := mk("A", "Allianz", "health")
	mk("B", "Allianz", "health")
	mk("C", "Allianz", "travel")
	mk("D", "AXA", "health")

	peers, err := st.ListPeers(ctx, "Allianz", "health", subject)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "B", peers[0].Name)
}

func TestSQLite_MarkDuplicate(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	a, err := st.CreateProduct(ctx, model.Product{Name: "A", Active: true})
	require.NoError(t, err)
	b, err := st.CreateProduct(ctx, model.Product{Name: "B", Active: true})
	require.NoError(t, err)

	require.NoError(t, st.MarkDuplicate(ctx, a.ID, b.ID))

	got, err := st.GetProduct(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
	assert.Equal(t, b.ID, got.DuplicateOfID)
}

func TestSQLite_UpsertActiveAlert_SingleActiveRow(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	first, err := st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID:  "prod-1",
		AlertType: model.AlertOutdated,
		Severity:  model.SeverityMedium,
		Message:   "45 days old",
		Details:   map[string]any{"days_since_verified": 45},
	})
	require.NoError(t, err)

	second, err := st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID:  "prod-1",
		AlertType: model.AlertOutdated,
		Severity:  model.SeverityHigh,
		Message:   "70 days old",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same active row must be updated in place")

	alerts, err := st.ListActiveAlerts(ctx, "prod-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "70 days old", alerts[0].Message)
}

func TestSQLite_ResolvedAlertAllowsNewActive(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	a, err := st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID: "prod-1", AlertType: model.AlertBrokenLink,
		Severity: model.SeverityHigh, Message: "unreachable",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateAlertStatus(ctx, a.ID, model.AlertResolved))

	b, err := st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID: "prod-1", AlertType: model.AlertBrokenLink,
		Severity: model.SeverityMedium, Message: "status 404",
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "a resolved alert no longer blocks a new active one")

	alerts, err := st.ListActiveAlerts(ctx, "prod-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, b.ID, alerts[0].ID)
}

func TestSQLite_AlertsPerTypeIndependent(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID: "prod-1", AlertType: model.AlertOutdated,
		Severity: model.SeverityMedium, Message: "stale",
	})
	require.NoError(t, err)
	_, err = st.UpsertActiveAlert(ctx, model.ConsistencyAlert{
		EntityID: "prod-1", AlertType: model.AlertMissingData,
		Severity: model.SeverityMedium, Message: "missing price",
	})
	require.NoError(t, err)

	alerts, err := st.ListActiveAlerts(ctx, "prod-1")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestSQLite_Detections(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	exists, err := st.DetectionExists(ctx, "p1", "p2")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = st.CreateDetection(ctx, model.DuplicateDetection{
		ProductID:          "p1",
		DuplicateProductID: "p2",
		SimilarityScore:    85,
		MatchingFields:     []string{"name", "provider"},
		Confidence:         0.9,
		Reasoning:          "same product",
		Status:             model.DetectionPending,
	})
	require.NoError(t, err)

	exists, err = st.DetectionExists(ctx, "p1", "p2")
	require.NoError(t, err)
	assert.True(t, exists)

	detections, err := st.ListDetections(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, 85, detections[0].SimilarityScore)
	assert.Equal(t, []string{"name", "provider"}, detections[0].MatchingFields)
}

func TestSQLite_ChatSeqOrdering(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "pol-1", "u1")
	require.NoError(t, err)

	m1, err := st.AppendChatMessage(ctx, conv.ID, "user", "What does my deductible cover?")
	require.NoError(t, err)
	m2, err := st.AppendChatMessage(ctx, conv.ID, "assistant", "Dental and vision.")
	require.NoError(t, err)
	m3, err := st.AppendChatMessage(ctx, conv.ID, "user", "Abroad too?")
	require.NoError(t, err)

	assert.Equal(t, 1, m1.Seq)
	assert.Equal(t, 2, m2.Seq)
	assert.Equal(t, 3, m3.Seq)

	msgs, err := st.ListChatMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"user", "assistant", "user"},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role})
}

func TestSQLite_ChatSeqPerConversation(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	c1, err := st.CreateConversation(ctx, "pol-1", "u1")
	require.NoError(t, err)
	c2, err := st.CreateConversation(ctx, "pol-2", "u2")
	require.NoError(t, err)

	_, err = st.AppendChatMessage(ctx, c1.ID, "user", "hi")
	require.NoError(t, err)
	m, err := st.AppendChatMessage(ctx, c2.ID, "user", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Seq, "sequence numbers are per conversation")
}

func TestSQLite_PolicyRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	premium := 49.90

	created, err := st.CreatePolicy(ctx, model.Policy{
		UserID:        "u1",
		PolicyNumber:  "POL-123",
		Provider:      "Allianz",
		Category:      "health",
		PremiumAmount: &premium,
		RenewalDate:   "2026-12-01",
	})
	require.NoError(t, err)

	got, err := st.GetPolicy(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "POL-123", got.PolicyNumber)
	require.NotNil(t, got.PremiumAmount)
	assert.Equal(t, 49.90, *got.PremiumAmount)
	assert.Nil(t, got.RiskScore)
}
