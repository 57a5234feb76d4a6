package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
)

// fakeWriter records field updates. Unused Store methods panic via the
// embedded nil interface.
type fakeWriter struct {
	store.Store
	updates map[string]map[string]any
	err     error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{updates: make(map[string]map[string]any)}
}

func (f *fakeWriter) UpdateProductFields(_ context.Context, id string, fields map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updates[id] = fields
	return nil
}

func (f *fakeWriter) UpdatePolicyFields(_ context.Context, id string, fields map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updates[id] = fields
	return nil
}

func TestBuildUpdate_SubsetOfAllowList(t *testing.T) {
	update, changed := BuildUpdate(map[string]any{
		"provider":     "Allianz",
		"confidence":   0.9, // oracle metadata, not a column
		"raw_response": "x",
	}, model.EntityPolicy)

	assert.Equal(t, map[string]any{"provider": "Allianz"}, update)
	assert.Equal(t, []string{"provider"}, changed)

	allowed := AllowedFields(model.EntityPolicy)
	for k := range update {
		_, ok := allowed[k]
		assert.True(t, ok, "update key %q outside allow-list", k)
	}
}

func TestBuildUpdate_ChangedSorted(t *testing.T) {
	_, changed := BuildUpdate(map[string]any{
		"provider":      "a",
		"category":      "health",
		"policy_number": "p",
		"renewal_date":  "2026-01-01",
	}, model.EntityPolicy)
	assert.Equal(t, []string{"category", "policy_number", "provider", "renewal_date"}, changed)
}

func TestApplyPolicy_DropsInvalidAppliesValid(t *testing.T) {
	st := newFakeWriter()
	applier := NewApplier(st)

	res := Parse(`{"coverage_summary": "Covers dental.", "premium_amount": "not a number"}`)
	changed, err := applier.ApplyPolicy(context.Background(), "pol-1", res)
	require.NoError(t, err)

	assert.Equal(t, []string{"coverage_summary"}, changed)
	assert.Equal(t, map[string]any{"coverage_summary": "Covers dental."}, st.updates["pol-1"])
}

func TestApply_UnparseableWritesNothing(t *testing.T) {
	st := newFakeWriter()
	applier := NewApplier(st)

	res := Parse("no JSON here at all")
	changed, err := applier.ApplyProduct(context.Background(), "prod-1", res)
	require.NoError(t, err, "parse failure is not a pipeline failure")
	assert.Empty(t, changed)
	assert.Empty(t, st.updates)
}

func TestApply_AllInvalidWritesNothing(t *testing.T) {
	st := newFakeWriter()
	applier := NewApplier(st)

	res := Parse(`{"premium_amount": "unknown", "category": "pet"}`)
	changed, err := applier.ApplyPolicy(context.Background(), "pol-1", res)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, st.updates)
}

func TestApply_WriteFailureIsPersistError(t *testing.T) {
	st := newFakeWriter()
	st.err = errors.New("connection reset")
	applier := NewApplier(st)

	res := Parse(`{"provider": "AXA"}`)
	_, err := applier.ApplyPolicy(context.Background(), "pol-1", res)
	require.Error(t, err)
	assert.True(t, IsPersistError(err))
}

func TestApply_Idempotent(t *testing.T) {
	st := newFakeWriter()
	applier := NewApplier(st)

	res := Parse(`{"provider": "AXA", "premium_amount": 12.5}`)
	first, err := applier.ApplyPolicy(context.Background(), "pol-1", res)
	require.NoError(t, err)
	second, err := applier.ApplyPolicy(context.Background(), "pol-1", res)
	require.NoError(t, err)

	assert.Equal(t, first, second, "same validated input yields the same update set")
}
