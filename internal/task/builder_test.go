package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdesk/policy-cli/internal/dispatch"
)

func TestBuild_UnknownTaskType(t *testing.T) {
	b := NewBuilder(AuthContext{UserID: "u1"})
	_, err := b.Build(context.Background(), BuildInput{TaskType: "summon"})
	require.Error(t, err)
	assert.False(t, IsSetupError(err))
}

func TestBuild_WithEntityID(t *testing.T) {
	b := NewBuilder(AuthContext{UserID: "u1", Role: "user"})
	built, err := b.Build(context.Background(), BuildInput{
		TaskType:     dispatch.TaskRiskScore,
		EntityID:     "pol-1",
		DocumentText: "policy text",
	})
	require.NoError(t, err)

	assert.Equal(t, "pol-1", built.EntityID)
	assert.Equal(t, dispatch.TaskRiskScore, built.Task.Type)
	assert.Equal(t, "pol-1", built.Task.Data["entity_id"])
	assert.Equal(t, "policy text", built.Task.Data["document_text"])
	assert.Equal(t, "u1", built.Task.Data["user_id"])
}

func TestBuild_PlaceholderCreated(t *testing.T) {
	calls := 0
	b := NewBuilder(AuthContext{UserID: "u1"})
	built, err := b.Build(context.Background(), BuildInput{
		TaskType:     dispatch.TaskProductNormalize,
		DocumentText: "raw listing",
		Placeholder: func(_ context.Context) (string, error) {
			calls++
			return "prod-new", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "prod-new", built.EntityID)
}

func TestBuild_PlaceholderFailureIsSetupError(t *testing.T) {
	b := NewBuilder(AuthContext{UserID: "u1"})
	_, err := b.Build(context.Background(), BuildInput{
		TaskType:     dispatch.TaskPolicySummary,
		DocumentText: "doc",
		Placeholder: func(_ context.Context) (string, error) {
			return "", errors.New("insert failed")
		},
	})
	require.Error(t, err)
	assert.True(t, IsSetupError(err), "a pre-dispatch failure must be distinguishable from an analysis failure")
}

func TestBuild_NoEntityNoFactory(t *testing.T) {
	b := NewBuilder(AuthContext{})
	_, err := b.Build(context.Background(), BuildInput{TaskType: dispatch.TaskRiskScore})
	require.Error(t, err)
	assert.True(t, IsSetupError(err))
}

func TestBuild_ChatNeedsNoEntity(t *testing.T) {
	b := NewBuilder(AuthContext{UserID: "u1"})
	built, err := b.Build(context.Background(), BuildInput{
		TaskType: dispatch.TaskChat,
		Extra:    map[string]any{"message": "hello"},
	})
	require.NoError(t, err)
	assert.Empty(t, built.EntityID)
	assert.Equal(t, "hello", built.Task.Data["message"])
}

func TestBuild_ExtraDataPreserved(t *testing.T) {
	b := NewBuilder(AuthContext{UserID: "u1"})
	built, err := b.Build(context.Background(), BuildInput{
		TaskType: dispatch.TaskProductNormalize,
		EntityID: "prod-1",
		Extra:    map[string]any{"name": "Dental Plus", "raw_listing": "..."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Dental Plus", built.Task.Data["name"])
	assert.Equal(t, "...", built.Task.Data["raw_listing"])
}
