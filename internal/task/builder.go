// Package task assembles extraction requests before dispatch. Placeholder
// entity creation happens here, so a failure at this stage is a setup
// failure, not an analysis failure: no oracle call has been made yet.
package task

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/coverdesk/policy-cli/internal/dispatch"
)

// SetupError marks a pre-dispatch failure (no target entity could be
// established). Distinct from dispatch failures so callers can surface the
// right message.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err is (or wraps) a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// AuthContext carries the caller's identity explicitly instead of ambient
// session state, so pipeline components stay testable without a live session.
type AuthContext struct {
	UserID string
	Role   string // "user", "partner", "admin"
}

// PlaceholderFactory creates a placeholder entity and returns its ID. Called
// when a build input has no target entity yet. Idempotency per document is
// the factory's responsibility.
type PlaceholderFactory func(ctx context.Context) (string, error)

// BuildInput describes one requested analysis.
type BuildInput struct {
	TaskType     dispatch.TaskType
	EntityID     string
	DocumentText string
	DocumentURL  string
	Extra        map[string]any
	Placeholder  PlaceholderFactory
}

// Built pairs the assembled task with the resolved target entity.
type Built struct {
	Task     dispatch.Task
	EntityID string
}

// Builder assembles dispatch tasks.
type Builder struct {
	auth AuthContext
}

// NewBuilder creates a Builder operating under the given auth context.
func NewBuilder(auth AuthContext) *Builder {
	return &Builder{auth: auth}
}

// Build assembles a task descriptor. If no entity ID is supplied, the
// placeholder factory runs first; its failure aborts the whole operation
// with a SetupError before any dispatch occurs.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Built, error) {
	if !dispatch.ValidTaskType(in.TaskType) {
		return nil, eris.Errorf("task: unknown task type %q", in.TaskType)
	}

	entityID := in.EntityID
	if entityID == "" && in.TaskType != dispatch.TaskChat {
		if in.Placeholder == nil {
			return nil, &SetupError{Err: eris.New("task: no entity id and no placeholder factory")}
		}
		id, err := in.Placeholder(ctx)
		if err != nil {
			return nil, &SetupError{Err: eris.Wrap(err, "task: create placeholder entity")}
		}
		entityID = id
	}

	data := make(map[string]any, len(in.Extra)+4)
	for k, v := range in.Extra {
		data[k] = v
	}
	if in.DocumentText != "" {
		data["document_text"] = in.DocumentText
	}
	if in.DocumentURL != "" {
		data["document_url"] = in.DocumentURL
	}
	if entityID != "" {
		data["entity_id"] = entityID
	}
	if b.auth.UserID != "" {
		data["user_id"] = b.auth.UserID
	}

	return &Built{
		Task:     dispatch.Task{Type: in.TaskType, Data: data},
		EntityID: entityID,
	}, nil
}
