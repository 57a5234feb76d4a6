package extract

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
)

// PersistError marks a failed entity write. The oracle call already
// succeeded; the caller may safely re-invoke the same task because the update
// set is recomputed from the same validated inputs.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError reports whether err is (or wraps) a PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// BuildUpdate intersects coerced extraction fields with the allow-list for
// the entity type. The returned update set contains only keys that are both
// present and valid; absent fields never appear, so an existing value is
// never cleared by a partial extraction.
func BuildUpdate(fields map[string]any, et model.EntityType) (map[string]any, []string) {
	allowed := allowLists[et]
	update := make(map[string]any)
	var changed []string

	for k, v := range fields {
		if _, ok := allowed[k]; !ok {
			continue
		}
		update[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	return update, changed
}

// Applier maps validated extraction output onto persisted entities.
type Applier struct {
	store store.Store
}

// NewApplier creates an Applier backed by the given store.
func NewApplier(st store.Store) *Applier {
	return &Applier{store: st}
}

// ApplyProduct validates and writes extraction output to a product. Returns
// the field names actually changed.
func (a *Applier) ApplyProduct(ctx context.Context, productID string, res Result) ([]string, error) {
	return a.apply(ctx, model.EntityProduct, productID, res, a.store.UpdateProductFields)
}

// ApplyPolicy validates and writes extraction output to a policy. Returns the
// field names actually changed.
func (a *Applier) ApplyPolicy(ctx context.Context, policyID string, res Result) ([]string, error) {
	return a.apply(ctx, model.EntityPolicy, policyID, res, a.store.UpdatePolicyFields)
}

func (a *Applier) apply(ctx context.Context, et model.EntityType, id string, res Result, write func(context.Context, string, map[string]any) error) ([]string, error) {
	if !res.ParseSucceeded {
		zap.L().Warn("extract: unparseable output, nothing applied",
			zap.String("entity_type", string(et)),
			zap.String("entity_id", id),
		)
		return nil, nil
	}

	coerced := CoerceFields(res.Fields, et)
	update, changed := BuildUpdate(coerced, et)
	if len(update) == 0 {
		return nil, nil
	}

	if err := write(ctx, id, update); err != nil {
		return nil, &PersistError{Err: eris.Wrapf(err, "extract: apply %s %s", et, id)}
	}

	zap.L().Info("extract: applied fields",
		zap.String("entity_type", string(et)),
		zap.String("entity_id", id),
		zap.Strings("fields", changed),
	)
	return changed, nil
}
