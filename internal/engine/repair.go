package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"go.uber.org/zap"
)

// Repairer re-resolves relations that pointed at records not yet pulled.
type Repairer struct {
	store      records.Store
	queue      *queue.Queue
	registry   *entities.Registry
	api        RemoteAPI
	limiter    *Limiter
	reconciler *Reconciler
	logger     *zap.Logger
}

// NewRepairer builds a Repairer sharing the reconciler's relation translation.
func NewRepairer(store records.Store, operations *queue.Queue, registry *entities.Registry, api RemoteAPI, limiter *Limiter, reconciler *Reconciler, logger *zap.Logger) *Repairer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{
		store:      store,
		queue:      operations,
		registry:   registry,
		api:        api,
		limiter:    limiter,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RepairBrokenRelations refetches every linked record whose relations look
// incomplete and applies only the relation fields that now resolve differently.
// Records with a queued local change are left to that change.
func (r *Repairer) RepairBrokenRelations(ctx context.Context, sc *SyncContext) (int, error) {
	repaired := 0
	for _, entityType := range sc.Order {
		schema, err := r.registry.Schema(entityType)
		if err != nil {
			return repaired, err
		}
		if len(schema.Relations) == 0 {
			continue
		}
		broken, err := r.store.Query(ctx, entityType, func(record records.Record) bool {
			return record.HasRemoteID() && relationsLookIncomplete(schema, record)
		})
		if err != nil {
			return repaired, err
		}
		for _, record := range broken {
			changed, err := r.repairRecord(ctx, schema, record)
			if err != nil {
				kind := ClassifyError(err)
				if kind == KindUnreachable || kind == KindAuth {
					return repaired, &SyncError{Kind: kind, Operation: "engine.repair", Err: err}
				}
				if kind == KindRateLimited {
					r.limiter.Backoff(retryAfter(err))
				}
				r.logger.Warn("relation repair failed",
					zap.String("entity_type", entityType.String()),
					zap.String("record_id", record.ID),
					zap.Error(err))
				continue
			}
			if changed {
				repaired++
			}
		}
	}
	return repaired, nil
}

func (r *Repairer) repairRecord(ctx context.Context, schema entities.Schema, record records.Record) (bool, error) {
	active, err := r.queue.ActiveFor(ctx, schema.Type, record.ID)
	if err != nil {
		return false, err
	}
	if active != nil {
		return false, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	page, err := r.api.GetRecord(ctx, record.RemoteID)
	if err != nil {
		if isRemoteNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if page.Archived {
		// The next pull removes it.
		return false, nil
	}
	fresh, unresolved, err := r.reconciler.localShape(ctx, schema, page)
	if err != nil {
		return false, err
	}
	waiting, err := r.reconciler.deferred.DeferredRelationsOf(ctx, schema.Type, record.ID)
	if err != nil {
		return false, err
	}
	fresh = keepDeferredRelations(schema, fresh, waiting)

	changed := false
	_, err = r.store.Mutate(ctx, schema.Type, record.ID, func(current *records.Record) (bool, error) {
		for _, relation := range schema.Relations {
			value, present := fresh[relation.Name]
			if !present {
				continue
			}
			if sameStrings(records.RelationIDs(current.Fields[relation.Name]), records.RelationIDs(value)) {
				continue
			}
			if current.Fields == nil {
				current.Fields = records.Fields{}
			}
			current.Fields[relation.Name] = value
			changed = true
		}
		if !sameStrings(current.UnresolvedRelations, unresolved) {
			current.UnresolvedRelations = unresolved
			return true, nil
		}
		return changed, nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// relationsLookIncomplete flags records with relation ids left unresolved by pull,
// or with a required relation that is empty.
func relationsLookIncomplete(schema entities.Schema, record records.Record) bool {
	if len(record.UnresolvedRelations) > 0 {
		return true
	}
	for _, relation := range schema.Relations {
		if relation.Required && len(records.RelationIDs(record.Fields[relation.Name])) == 0 {
			return true
		}
	}
	return false
}

func sameStrings(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
