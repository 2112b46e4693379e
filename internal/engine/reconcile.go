package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"github.com/MarcoPoloResearchLab/pawsync/internal/remote"
	"go.uber.org/zap"
)

// ReconcileResult names what reconciliation did with one remote page.
type ReconcileResult string

const (
	// ReconcileCreated inserted a new local record.
	ReconcileCreated ReconcileResult = "created"
	// ReconcileUpdated overwrote a local record with a newer remote version.
	ReconcileUpdated ReconcileResult = "updated"
	// ReconcileLinked attached the remote id to a newer, unlinked local record.
	ReconcileLinked ReconcileResult = "linked"
	// ReconcileDeleted removed the local counterpart of an archived page.
	ReconcileDeleted ReconcileResult = "deleted"
	// ReconcileUnchanged left the local store as it was.
	ReconcileUnchanged ReconcileResult = "unchanged"
)

// Reconciler merges remote pages into the local store with last-write-wins.
type Reconciler struct {
	store      records.Store
	deferred   records.DeferredRelationStore
	queue      *queue.Queue
	registry   *entities.Registry
	normalizer *Normalizer
	idProvider records.IDProvider
	logger     *zap.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(store records.Store, deferred records.DeferredRelationStore, operations *queue.Queue, registry *entities.Registry, idProvider records.IDProvider, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:      store,
		deferred:   deferred,
		queue:      operations,
		registry:   registry,
		normalizer: NewNormalizer(store),
		idProvider: idProvider,
		logger:     logger,
	}
}

// Reconcile merges one remote page of the entity type.
func (r *Reconciler) Reconcile(ctx context.Context, entityType records.EntityType, page remote.Page) (ReconcileResult, error) {
	if page.ID == "" {
		return ReconcileUnchanged, fmt.Errorf("engine: %s page without id", entityType)
	}
	if page.Archived {
		return r.removeArchived(ctx, entityType, page)
	}

	schema, err := r.registry.Schema(entityType)
	if err != nil {
		return ReconcileUnchanged, err
	}
	incoming, unresolved, err := r.localShape(ctx, schema, page)
	if err != nil {
		return ReconcileUnchanged, err
	}

	match, found, err := r.findMatch(ctx, schema, page.ID, incoming)
	if err != nil {
		return ReconcileUnchanged, err
	}
	if !found {
		return r.insert(ctx, entityType, page, incoming, unresolved)
	}

	waiting, err := r.deferred.DeferredRelationsOf(ctx, entityType, match.ID)
	if err != nil {
		return ReconcileUnchanged, err
	}

	result := ReconcileUnchanged
	linked, err := r.store.Mutate(ctx, entityType, match.ID, func(record *records.Record) (bool, error) {
		switch {
		case page.LastEditedTime.After(record.UpdatedAt):
			record.Fields = keepDeferredRelations(schema, schema.PreserveLocalOnly(record.Fields, incoming), waiting)
			record.RemoteID = page.ID
			record.Synced = true
			record.UpdatedAt = page.LastEditedTime
			record.UnresolvedRelations = unresolved
			result = ReconcileUpdated
			return true, nil
		case !record.HasRemoteID():
			record.RemoteID = page.ID
			result = ReconcileLinked
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		return ReconcileUnchanged, err
	}

	switch result {
	case ReconcileUpdated:
		// The remote version won; pending local edits of the older state are void.
		if _, err := r.queue.CancelForRecord(ctx, entityType, match.ID, queue.OperationTypeUpdate); err != nil {
			return result, err
		}
	case ReconcileLinked:
		// The local state is newer than the page, so it still has to be sent,
		// as an update of the page rather than a second create.
		if _, err := r.queue.LinkRemote(ctx, entityType, match.ID, page.ID, linked.Fields); err != nil {
			return result, err
		}
	}
	return result, nil
}

// keepDeferredRelations puts back relation ids that are still waiting on their
// target's create: the remote never received them, so their absence from the page
// is not an edit. A single relation the remote set to another record stays as is.
func keepDeferredRelations(schema entities.Schema, fields records.Fields, waiting []records.DeferredRelation) records.Fields {
	for _, relation := range waiting {
		spec, ok := schema.Relation(relation.Field)
		if !ok {
			continue
		}
		ids := records.RelationIDs(fields[spec.Name])
		if containsID(ids, relation.TargetID) {
			continue
		}
		if !spec.Multiple && len(ids) > 0 {
			continue
		}
		fields[spec.Name] = records.RelationValue(append(ids, relation.TargetID), spec.Multiple)
	}
	return fields
}

// localShape converts remote properties to local fields with local relation ids.
// Relation fields that lost ids during translation are reported as unresolved.
func (r *Reconciler) localShape(ctx context.Context, schema entities.Schema, page remote.Page) (records.Fields, []string, error) {
	fields := schema.FromRemote(page.Properties)
	var unresolved []string
	for _, relation := range schema.Relations {
		value, present := fields[relation.Name]
		if !present {
			continue
		}
		localIDs, dropped, err := r.normalizer.ToLocalIDs(ctx, relation.Target, records.RelationIDs(value))
		if err != nil {
			return nil, nil, err
		}
		fields[relation.Name] = records.RelationValue(localIDs, relation.Multiple)
		if dropped > 0 {
			unresolved = append(unresolved, relation.Name)
		}
	}
	return fields, unresolved, nil
}

// findMatch looks up the local counterpart by remote id, then heuristically among
// records that have no remote id yet.
func (r *Reconciler) findMatch(ctx context.Context, schema entities.Schema, remoteID string, incoming records.Fields) (records.Record, bool, error) {
	record, err := r.store.GetByRemoteID(ctx, schema.Type, remoteID)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, records.ErrRecordNotFound) {
		return records.Record{}, false, err
	}

	candidates, err := r.store.Query(ctx, schema.Type, func(candidate records.Record) bool {
		return !candidate.HasRemoteID() && schema.Matches(candidate.Fields, incoming)
	})
	if err != nil {
		return records.Record{}, false, err
	}
	if len(candidates) == 0 {
		return records.Record{}, false, nil
	}
	if len(candidates) > 1 {
		r.logger.Warn("heuristic match is ambiguous",
			zap.String("entity_type", schema.Type.String()),
			zap.String("remote_id", remoteID),
			zap.Int("candidates", len(candidates)))
	}
	return candidates[0], true, nil
}

func (r *Reconciler) insert(ctx context.Context, entityType records.EntityType, page remote.Page, fields records.Fields, unresolved []string) (ReconcileResult, error) {
	id, err := r.idProvider.NewID()
	if err != nil {
		return ReconcileUnchanged, fmt.Errorf("engine: generate record id: %w", err)
	}
	record := records.Record{
		ID:                  id,
		RemoteID:            page.ID,
		Synced:              true,
		UpdatedAt:           page.LastEditedTime,
		Fields:              fields,
		UnresolvedRelations: unresolved,
	}
	if err := r.store.Put(ctx, entityType, record); err != nil {
		return ReconcileUnchanged, err
	}
	return ReconcileCreated, nil
}

func (r *Reconciler) removeArchived(ctx context.Context, entityType records.EntityType, page remote.Page) (ReconcileResult, error) {
	record, err := r.store.GetByRemoteID(ctx, entityType, page.ID)
	if errors.Is(err, records.ErrRecordNotFound) {
		return ReconcileUnchanged, nil
	}
	if err != nil {
		return ReconcileUnchanged, err
	}
	if err := r.store.Delete(ctx, entityType, record.ID); err != nil {
		return ReconcileUnchanged, err
	}
	if _, err := r.queue.CancelForRecord(ctx, entityType, record.ID, queue.OperationTypeCreate, queue.OperationTypeUpdate, queue.OperationTypeDelete); err != nil {
		return ReconcileDeleted, err
	}
	return ReconcileDeleted, nil
}
