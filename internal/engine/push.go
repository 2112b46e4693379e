package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"go.uber.org/zap"
)

const (
	opPushCreate = "engine.push.create"
	opPushUpdate = "engine.push.update"
)

var errMissingPusherDependency = errors.New("engine: pusher dependencies are incomplete")

// PushReport counts operation outcomes of one push.
type PushReport struct {
	Succeeded int
	Skipped   int
	Waiting   int
	Retrying  int
	Failed    int
	Passes    int
}

// PusherConfig wires a Pusher.
type PusherConfig struct {
	Queue    *queue.Queue
	Store    records.Store
	Deferred records.DeferredRelationStore
	Registry *entities.Registry
	API      RemoteAPI
	Limiter  *Limiter
	Observer Observer
	Logger   *zap.Logger
}

// Pusher drains the operation queue in dependency order.
type Pusher struct {
	queue      *queue.Queue
	store      records.Store
	deferred   records.DeferredRelationStore
	registry   *entities.Registry
	api        RemoteAPI
	limiter    *Limiter
	normalizer *Normalizer
	observer   Observer
	logger     *zap.Logger
}

// NewPusher validates the wiring and builds a Pusher.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Deferred == nil || cfg.Registry == nil || cfg.API == nil || cfg.Limiter == nil {
		return nil, errMissingPusherDependency
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{
		queue:      cfg.Queue,
		store:      cfg.Store,
		deferred:   cfg.Deferred,
		registry:   cfg.Registry,
		api:        cfg.API,
		limiter:    cfg.Limiter,
		normalizer: NewNormalizer(cfg.Store),
		observer:   observer,
		logger:     logger,
	}, nil
}

// PushPending sends every pending operation. Operation-level failures are recorded
// on the operation and never stop the push; an unreachable remote API aborts it
// and leaves the remaining operations untouched. Later passes pick up operations
// that were waiting on a dependency or that an earlier pass enqueued, as long as
// the previous pass made progress.
func (p *Pusher) PushPending(ctx context.Context, sc *SyncContext) (PushReport, error) {
	var report PushReport
	attempted := make(map[string]Outcome)
	maxPasses := len(sc.Order) + 1
	progress := true

	for pass := 1; pass <= maxPasses && progress; pass++ {
		pending, err := p.queue.Pending(ctx)
		if err != nil {
			return report, err
		}
		todo := pending[:0]
		for _, op := range pending {
			if outcome, seen := attempted[op.ID]; seen && outcome != OutcomeWaiting {
				continue
			}
			todo = append(todo, op)
		}
		if len(todo) == 0 {
			break
		}
		p.sortOperations(todo)

		report.Passes = pass
		report.Waiting = 0
		progress = false
		for _, op := range todo {
			event, err := p.pushOne(ctx, sc, op)
			if err != nil {
				return report, err
			}
			attempted[op.ID] = event.Outcome
			p.observer.OnOperationComplete(event)
			switch event.Outcome {
			case OutcomeSucceeded:
				report.Succeeded++
				progress = true
			case OutcomeSkipped:
				report.Skipped++
				progress = true
			case OutcomeWaiting:
				report.Waiting++
			case OutcomeRetrying:
				report.Retrying++
			case OutcomeFailed:
				report.Failed++
			}
		}
	}
	return report, nil
}

// sortOperations orders by dependency rank, then create < update < delete, then age.
func (p *Pusher) sortOperations(operations []queue.Operation) {
	sort.SliceStable(operations, func(left, right int) bool {
		a, b := operations[left], operations[right]
		if rankA, rankB := p.registry.Rank(a.EntityType), p.registry.Rank(b.EntityType); rankA != rankB {
			return rankA < rankB
		}
		if a.Type.Rank() != b.Type.Rank() {
			return a.Type.Rank() < b.Type.Rank()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

type pushResult struct {
	remoteID string
	skipped  bool
	deferred []records.DeferredRelation
}

func (p *Pusher) pushOne(ctx context.Context, sc *SyncContext, op queue.Operation) (OperationEvent, error) {
	var (
		result pushResult
		err    error
	)
	switch op.Type {
	case queue.OperationTypeCreate:
		result, err = p.pushCreate(ctx, sc, op)
	case queue.OperationTypeUpdate:
		result, err = p.pushUpdate(ctx, op)
	case queue.OperationTypeDelete:
		result, err = p.pushDelete(ctx, op)
	default:
		err = permanent("engine.push", fmt.Errorf("%w: %s", queue.ErrInvalidOperation, op.Type))
	}
	if err != nil {
		return p.handleFailure(ctx, op, err)
	}

	if err := p.settle(ctx, op, result); err != nil {
		return p.handleFailure(ctx, op, err)
	}
	outcome := OutcomeSucceeded
	if result.skipped {
		outcome = OutcomeSkipped
	}
	return OperationEvent{Operation: op, Outcome: outcome, RemoteID: result.remoteID}, nil
}

func (p *Pusher) pushCreate(ctx context.Context, sc *SyncContext, op queue.Operation) (pushResult, error) {
	record, err := p.store.Get(ctx, op.EntityType, op.RecordID)
	if errors.Is(err, records.ErrRecordNotFound) {
		return pushResult{skipped: true}, nil
	}
	if err != nil {
		return pushResult{}, err
	}
	if record.HasRemoteID() {
		// Already created, e.g. linked by a pull before this create ran.
		return pushResult{remoteID: record.RemoteID, skipped: true}, nil
	}

	schema, err := p.registry.Schema(op.EntityType)
	if err != nil {
		return pushResult{}, permanent(opPushCreate, err)
	}
	containerID, err := sc.Settings.ContainerID(op.EntityType)
	if err != nil {
		return pushResult{}, permanent(opPushCreate, err)
	}
	properties, deferred, err := p.remoteProperties(ctx, schema, op)
	if err != nil {
		return pushResult{}, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return pushResult{}, err
	}
	remoteID, err := p.api.CreateRecord(ctx, containerID, properties)
	if err != nil {
		return pushResult{}, err
	}
	return pushResult{remoteID: remoteID, deferred: deferred}, nil
}

func (p *Pusher) pushUpdate(ctx context.Context, op queue.Operation) (pushResult, error) {
	record, err := p.store.Get(ctx, op.EntityType, op.RecordID)
	if errors.Is(err, records.ErrRecordNotFound) {
		return pushResult{skipped: true}, nil
	}
	if err != nil {
		return pushResult{}, err
	}
	remoteID := record.RemoteID
	if remoteID == "" {
		remoteID = op.RemoteID
	}
	if remoteID == "" {
		return pushResult{}, dependencyNotReady(opPushUpdate, "%s/%s has not been created remotely", op.EntityType, op.RecordID)
	}

	schema, err := p.registry.Schema(op.EntityType)
	if err != nil {
		return pushResult{}, permanent(opPushUpdate, err)
	}
	properties, deferred, err := p.remoteProperties(ctx, schema, op)
	if err != nil {
		return pushResult{}, err
	}
	if len(properties) == 0 {
		return pushResult{remoteID: remoteID, deferred: deferred}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return pushResult{}, err
	}
	if err := p.api.UpdateRecord(ctx, remoteID, properties); err != nil {
		return pushResult{}, err
	}
	return pushResult{remoteID: remoteID, deferred: deferred}, nil
}

func (p *Pusher) pushDelete(ctx context.Context, op queue.Operation) (pushResult, error) {
	if op.RemoteID == "" {
		return pushResult{skipped: true}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return pushResult{}, err
	}
	if err := p.api.ArchiveRecord(ctx, op.RemoteID); err != nil {
		if isRemoteNotFound(err) {
			return pushResult{remoteID: op.RemoteID, skipped: true}, nil
		}
		return pushResult{}, err
	}
	return pushResult{remoteID: op.RemoteID}, nil
}

// remoteProperties shapes the operation payload for the remote API. A required
// relation to a record without a remote id blocks the operation; an optional one
// is omitted and remembered so it can be sent once the target exists remotely.
func (p *Pusher) remoteProperties(ctx context.Context, schema entities.Schema, op queue.Operation) (map[string]any, []records.DeferredRelation, error) {
	properties := schema.ToRemote(op.Data)
	var deferred []records.DeferredRelation
	for _, relation := range schema.Relations {
		value, present := op.Data[relation.Name]
		if !present {
			continue
		}
		remoteIDs, missing, err := p.normalizer.ToRemoteIDs(ctx, relation.Target, records.RelationIDs(value))
		if err != nil {
			return nil, nil, err
		}
		if len(missing) > 0 {
			if relation.Required {
				return nil, nil, dependencyNotReady("engine.push.relations", "%s/%s.%s waits on %s %v", op.EntityType, op.RecordID, relation.Name, relation.Target, missing)
			}
			for _, targetID := range missing {
				deferred = append(deferred, records.DeferredRelation{
					EntityType: op.EntityType,
					RecordID:   op.RecordID,
					Field:      relation.Name,
					TargetType: relation.Target,
					TargetID:   targetID,
				})
			}
			if len(remoteIDs) == 0 {
				continue
			}
		}
		properties[relation.RemoteName] = remoteIDs
	}
	return properties, deferred, nil
}

// settle persists a successful push: the record learns its remote id, the
// operation leaves the queue and relations waiting on a new record are re-sent.
func (p *Pusher) settle(ctx context.Context, op queue.Operation, result pushResult) error {
	for _, relation := range result.deferred {
		if err := p.deferred.DeferRelation(ctx, relation); err != nil {
			return err
		}
	}

	switch op.Type {
	case queue.OperationTypeCreate:
		if result.remoteID == "" {
			_, err := p.queue.Complete(ctx, op, "")
			return err
		}
		if !result.skipped {
			err := p.attachRemoteID(ctx, op, result.remoteID)
			if errors.Is(err, records.ErrRecordNotFound) {
				return p.archiveOrphan(ctx, op, result.remoteID)
			}
			if err != nil {
				return err
			}
		}
		removed, err := p.queue.Complete(ctx, op, result.remoteID)
		if err != nil {
			return err
		}
		if removed {
			p.markSynced(ctx, op)
		}
		p.propagateDeferred(ctx, op.EntityType, op.RecordID)
		return nil

	case queue.OperationTypeUpdate:
		if result.remoteID != "" && !result.skipped {
			if err := p.attachRemoteID(ctx, op, result.remoteID); err != nil && !errors.Is(err, records.ErrRecordNotFound) {
				return err
			}
		}
		removed, err := p.queue.Complete(ctx, op, "")
		if err != nil {
			return err
		}
		if removed && !result.skipped {
			p.markSynced(ctx, op)
		}
		return nil

	default:
		_, err := p.queue.Complete(ctx, op, "")
		return err
	}
}

func (p *Pusher) attachRemoteID(ctx context.Context, op queue.Operation, remoteID string) error {
	_, err := p.store.Mutate(ctx, op.EntityType, op.RecordID, func(record *records.Record) (bool, error) {
		if record.HasRemoteID() {
			return false, nil
		}
		record.RemoteID = remoteID
		return true, nil
	})
	return err
}

func (p *Pusher) markSynced(ctx context.Context, op queue.Operation) {
	_, err := p.store.Mutate(ctx, op.EntityType, op.RecordID, func(record *records.Record) (bool, error) {
		if record.Synced {
			return false, nil
		}
		record.Synced = true
		return true, nil
	})
	if err != nil && !errors.Is(err, records.ErrRecordNotFound) {
		p.logError("engine.push.mark_synced", err, op)
	}
}

// archiveOrphan handles a record deleted locally while its create was in flight:
// the freshly created remote page must go too.
func (p *Pusher) archiveOrphan(ctx context.Context, op queue.Operation, remoteID string) error {
	if _, err := p.queue.Complete(ctx, op, remoteID); err != nil {
		return err
	}
	_, err := p.queue.Enqueue(ctx, queue.Operation{
		Type:       queue.OperationTypeDelete,
		EntityType: op.EntityType,
		RecordID:   op.RecordID,
		RemoteID:   remoteID,
	})
	return err
}

// propagateDeferred re-sends optional relations that were omitted while the
// target had no remote id. Failures are logged; the relation is best effort.
func (p *Pusher) propagateDeferred(ctx context.Context, targetType records.EntityType, targetID string) {
	waiting, err := p.deferred.TakeDeferredRelations(ctx, targetType, targetID)
	if err != nil {
		p.logger.Warn("deferred relation lookup failed", zap.String("entity_type", targetType.String()), zap.String("record_id", targetID), zap.Error(err))
		return
	}
	for _, relation := range waiting {
		dependent, err := p.store.Get(ctx, relation.EntityType, relation.RecordID)
		if errors.Is(err, records.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			p.logger.Warn("deferred relation dependent lookup failed", zap.String("record_id", relation.RecordID), zap.Error(err))
			continue
		}
		value := dependent.Fields[relation.Field]
		if !containsID(records.RelationIDs(value), targetID) {
			continue
		}
		_, err = p.queue.Enqueue(ctx, queue.Operation{
			Type:       queue.OperationTypeUpdate,
			EntityType: relation.EntityType,
			RecordID:   relation.RecordID,
			RemoteID:   dependent.RemoteID,
			Data:       records.Fields{relation.Field: value},
		})
		if err != nil {
			p.logger.Warn("deferred relation enqueue failed", zap.String("record_id", relation.RecordID), zap.Error(err))
		}
	}
}

func (p *Pusher) handleFailure(ctx context.Context, op queue.Operation, cause error) (OperationEvent, error) {
	event := OperationEvent{Operation: op, Err: cause}
	kind := ClassifyError(cause)

	var (
		updated queue.Operation
		err     error
	)
	switch kind {
	case KindUnreachable:
		return event, &SyncError{Kind: KindUnreachable, Operation: "engine.push", Err: cause}
	case KindDependencyNotReady:
		event.Outcome = OutcomeWaiting
		updated, err = p.queue.MarkRetry(ctx, op, cause, false)
	case KindRateLimited:
		p.limiter.Backoff(retryAfter(cause))
		event.Outcome = OutcomeRetrying
		updated, err = p.queue.MarkRetry(ctx, op, cause, false)
	case KindAuth, KindPermanent:
		event.Outcome = OutcomeFailed
		updated, err = p.queue.MarkFailed(ctx, op, cause)
	default:
		event.Outcome = OutcomeRetrying
		updated, err = p.queue.MarkRetry(ctx, op, cause, true)
	}
	if errors.Is(err, queue.ErrOperationNotFound) {
		// Discarded by the user while in flight.
		return event, nil
	}
	if err != nil {
		return event, err
	}
	if updated.Status == queue.StatusFailed {
		event.Outcome = OutcomeFailed
	}
	event.Operation = updated
	if event.Outcome == OutcomeFailed {
		p.logError("engine.push.failed", cause, op, zap.String("kind", kind.String()))
	} else {
		p.logger.Debug("push operation deferred", zap.String("operation_id", op.ID), zap.String("kind", kind.String()), zap.Error(cause))
	}
	return event, nil
}

func (p *Pusher) logError(operation string, err error, op queue.Operation, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("operation_id", op.ID),
		zap.String("entity_type", op.EntityType.String()),
		zap.String("record_id", op.RecordID),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("sync push error", attrs...)
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
