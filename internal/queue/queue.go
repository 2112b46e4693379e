// Package queue keeps the durable log of local mutation intents and compacts
// redundant intents for the same record into the minimal equivalent operation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"go.uber.org/zap"
)

// DefaultMaxRetries bounds transient failures before an operation is marked failed.
const DefaultMaxRetries = 3

var (
	errMissingStore      = errors.New("queue: store is required")
	errMissingIDProvider = errors.New("queue: id provider is required")
)

// Config describes the dependencies of a Queue.
type Config struct {
	Store      Store
	IDProvider records.IDProvider
	Clock      func() time.Time
	MaxRetries int
	Logger     *zap.Logger
}

// Queue is the operation queue and compactor. Local writers and the sync worker
// share it, so every read-modify-write runs under one lock.
type Queue struct {
	mu         sync.Mutex
	store      Store
	idProvider records.IDProvider
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// Stats summarizes the queue for status displays.
type Stats struct {
	Pending int
	Failed  int
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		clock:      clock,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// MaxRetries returns the bounded retry budget for transient failures.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue records a new intent, folding it into any active operation for the same
// record. It returns the operation actually stored, or nil when the intent
// collapsed into a no-op. The outcome is persisted before returning.
func (q *Queue) Enqueue(ctx context.Context, intent Operation) (*Operation, error) {
	if intent.EntityType == "" || intent.RecordID == "" {
		return nil, fmt.Errorf("%w: entity type and record id are required", ErrInvalidOperation)
	}
	if _, err := ParseOperationType(string(intent.Type)); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.store.ListActiveForRecord(ctx, intent.EntityType, intent.RecordID)
	if err != nil {
		return nil, err
	}

	removals, stored, err := q.compact(intent, active)
	if err != nil {
		return nil, err
	}
	if err := q.store.Apply(ctx, removals, stored); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("entity_type", intent.EntityType.String()),
		zap.String("record_id", intent.RecordID),
		zap.String("intent", string(intent.Type)),
		zap.Int("removed", len(removals)),
	}
	if stored == nil {
		q.logger.Debug("queue intent collapsed to no-op", fields...)
		return nil, nil
	}
	q.logger.Debug("queue intent stored", append(fields, zap.String("stored", string(stored.Type)), zap.String("operation_id", stored.ID))...)
	return stored, nil
}

// compact decides which active operations to remove and what to store.
func (q *Queue) compact(intent Operation, active []Operation) ([]string, *Operation, error) {
	var latest *Operation
	var removals []string
	for index := range active {
		if latest != nil {
			removals = append(removals, latest.ID)
		}
		latest = &active[index]
	}

	switch intent.Type {
	case OperationTypeUpdate:
		if latest == nil {
			fresh, err := q.fresh(intent)
			return removals, fresh, err
		}
		if latest.Type == OperationTypeDelete {
			return removals, nil, nil
		}
		return removals, q.fold(*latest, intent.Data), nil

	case OperationTypeCreate:
		if latest == nil {
			fresh, err := q.fresh(intent)
			return removals, fresh, err
		}
		if latest.Type != OperationTypeDelete {
			return removals, q.fold(*latest, intent.Data), nil
		}
		removals = append(removals, latest.ID)
		fresh, err := q.fresh(intent)
		if err != nil {
			return nil, nil, err
		}
		if latest.RemoteID != "" {
			// The remote counterpart was never archived, so the recreate restores it.
			fresh.Type = OperationTypeUpdate
			fresh.RemoteID = latest.RemoteID
		}
		return removals, fresh, nil

	case OperationTypeDelete:
		if latest != nil {
			removals = append(removals, latest.ID)
		}
		remoteID := intent.RemoteID
		if remoteID == "" && latest != nil {
			remoteID = latest.RemoteID
		}
		if remoteID == "" {
			return removals, nil, nil
		}
		intent.RemoteID = remoteID
		intent.Data = nil
		fresh, err := q.fresh(intent)
		return removals, fresh, err
	}
	return nil, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, intent.Type)
}

func (q *Queue) fresh(intent Operation) (*Operation, error) {
	id, err := q.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("queue: generate operation id: %w", err)
	}
	data := records.Fields{}
	if intent.Data != nil {
		data = intent.Data.Clone()
	}
	return &Operation{
		ID:         id,
		Type:       intent.Type,
		EntityType: intent.EntityType,
		RecordID:   intent.RecordID,
		RemoteID:   intent.RemoteID,
		Data:       data,
		Status:     StatusPending,
		CreatedAt:  q.clock().UTC(),
	}, nil
}

func (q *Queue) fold(existing Operation, data records.Fields) *Operation {
	merged := existing
	base := existing.Data
	if base == nil {
		base = records.Fields{}
	}
	merged.Data = base.Merge(data)
	merged.Status = StatusPending
	merged.RetryCount = 0
	merged.Error = ""
	merged.Revision++
	return &merged
}

// Pending returns every pending operation, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Operation, error) {
	return q.store.ListByStatus(ctx, StatusPending)
}

// Failed returns every terminally failed operation, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]Operation, error) {
	return q.store.ListByStatus(ctx, StatusFailed)
}

// ActiveFor returns the active operation of a record, if any.
func (q *Queue) ActiveFor(ctx context.Context, entityType records.EntityType, recordID string) (*Operation, error) {
	active, err := q.store.ListActiveForRecord(ctx, entityType, recordID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	latest := active[len(active)-1]
	return &latest, nil
}

// Complete removes a successfully pushed (or no-op) operation. When a later intent
// folded into the operation while it was in flight, the folded remainder stays
// queued and Complete reports false. For a create the remainder becomes an update
// of remoteID, since the record now exists remotely.
func (q *Queue) Complete(ctx context.Context, op Operation, remoteID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.store.Get(ctx, op.ID)
	if errors.Is(err, ErrOperationNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if current.Revision == op.Revision {
		return true, q.store.Apply(ctx, []string{op.ID}, nil)
	}

	if current.Type == OperationTypeCreate && remoteID != "" {
		current.Type = OperationTypeUpdate
		current.RemoteID = remoteID
	}
	current.Status = StatusPending
	current.RetryCount = 0
	current.Error = ""
	if err := q.store.Apply(ctx, nil, &current); err != nil {
		return false, err
	}
	q.logger.Debug("queue operation changed while in flight",
		zap.String("operation_id", op.ID),
		zap.String("record_id", op.RecordID),
		zap.Int("revision", current.Revision))
	return false, nil
}

// LinkRemote points the record's queued intent at an existing remote page that a
// pull matched to it. A create becomes an update of remoteID carrying the same
// payload; without any active operation an update carrying data is queued so the
// newer local state still reaches the remote.
func (q *Queue) LinkRemote(ctx context.Context, entityType records.EntityType, recordID string, remoteID string, data records.Fields) (*Operation, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("%w: remote id is required", ErrInvalidOperation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.store.ListActiveForRecord(ctx, entityType, recordID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		fresh, err := q.fresh(Operation{Type: OperationTypeUpdate, EntityType: entityType, RecordID: recordID, RemoteID: remoteID, Data: data})
		if err != nil {
			return nil, err
		}
		if err := q.store.Apply(ctx, nil, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}

	latest := active[len(active)-1]
	switch {
	case latest.Type == OperationTypeCreate:
		latest.Type = OperationTypeUpdate
		latest.Status = StatusPending
		latest.RetryCount = 0
		latest.Error = ""
		latest.Revision++
	case latest.RemoteID == "":
	default:
		return &latest, nil
	}
	latest.RemoteID = remoteID
	if err := q.store.Apply(ctx, nil, &latest); err != nil {
		return nil, err
	}
	q.logger.Debug("queue operation linked to remote page",
		zap.String("operation_id", latest.ID),
		zap.String("record_id", recordID),
		zap.String("remote_id", remoteID),
		zap.String("type", string(latest.Type)))
	return &latest, nil
}

// MarkRetry records a retryable failure. When countAttempt is set the bounded
// retry budget is consumed and the operation fails once it is exhausted.
func (q *Queue) MarkRetry(ctx context.Context, op Operation, cause error, countAttempt bool) (Operation, error) {
	return q.updateStatus(ctx, op, func(current *Operation) {
		current.LastAttempt = q.clock().UTC()
		current.Error = errorText(cause)
		current.Status = StatusPending
		if current.Revision != op.Revision {
			// fresh intent arrived meanwhile; it gets a full budget
			current.RetryCount = 0
			return
		}
		if countAttempt {
			current.RetryCount++
			if current.RetryCount >= q.maxRetries {
				current.Status = StatusFailed
			}
		}
	})
}

// MarkFailed records a permanent failure.
func (q *Queue) MarkFailed(ctx context.Context, op Operation, cause error) (Operation, error) {
	return q.updateStatus(ctx, op, func(current *Operation) {
		current.LastAttempt = q.clock().UTC()
		current.Error = errorText(cause)
		if current.Revision != op.Revision {
			current.Status = StatusPending
			return
		}
		current.Status = StatusFailed
	})
}

// Retry moves a failed operation back to pending with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryLocked(ctx, id)
}

func (q *Queue) retryLocked(ctx context.Context, id string) (Operation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return Operation{}, err
	}
	op.Status = StatusPending
	op.RetryCount = 0
	op.Error = ""
	if err := q.store.Apply(ctx, nil, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// RetryAllFailed resets every failed operation and returns how many were reset.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := q.store.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return 0, err
	}
	for _, op := range failed {
		if _, err := q.retryLocked(ctx, op.ID); err != nil {
			return 0, err
		}
	}
	return len(failed), nil
}

// Discard drops an operation without sending it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.Get(ctx, id); err != nil {
		return err
	}
	return q.store.Apply(ctx, []string{id}, nil)
}

// CancelForRecord drops the record's active operations of the listed types.
func (q *Queue) CancelForRecord(ctx context.Context, entityType records.EntityType, recordID string, types ...OperationType) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.store.ListActiveForRecord(ctx, entityType, recordID)
	if err != nil {
		return 0, err
	}
	var removals []string
	for _, op := range active {
		for _, candidate := range types {
			if op.Type == candidate {
				removals = append(removals, op.ID)
				break
			}
		}
	}
	if len(removals) == 0 {
		return 0, nil
	}
	if err := q.store.Apply(ctx, removals, nil); err != nil {
		return 0, err
	}
	return len(removals), nil
}

// updateStatus reloads the operation so that data folded in since op was read survives.
func (q *Queue) updateStatus(ctx context.Context, op Operation, edit func(current *Operation)) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.store.Get(ctx, op.ID)
	if err != nil {
		return op, err
	}
	edit(&current)
	if err := q.store.Apply(ctx, nil, &current); err != nil {
		return op, err
	}
	return current, nil
}

// Stats counts pending and failed operations.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.Failed(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: len(pending), Failed: len(failed)}, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
