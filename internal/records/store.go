package records

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound indicates that no local record matches the lookup.
	ErrRecordNotFound = errors.New("records: record not found")
	// ErrRemoteIDImmutable indicates an attempt to change or clear an assigned remote id.
	ErrRemoteIDImmutable = errors.New("records: remote id is immutable once assigned")
	// ErrDuplicateRemoteID indicates that another local record already carries the remote id.
	ErrDuplicateRemoteID = errors.New("records: remote id already attached to another record")
)

// Predicate filters records during Query.
type Predicate func(Record) bool

// MutateFunc edits a record in place and reports whether it changed.
type MutateFunc func(record *Record) (bool, error)

// Store is the keyed local persistence used by every sync component.
type Store interface {
	Get(ctx context.Context, entityType EntityType, id string) (Record, error)
	GetAll(ctx context.Context, entityType EntityType) ([]Record, error)
	GetByRemoteID(ctx context.Context, entityType EntityType, remoteID string) (Record, error)
	Query(ctx context.Context, entityType EntityType, predicate Predicate) ([]Record, error)
	Put(ctx context.Context, entityType EntityType, record Record) error
	// Mutate is an atomic read-modify-write of one record.
	Mutate(ctx context.Context, entityType EntityType, id string, fn MutateFunc) (Record, error)
	Delete(ctx context.Context, entityType EntityType, id string) error
}

// CursorStore persists the per-entity-type pull watermark.
type CursorStore interface {
	Cursor(ctx context.Context, entityType EntityType) (time.Time, bool, error)
	SetCursor(ctx context.Context, entityType EntityType, cursor time.Time) error
}

// DeferredRelation records an optional relation that was omitted from a push
// because its target had no remote id yet.
type DeferredRelation struct {
	EntityType EntityType
	RecordID   string
	Field      string
	TargetType EntityType
	TargetID   string
}

// DeferredRelationStore tracks omitted optional relations until their target syncs.
type DeferredRelationStore interface {
	DeferRelation(ctx context.Context, relation DeferredRelation) error
	TakeDeferredRelations(ctx context.Context, targetType EntityType, targetID string) ([]DeferredRelation, error)
	DeferredRelationsOf(ctx context.Context, entityType EntityType, recordID string) ([]DeferredRelation, error)
}
