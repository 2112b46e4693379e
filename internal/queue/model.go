package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"gorm.io/datatypes"
)

// OperationType enumerates queued mutation intents.
type OperationType string

const (
	// OperationTypeCreate asks the remote system to create the record.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate sends changed fields of an already created record.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete archives the remote counterpart.
	OperationTypeDelete OperationType = "delete"
)

// Status captures where an operation sits in its lifecycle.
type Status string

const (
	// StatusPending operations are picked up by the next push.
	StatusPending Status = "pending"
	// StatusFailed operations are terminal until the user retries or discards them.
	StatusFailed Status = "failed"
)

var (
	// ErrInvalidOperation indicates that an operation is missing required attributes.
	ErrInvalidOperation = errors.New("queue: invalid operation")
	// ErrOperationNotFound indicates that no queued operation has the identifier.
	ErrOperationNotFound = errors.New("queue: operation not found")
)

// ParseOperationType validates raw input.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationTypeCreate:
		return OperationTypeCreate, nil
	case OperationTypeUpdate:
		return OperationTypeUpdate, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, rawInput)
	}
}

// Rank orders operation types within one entity type: create, then update, then delete.
func (t OperationType) Rank() int {
	switch t {
	case OperationTypeCreate:
		return 0
	case OperationTypeUpdate:
		return 1
	default:
		return 2
	}
}

// Operation is one queued mutation intent for a single record.
type Operation struct {
	ID         string
	Type       OperationType
	EntityType records.EntityType
	RecordID   string
	// RemoteID is the record's remote id known at enqueue time; deletes carry it
	// forward because the local record is already gone when they run.
	RemoteID   string
	Data       records.Fields
	Status     Status
	RetryCount int
	// Revision grows each time a later intent folds into the operation.
	Revision    int
	CreatedAt   time.Time
	LastAttempt time.Time
	Error       string
}

// Active reports whether the operation still occupies the queue.
func (o Operation) Active() bool {
	return o.Status == StatusPending || o.Status == StatusFailed
}

// OperationRow is the persisted form of an Operation.
type OperationRow struct {
	ID                string            `gorm:"column:id;primaryKey;size:190;not null"`
	Type              string            `gorm:"column:op;size:16;not null"`
	EntityType        string            `gorm:"column:entity_type;size:64;not null;index:idx_operations_record,priority:1"`
	RecordID          string            `gorm:"column:record_id;size:190;not null;index:idx_operations_record,priority:2"`
	RemoteID          string            `gorm:"column:remote_id;size:190;not null;default:''"`
	Data              datatypes.JSONMap `gorm:"column:data"`
	Status            string            `gorm:"column:status;size:16;not null;index"`
	RetryCount        int               `gorm:"column:retry_count;not null;default:0"`
	Revision          int               `gorm:"column:revision;not null;default:0"`
	CreatedAtMillis   int64             `gorm:"column:created_at_ms;not null"`
	LastAttemptMillis int64             `gorm:"column:last_attempt_ms;not null;default:0"`
	Error             string            `gorm:"column:error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (OperationRow) TableName() string {
	return "sync_operations"
}

func toOperationRow(op Operation) OperationRow {
	data := datatypes.JSONMap{}
	for key, value := range op.Data {
		data[key] = value
	}
	var lastAttempt int64
	if !op.LastAttempt.IsZero() {
		lastAttempt = op.LastAttempt.UTC().UnixMilli()
	}
	return OperationRow{
		ID:                op.ID,
		Type:              string(op.Type),
		EntityType:        op.EntityType.String(),
		RecordID:          op.RecordID,
		RemoteID:          op.RemoteID,
		Data:              data,
		Status:            string(op.Status),
		RetryCount:        op.RetryCount,
		Revision:          op.Revision,
		CreatedAtMillis:   op.CreatedAt.UTC().UnixMilli(),
		LastAttemptMillis: lastAttempt,
		Error:             op.Error,
	}
}

func fromOperationRow(row OperationRow) Operation {
	data := records.Fields{}
	for key, value := range row.Data {
		data[key] = value
	}
	op := Operation{
		ID:         row.ID,
		Type:       OperationType(row.Type),
		EntityType: records.EntityType(row.EntityType),
		RecordID:   row.RecordID,
		RemoteID:   row.RemoteID,
		Data:       data,
		Status:     Status(row.Status),
		RetryCount: row.RetryCount,
		Revision:   row.Revision,
		CreatedAt:  time.UnixMilli(row.CreatedAtMillis).UTC(),
		Error:      row.Error,
	}
	if row.LastAttemptMillis > 0 {
		op.LastAttempt = time.UnixMilli(row.LastAttemptMillis).UTC()
	}
	return op
}
