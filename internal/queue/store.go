package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"gorm.io/gorm"
)

const (
	queryRecordActive = "entity_type = ? AND record_id = ? AND status IN ?"
	queryStatus       = "status = ?"
	orderCreatedAsc   = "created_at_ms ASC, id ASC"
)

var errMissingDatabase = errors.New("queue: database handle is required")

// Store persists queue entries.
type Store interface {
	Get(ctx context.Context, id string) (Operation, error)
	ListByStatus(ctx context.Context, status Status) ([]Operation, error)
	ListActiveForRecord(ctx context.Context, entityType records.EntityType, recordID string) ([]Operation, error)
	// Apply removes the listed operations and upserts save, atomically.
	Apply(ctx context.Context, removals []string, save *Operation) error
}

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Models lists the tables owned by this package for schema migration.
func Models() []any {
	return []any{&OperationRow{}}
}

// Get loads an operation by id.
func (s *GormStore) Get(ctx context.Context, id string) (Operation, error) {
	var row OperationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return fromOperationRow(row), nil
}

// ListByStatus returns operations with the status, oldest first.
func (s *GormStore) ListByStatus(ctx context.Context, status Status) ([]Operation, error) {
	var rows []OperationRow
	if err := s.db.WithContext(ctx).Where(queryStatus, string(status)).Order(orderCreatedAsc).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", status, err)
	}
	return fromOperationRows(rows), nil
}

// ListActiveForRecord returns the pending or failed operations of one record, oldest first.
func (s *GormStore) ListActiveForRecord(ctx context.Context, entityType records.EntityType, recordID string) ([]Operation, error) {
	var rows []OperationRow
	err := s.db.WithContext(ctx).
		Where(queryRecordActive, entityType.String(), recordID, []string{string(StatusPending), string(StatusFailed)}).
		Order(orderCreatedAsc).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list active for %s/%s: %w", entityType, recordID, err)
	}
	return fromOperationRows(rows), nil
}

// Apply removes and upserts inside one transaction.
func (s *GormStore) Apply(ctx context.Context, removals []string, save *Operation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(removals) > 0 {
			if err := tx.Where("id IN ?", removals).Delete(&OperationRow{}).Error; err != nil {
				return fmt.Errorf("queue: remove operations: %w", err)
			}
		}
		if save == nil {
			return nil
		}
		row := toOperationRow(*save)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("queue: save operation %s: %w", save.ID, err)
		}
		return nil
	})
}

func fromOperationRows(rows []OperationRow) []Operation {
	operations := make([]Operation, 0, len(rows))
	for _, row := range rows {
		operations = append(operations, fromOperationRow(row))
	}
	return operations
}
