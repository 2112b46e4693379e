package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldEntityType     = "entity_type"
	fieldRecordID       = "record_id"
	queryEntity         = "entity_type = ?"
	queryEntityID       = "entity_type = ? AND id = ?"
	queryEntityRemoteID = "entity_type = ? AND remote_id = ?"
	queryDeferredTarget = "target_type = ? AND target_id = ?"
	queryDeferredOwner  = "entity_type = ? AND record_id = ?"
	orderIDAsc          = "id ASC"
	opStoreGet          = "records.store.get"
	opStorePut          = "records.store.put"
	opStoreDelete       = "records.store.delete"
)

var errMissingDatabase = errors.New("records: database handle is required")

// GormStore implements Store, CursorStore and DeferredRelationStore on top of GORM.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an opened database handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}, nil
}

// Get loads a record by local id.
func (s *GormStore) Get(ctx context.Context, entityType EntityType, id string) (Record, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).Where(queryEntityID, entityType.String(), id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, id)
	}
	if err != nil {
		s.logError(opStoreGet, err, zap.String(fieldEntityType, entityType.String()), zap.String(fieldRecordID, id))
		return Record{}, fmt.Errorf("records: get %s/%s: %w", entityType, id, err)
	}
	return fromRow(row), nil
}

// GetAll returns every record of the entity type ordered by local id.
func (s *GormStore) GetAll(ctx context.Context, entityType EntityType) ([]Record, error) {
	var rows []RecordRow
	if err := s.db.WithContext(ctx).Where(queryEntity, entityType.String()).Order(orderIDAsc).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: list %s: %w", entityType, err)
	}
	result := make([]Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, fromRow(row))
	}
	return result, nil
}

// GetByRemoteID loads the record carrying the remote identifier.
func (s *GormStore) GetByRemoteID(ctx context.Context, entityType EntityType, remoteID string) (Record, error) {
	if remoteID == "" {
		return Record{}, fmt.Errorf("%w: empty remote id", ErrRecordNotFound)
	}
	var row RecordRow
	err := s.db.WithContext(ctx).Where(queryEntityRemoteID, entityType.String(), remoteID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s remote %s", ErrRecordNotFound, entityType, remoteID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("records: get %s by remote id %s: %w", entityType, remoteID, err)
	}
	return fromRow(row), nil
}

// Query returns the records of the entity type accepted by predicate.
func (s *GormStore) Query(ctx context.Context, entityType EntityType, predicate Predicate) ([]Record, error) {
	all, err := s.GetAll(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return all, nil
	}
	matches := make([]Record, 0, len(all))
	for _, record := range all {
		if predicate(record) {
			matches = append(matches, record)
		}
	}
	return matches, nil
}

// Put inserts or replaces a record. An assigned remote id can never change or be cleared.
func (s *GormStore) Put(ctx context.Context, entityType EntityType, record Record) error {
	if _, err := ValidateRecordID(record.ID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RecordRow
		err := tx.Where(queryEntityID, entityType.String(), record.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return s.save(tx, entityType, nil, record)
		case err != nil:
			return fmt.Errorf("records: load %s/%s: %w", entityType, record.ID, err)
		default:
			return s.save(tx, entityType, &existing, record)
		}
	})
}

// Mutate applies fn to the stored record inside one transaction. The record is
// saved only when fn reports a change.
func (s *GormStore) Mutate(ctx context.Context, entityType EntityType, id string, fn MutateFunc) (Record, error) {
	var result Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RecordRow
		err := tx.Where(queryEntityID, entityType.String(), id).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, id)
		}
		if err != nil {
			return fmt.Errorf("records: load %s/%s: %w", entityType, id, err)
		}
		record := fromRow(existing)
		changed, err := fn(&record)
		if err != nil {
			return err
		}
		record.ID = id
		result = record
		if !changed {
			return nil
		}
		return s.save(tx, entityType, &existing, record)
	})
	if err != nil {
		return Record{}, err
	}
	return result, nil
}

func (s *GormStore) save(tx *gorm.DB, entityType EntityType, existing *RecordRow, record Record) error {
	row := toRow(entityType, record)
	if existing != nil && existing.RemoteID != nil && (row.RemoteID == nil || *row.RemoteID != *existing.RemoteID) {
		return fmt.Errorf("%w: %s/%s", ErrRemoteIDImmutable, entityType, record.ID)
	}
	if row.RemoteID != nil {
		var holder RecordRow
		err := tx.Where(queryEntityRemoteID, entityType.String(), *row.RemoteID).Take(&holder).Error
		if err == nil && holder.ID != record.ID {
			return fmt.Errorf("%w: %s remote %s held by %s", ErrDuplicateRemoteID, entityType, *row.RemoteID, holder.ID)
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("records: check remote id %s: %w", *row.RemoteID, err)
		}
	}
	if err := tx.Save(&row).Error; err != nil {
		s.logError(opStorePut, err, zap.String(fieldEntityType, entityType.String()), zap.String(fieldRecordID, record.ID))
		return fmt.Errorf("records: save %s/%s: %w", entityType, record.ID, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *GormStore) Delete(ctx context.Context, entityType EntityType, id string) error {
	err := s.db.WithContext(ctx).Where(queryEntityID, entityType.String(), id).Delete(&RecordRow{}).Error
	if err != nil {
		s.logError(opStoreDelete, err, zap.String(fieldEntityType, entityType.String()), zap.String(fieldRecordID, id))
		return fmt.Errorf("records: delete %s/%s: %w", entityType, id, err)
	}
	return nil
}

// Cursor returns the stored pull watermark for the entity type.
func (s *GormStore) Cursor(ctx context.Context, entityType EntityType) (time.Time, bool, error) {
	var row CursorRow
	err := s.db.WithContext(ctx).Where(queryEntity, entityType.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("records: load cursor %s: %w", entityType, err)
	}
	cursor, err := time.Parse(time.RFC3339Nano, row.Cursor)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("records: parse cursor %s: %w", entityType, err)
	}
	return cursor.UTC(), true, nil
}

// SetCursor stores the pull watermark for the entity type.
func (s *GormStore) SetCursor(ctx context.Context, entityType EntityType, cursor time.Time) error {
	row := CursorRow{
		EntityType:      entityType.String(),
		Cursor:          cursor.UTC().Format(time.RFC3339Nano),
		UpdatedAtMillis: time.Now().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("records: save cursor %s: %w", entityType, err)
	}
	return nil
}

// DeferRelation remembers an omitted optional relation.
func (s *GormStore) DeferRelation(ctx context.Context, relation DeferredRelation) error {
	row := DeferredRelationRow{
		EntityType: relation.EntityType.String(),
		RecordID:   relation.RecordID,
		Field:      relation.Field,
		TargetType: relation.TargetType.String(),
		TargetID:   relation.TargetID,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("records: defer relation %s/%s.%s: %w", relation.EntityType, relation.RecordID, relation.Field, err)
	}
	return nil
}

// TakeDeferredRelations returns and forgets every relation waiting on the target.
func (s *GormStore) TakeDeferredRelations(ctx context.Context, targetType EntityType, targetID string) ([]DeferredRelation, error) {
	var rows []DeferredRelationRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryDeferredTarget, targetType.String(), targetID).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Where(queryDeferredTarget, targetType.String(), targetID).Delete(&DeferredRelationRow{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("records: take deferred relations for %s/%s: %w", targetType, targetID, err)
	}
	return fromDeferredRows(rows), nil
}

// DeferredRelationsOf lists the relations the record is still waiting to send.
func (s *GormStore) DeferredRelationsOf(ctx context.Context, entityType EntityType, recordID string) ([]DeferredRelation, error) {
	var rows []DeferredRelationRow
	if err := s.db.WithContext(ctx).Where(queryDeferredOwner, entityType.String(), recordID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: list deferred relations of %s/%s: %w", entityType, recordID, err)
	}
	return fromDeferredRows(rows), nil
}

func fromDeferredRows(rows []DeferredRelationRow) []DeferredRelation {
	relations := make([]DeferredRelation, 0, len(rows))
	for _, row := range rows {
		relations = append(relations, DeferredRelation{
			EntityType: EntityType(row.EntityType),
			RecordID:   row.RecordID,
			Field:      row.Field,
			TargetType: EntityType(row.TargetType),
			TargetID:   row.TargetID,
		})
	}
	return relations
}

func (s *GormStore) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records store error", attrs...)
}
