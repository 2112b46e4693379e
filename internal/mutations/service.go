// Package mutations applies user-initiated writes to the local store and records
// the matching intents in the operation queue.
package mutations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pawsync/internal/entities"
	"github.com/MarcoPoloResearchLab/pawsync/internal/queue"
	"github.com/MarcoPoloResearchLab/pawsync/internal/records"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("record store is required")
	errMissingQueue      = errors.New("operation queue is required")
	errMissingRegistry   = errors.New("entity registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

var (
	// ErrUnknownField indicates a field the entity type does not declare.
	ErrUnknownField = errors.New("mutations: unknown field")
	// ErrRequiredRelation indicates a required relation left empty.
	ErrRequiredRelation = errors.New("mutations: required relation is empty")
	// ErrDanglingRelation indicates a relation id with no local record of the target type.
	ErrDanglingRelation = errors.New("mutations: relation target does not exist")
	// ErrTooManyRelations indicates several ids for a single relation.
	ErrTooManyRelations = errors.New("mutations: single relation holds more than one id")
	// ErrNoChanges indicates an update without fields.
	ErrNoChanges = errors.New("mutations: no fields to update")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "mutations.service.new"
	opCreate     = "mutations.create"
	opUpdate     = "mutations.update"
	opDelete     = "mutations.delete"
	opGet        = "mutations.get"
	opList       = "mutations.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Store      records.Store
	Queue      *queue.Queue
	Registry   *entities.Registry
	IDProvider records.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	// OnChange runs after every successful local write, e.g. to request a sync.
	OnChange func()
}

type Service struct {
	store      records.Store
	queue      *queue.Queue
	registry   *entities.Registry
	idProvider records.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	onChange   func()
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}

	return &Service{
		store:      cfg.Store,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		onChange:   onChange,
	}, nil
}

// Create stores a new unsynced record under a fresh local id and queues its create.
func (s *Service) Create(ctx context.Context, entityType records.EntityType, fields records.Fields) (records.Record, error) {
	schema, err := s.registry.Schema(entityType)
	if err != nil {
		return records.Record{}, newServiceError(opCreate, "unknown_entity_type", err)
	}
	normalized, err := s.validate(ctx, schema, fields, true)
	if err != nil {
		s.logError(opCreate, "invalid_fields", err, zap.String("entity_type", entityType.String()))
		return records.Record{}, newServiceError(opCreate, "invalid_fields", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return records.Record{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	record := records.Record{
		ID:        id,
		UpdatedAt: s.clock().UTC(),
		Fields:    normalized,
	}
	if err := s.store.Put(ctx, entityType, record); err != nil {
		s.logError(opCreate, "store_failed", err, zap.String("record_id", id))
		return records.Record{}, newServiceError(opCreate, "store_failed", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.Operation{
		Type:       queue.OperationTypeCreate,
		EntityType: entityType,
		RecordID:   id,
		Data:       normalized.Clone(),
	}); err != nil {
		s.logError(opCreate, "enqueue_failed", err, zap.String("record_id", id))
		return records.Record{}, newServiceError(opCreate, "enqueue_failed", err)
	}
	s.onChange()
	return record, nil
}

// Update merges fields into the record, marks it unsynced and queues the change.
func (s *Service) Update(ctx context.Context, entityType records.EntityType, id string, fields records.Fields) (records.Record, error) {
	schema, err := s.registry.Schema(entityType)
	if err != nil {
		return records.Record{}, newServiceError(opUpdate, "unknown_entity_type", err)
	}
	if len(fields) == 0 {
		return records.Record{}, newServiceError(opUpdate, "invalid_fields", ErrNoChanges)
	}
	normalized, err := s.validate(ctx, schema, fields, false)
	if err != nil {
		s.logError(opUpdate, "invalid_fields", err, zap.String("entity_type", entityType.String()), zap.String("record_id", id))
		return records.Record{}, newServiceError(opUpdate, "invalid_fields", err)
	}

	updated, err := s.store.Mutate(ctx, entityType, id, func(record *records.Record) (bool, error) {
		record.Fields = record.Fields.Merge(normalized)
		record.UpdatedAt = s.clock().UTC()
		record.Synced = false
		return true, nil
	})
	if errors.Is(err, records.ErrRecordNotFound) {
		return records.Record{}, newServiceError(opUpdate, "record_not_found", err)
	}
	if err != nil {
		s.logError(opUpdate, "store_failed", err, zap.String("record_id", id))
		return records.Record{}, newServiceError(opUpdate, "store_failed", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.Operation{
		Type:       queue.OperationTypeUpdate,
		EntityType: entityType,
		RecordID:   id,
		RemoteID:   updated.RemoteID,
		Data:       normalized.Clone(),
	}); err != nil {
		s.logError(opUpdate, "enqueue_failed", err, zap.String("record_id", id))
		return records.Record{}, newServiceError(opUpdate, "enqueue_failed", err)
	}
	s.onChange()
	return updated, nil
}

// Delete removes the record locally and queues the remote archive.
func (s *Service) Delete(ctx context.Context, entityType records.EntityType, id string) error {
	if _, err := s.registry.Schema(entityType); err != nil {
		return newServiceError(opDelete, "unknown_entity_type", err)
	}
	record, err := s.store.Get(ctx, entityType, id)
	if errors.Is(err, records.ErrRecordNotFound) {
		return newServiceError(opDelete, "record_not_found", err)
	}
	if err != nil {
		s.logError(opDelete, "store_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "store_failed", err)
	}
	if err := s.store.Delete(ctx, entityType, id); err != nil {
		s.logError(opDelete, "store_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "store_failed", err)
	}
	if _, err := s.queue.Enqueue(ctx, queue.Operation{
		Type:       queue.OperationTypeDelete,
		EntityType: entityType,
		RecordID:   id,
		RemoteID:   record.RemoteID,
	}); err != nil {
		s.logError(opDelete, "enqueue_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "enqueue_failed", err)
	}
	s.onChange()
	return nil
}

// Get returns one local record.
func (s *Service) Get(ctx context.Context, entityType records.EntityType, id string) (records.Record, error) {
	if _, err := s.registry.Schema(entityType); err != nil {
		return records.Record{}, newServiceError(opGet, "unknown_entity_type", err)
	}
	record, err := s.store.Get(ctx, entityType, id)
	if errors.Is(err, records.ErrRecordNotFound) {
		return records.Record{}, newServiceError(opGet, "record_not_found", err)
	}
	if err != nil {
		s.logError(opGet, "store_failed", err, zap.String("record_id", id))
		return records.Record{}, newServiceError(opGet, "store_failed", err)
	}
	return record, nil
}

// List returns every local record of the type.
func (s *Service) List(ctx context.Context, entityType records.EntityType) ([]records.Record, error) {
	if _, err := s.registry.Schema(entityType); err != nil {
		return nil, newServiceError(opList, "unknown_entity_type", err)
	}
	all, err := s.store.GetAll(ctx, entityType)
	if err != nil {
		s.logError(opList, "store_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newServiceError(opList, "store_failed", err)
	}
	return all, nil
}

// validate rejects undeclared fields and dangling relation ids, and shapes relation
// values into their stored form. On create every required relation must be set.
func (s *Service) validate(ctx context.Context, schema entities.Schema, fields records.Fields, creating bool) (records.Fields, error) {
	declared := make(map[string]struct{}, len(schema.Scalars)+len(schema.Relations)+len(schema.LocalOnly))
	for _, scalar := range schema.Scalars {
		declared[scalar.Name] = struct{}{}
	}
	for _, relation := range schema.Relations {
		declared[relation.Name] = struct{}{}
	}
	for _, name := range schema.LocalOnly {
		declared[name] = struct{}{}
	}
	for name := range fields {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, schema.Type, name)
		}
	}

	normalized := fields.Clone()
	for _, relation := range schema.Relations {
		value, present := fields[relation.Name]
		if !present {
			if creating && relation.Required {
				return nil, fmt.Errorf("%w: %s.%s", ErrRequiredRelation, schema.Type, relation.Name)
			}
			continue
		}
		ids := records.RelationIDs(value)
		if relation.Required && len(ids) == 0 {
			return nil, fmt.Errorf("%w: %s.%s", ErrRequiredRelation, schema.Type, relation.Name)
		}
		if !relation.Multiple && len(ids) > 1 {
			return nil, fmt.Errorf("%w: %s.%s", ErrTooManyRelations, schema.Type, relation.Name)
		}
		for _, targetID := range ids {
			if _, err := s.store.Get(ctx, relation.Target, targetID); err != nil {
				if errors.Is(err, records.ErrRecordNotFound) {
					return nil, fmt.Errorf("%w: %s %s", ErrDanglingRelation, relation.Target, targetID)
				}
				return nil, err
			}
		}
		normalized[relation.Name] = records.RelationValue(ids, relation.Multiple)
	}
	return normalized, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mutations service error", attrs...)
}
