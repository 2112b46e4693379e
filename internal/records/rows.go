package records

import (
	"time"

	"gorm.io/datatypes"
)

// RecordRow is the persisted form of a Record.
type RecordRow struct {
	EntityType          string                      `gorm:"column:entity_type;primaryKey;size:64;not null;uniqueIndex:idx_records_remote,priority:1"`
	ID                  string                      `gorm:"column:id;primaryKey;size:190;not null"`
	RemoteID            *string                     `gorm:"column:remote_id;size:190;uniqueIndex:idx_records_remote,priority:2"`
	Synced              bool                        `gorm:"column:synced;not null;default:false"`
	UpdatedAtMillis     int64                       `gorm:"column:updated_at_ms;not null"`
	Fields              datatypes.JSONMap           `gorm:"column:fields"`
	UnresolvedRelations datatypes.JSONSlice[string] `gorm:"column:unresolved_relations"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "records"
}

// CursorRow stores the pull watermark as an ISO-8601 timestamp.
type CursorRow struct {
	EntityType      string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	Cursor          string `gorm:"column:cursor_iso;size:64;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CursorRow) TableName() string {
	return "sync_cursors"
}

// DeferredRelationRow stores a DeferredRelation.
type DeferredRelationRow struct {
	EntityType string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	RecordID   string `gorm:"column:record_id;primaryKey;size:190;not null"`
	Field      string `gorm:"column:field;primaryKey;size:64;not null"`
	TargetType string `gorm:"column:target_type;size:64;not null;index:idx_deferred_target,priority:1"`
	TargetID   string `gorm:"column:target_id;primaryKey;size:190;not null;index:idx_deferred_target,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DeferredRelationRow) TableName() string {
	return "deferred_relations"
}

// Models lists the tables owned by this package for schema migration.
func Models() []any {
	return []any{&RecordRow{}, &CursorRow{}, &DeferredRelationRow{}}
}

func toRow(entityType EntityType, record Record) RecordRow {
	fields := datatypes.JSONMap{}
	for key, value := range record.Fields {
		fields[key] = value
	}
	var remoteID *string
	if record.RemoteID != "" {
		value := record.RemoteID
		remoteID = &value
	}
	unresolved := datatypes.JSONSlice[string]{}
	unresolved = append(unresolved, record.UnresolvedRelations...)
	return RecordRow{
		EntityType:          entityType.String(),
		ID:                  record.ID,
		RemoteID:            remoteID,
		Synced:              record.Synced,
		UpdatedAtMillis:     record.UpdatedAt.UTC().UnixMilli(),
		Fields:              fields,
		UnresolvedRelations: unresolved,
	}
}

func fromRow(row RecordRow) Record {
	fields := Fields{}
	for key, value := range row.Fields {
		fields[key] = value
	}
	record := Record{
		ID:        row.ID,
		Synced:    row.Synced,
		UpdatedAt: time.UnixMilli(row.UpdatedAtMillis).UTC(),
		Fields:    fields,
	}
	if row.RemoteID != nil {
		record.RemoteID = *row.RemoteID
	}
	if len(row.UnresolvedRelations) > 0 {
		record.UnresolvedRelations = append([]string(nil), row.UnresolvedRelations...)
	}
	return record
}
