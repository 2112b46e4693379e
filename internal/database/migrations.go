package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPruneStrandedDeferredRelations = "2024-06-01_prune_stranded_deferred_relations"
	migrationRequeueAuthFailures            = "2024-07-15_requeue_auth_failures"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneStrandedDeferredRelations, apply: pruneStrandedDeferredRelations},
		{name: migrationRequeueAuthFailures, apply: requeueAuthFailures},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// pruneStrandedDeferredRelations drops deferred links whose dependent record was
// deleted before its target ever synced.
func pruneStrandedDeferredRelations(db *gorm.DB) error {
	return db.Exec(`DELETE FROM deferred_relations WHERE NOT EXISTS (
		SELECT 1 FROM records
		WHERE records.entity_type = deferred_relations.entity_type
		AND records.id = deferred_relations.record_id)`).Error
}

// requeueAuthFailures gives operations that failed on a revoked integration token
// a fresh retry budget.
func requeueAuthFailures(db *gorm.DB) error {
	return db.Exec(`UPDATE sync_operations SET status = 'pending', retry_count = 0
		WHERE status = 'failed' AND (error LIKE '%unauthorized%' OR error LIKE '%restricted_resource%')`).Error
}
