package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCompactSortOrder      = "2026-10-01_compact_sort_order"
	migrationPurgeUnknownOperation = "2026-10-08_purge_unknown_operation_kinds"
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
		{name: migrationCompactSortOrder, apply: compactSortOrder},
		{name: migrationPurgeUnknownOperation, apply: purgeUnknownOperationKinds},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// compactSortOrder renumbers every status bucket to 0..n-1 so databases edited
// outside the store start from contiguous sort orders.
func compactSortOrder(tx *gorm.DB) error {
	return library.CompactBuckets(tx)
}

// purgeUnknownOperationKinds removes queued rows this build cannot decode.
func purgeUnknownOperationKinds(tx *gorm.DB) error {
	known := make([]string, 0, len(queue.Kinds()))
	for _, kind := range queue.Kinds() {
		known = append(known, string(kind))
	}
	return tx.Where("kind NOT IN ?", known).Delete(&queue.OperationRecord{}).Error
}
