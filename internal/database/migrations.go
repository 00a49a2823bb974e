package database

import (
	"errors"
	"time"

	"github.com/projectlens/mirrorsync/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationCloseAbandonedRuns = "2026-08-12_close_abandoned_sync_runs"

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
		{name: migrationCloseAbandonedRuns, apply: closeAbandonedRuns},
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

// Runs left in the running state by a crashed process would otherwise show
// as in-flight forever on the staleness endpoint.
func closeAbandonedRuns(db *gorm.DB) error {
	return db.Model(&mirror.SyncRun{}).
		Where("status = ? AND finished_at_s = 0", mirror.RunStatusRunning).
		Updates(map[string]any{
			"status": mirror.RunStatusFailed,
			"error":  "abandoned by process restart",
		}).Error
}
