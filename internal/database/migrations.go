package database

import (
	"errors"
	"time"

	"github.com/noteledger/backend/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeActivityActions = "2026-06-18_normalize_activity_actions"

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
		{name: migrationNormalizeActivityActions, apply: normalizeActivityActions},
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

// Early builds stored action values with whatever casing the client sent.
// Audit queries compare exact strings, so fold legacy rows to lowercase.
func normalizeActivityActions(db *gorm.DB) error {
	return db.Model(&notes.ActivityLog{}).
		Where("action <> LOWER(action)").
		Update("action", gorm.Expr("LOWER(action)")).Error
}
