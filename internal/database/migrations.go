package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/crm"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairCompletedWithoutServerID = "2026-09-02_repair_completed_without_server_id"
	migrationNullBlankIdempotencyKeys       = "2026-09-02_null_blank_idempotency_keys"
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

func queueMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationRepairCompletedWithoutServerID, apply: repairCompletedWithoutServerID},
	}
}

func crmMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNullBlankIdempotencyKeys, apply: nullBlankIdempotencyKeys},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
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

// A completed record without a server id cannot be proven delivered; send it again.
// The idempotency key keeps the resend from duplicating the server row.
func repairCompletedWithoutServerID(db *gorm.DB) error {
	return db.Model(&queue.OfflineCallRecord{}).
		Where("sync_status = ? AND server_id IS NULL", string(queue.StatusCompleted)).
		Update("sync_status", queue.StatusPending).Error
}

func nullBlankIdempotencyKeys(db *gorm.DB) error {
	return db.Model(&crm.Call{}).
		Where("idempotency_key = ''").
		Update("idempotency_key", nil).Error
}
