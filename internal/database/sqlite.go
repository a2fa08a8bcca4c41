package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/callsync/internal/crm"
	"github.com/MarcoPoloResearchLab/callsync/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Durable defaults for file-backed databases; in-memory DSNs carry their own parameters.
const durablePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"

// OpenQueue opens the device-local call queue and performs schema migrations.
func OpenQueue(path string, log *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&queue.OfflineCallRecord{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, queueMigrations(), log); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("call queue initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenCRM opens the server-side call database and performs schema migrations.
func OpenCRM(path string, log *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&crm.Call{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, crmMigrations(), log); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("crm database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func withPragmas(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return path + "?" + durablePragmas
}
