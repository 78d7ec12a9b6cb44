package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const foreignKeysPragma = "_pragma=foreign_keys(1)"

// Models lists every table of the service in migration order.
func Models() []any {
	models := []any{&migrationRecord{}}
	models = append(models, users.Models()...)
	models = append(models, posts.Models()...)
	models = append(models, locks.Models()...)
	models = append(models, notifications.Models()...)
	models = append(models, chat.Models()...)
	return models
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withForeignKeys(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if purged, err := purgeExpiredLocks(db, time.Now()); err != nil && logger != nil {
		logger.Warn("expired lock purge failed", zap.Error(err))
	} else if purged > 0 && logger != nil {
		logger.Info("expired locks purged", zap.Int64("count", purged))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func withForeignKeys(path string) string {
	if strings.Contains(path, foreignKeysPragma) {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + foreignKeysPragma
	}
	return path + "?" + foreignKeysPragma
}

// purgeExpiredLocks drops locks that lapsed while the process was down. No session can be
// subscribed yet, so nothing is announced.
func purgeExpiredLocks(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at_us <= ?", now.UTC().UnixMicro()).Delete(&locks.PostLock{})
	return result.RowsAffected, result.Error
}
