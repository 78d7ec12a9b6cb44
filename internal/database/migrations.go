package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillFriendshipAcceptedAt = "2026-10-01_backfill_friendship_accepted_at"
	migrationDropOrphanedPostLocks        = "2026-10-01_drop_orphaned_post_locks"
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
		{name: migrationBackfillFriendshipAcceptedAt, apply: backfillFriendshipAcceptedAt},
		{name: migrationDropOrphanedPostLocks, apply: dropOrphanedPostLocks},
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

// backfillFriendshipAcceptedAt dates accepted friendships that predate the accepted_at_us column
// at their creation instant, so friend-post eligibility treats them as long established.
func backfillFriendshipAcceptedAt(db *gorm.DB) error {
	return db.Model(&users.Friendship{}).
		Where("status = ? AND accepted_at_us = 0", users.FriendshipAccepted).
		Update("accepted_at_us", gorm.Expr("created_at_us")).Error
}

// dropOrphanedPostLocks removes locks written before foreign keys were enforced whose post is gone.
func dropOrphanedPostLocks(db *gorm.DB) error {
	return db.Where("post_id NOT IN (?)", db.Table("posts").Select("id")).
		Delete(&locks.PostLock{}).Error
}
