package locks

import (
	"errors"

	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostLock grants its holder exclusive edit rights on a post until ExpiresAtMicros.
// There is at most one row per post; the row is removed when its post is deleted.
type PostLock struct {
	PostID          uint        `gorm:"column:post_id;primaryKey;autoIncrement:false"`
	UserID          uint        `gorm:"column:user_id;not null;index"`
	LockedAtMicros  int64       `gorm:"column:locked_at_us;not null"`
	ExpiresAtMicros int64       `gorm:"column:expires_at_us;not null;index"`
	Post            *posts.Post `gorm:"foreignKey:PostID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing post locks.
func (PostLock) TableName() string {
	return "post_locks"
}

// LiveAt reports whether the lock is still in force at nowMicros. A lock expiring exactly now is not live.
func (l PostLock) LiveAt(nowMicros int64) bool {
	return l.ExpiresAtMicros > nowMicros
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&PostLock{}}
}

// LoadForUpdate reads the lock row of a post inside tx, or nil when the post is unlocked.
func LoadForUpdate(tx *gorm.DB, postID uint) (*PostLock, error) {
	var lock PostLock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("post_id = ?", postID).
		Take(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// DeleteIfUnchanged removes the lock row only if it still matches lock. It reports whether a row was removed.
func DeleteIfUnchanged(tx *gorm.DB, lock PostLock) (bool, error) {
	result := tx.
		Where("post_id = ? AND user_id = ? AND expires_at_us = ?", lock.PostID, lock.UserID, lock.ExpiresAtMicros).
		Delete(&PostLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
