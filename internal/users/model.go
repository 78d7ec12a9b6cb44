package users

import (
	"errors"
	"strings"
)

// Role names the privilege tier attached to a user.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ErrInvalidRole indicates a role value outside the known set.
var ErrInvalidRole = errors.New("users: invalid role")

// ParseRole normalizes a raw role value.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(normalize(raw))) {
	case RoleUser, "":
		return RoleUser, nil
	case RoleModerator:
		return RoleModerator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", ErrInvalidRole
	}
}

// User is the persisted account record.
type User struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Username        string `gorm:"column:username;size:150;not null;uniqueIndex"`
	Role            Role   `gorm:"column:role;size:16;not null;default:user"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// FriendshipStatus tracks where a friend request stands.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
)

// Friendship links a requester and an addressee. AcceptedAtMicros is zero until accepted.
type Friendship struct {
	ID               uint             `gorm:"column:id;primaryKey;autoIncrement"`
	RequesterID      uint             `gorm:"column:requester_id;not null;uniqueIndex:idx_friendship_pair,priority:1;index"`
	AddresseeID      uint             `gorm:"column:addressee_id;not null;uniqueIndex:idx_friendship_pair,priority:2;index"`
	Status           FriendshipStatus `gorm:"column:status;size:16;not null"`
	CreatedAtMicros  int64            `gorm:"column:created_at_us;not null"`
	AcceptedAtMicros int64            `gorm:"column:accepted_at_us;not null;default:0"`
}

// TableName exposes the table backing friendships.
func (Friendship) TableName() string {
	return "friendships"
}

// Block records that BlockerID refuses interaction from BlockedID.
type Block struct {
	BlockerID       uint  `gorm:"column:blocker_id;primaryKey;autoIncrement:false"`
	BlockedID       uint  `gorm:"column:blocked_id;primaryKey;autoIncrement:false;index"`
	CreatedAtMicros int64 `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing user blocks.
func (Block) TableName() string {
	return "user_blocks"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&User{}, &Friendship{}, &Block{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
