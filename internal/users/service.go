package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates no account exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidUsername indicates an empty username.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("users: username taken")
	// ErrSelfRelation rejects friendships or blocks targeting oneself.
	ErrSelfRelation = errors.New("users: cannot relate a user to themselves")
	// ErrFriendRequestNotFound indicates no pending request exists to accept.
	ErrFriendRequestNotFound = errors.New("users: friend request not found")
)

// ServiceConfig describes the dependencies required for user lookups and social graph queries.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages accounts, friendships and blocks.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Create registers a new user.
func (s *Service) Create(ctx context.Context, username string, role Role) (User, error) {
	username = normalize(username)
	if username == "" {
		return User{}, ErrInvalidUsername
	}
	if role == "" {
		role = RoleUser
	}
	user := User{
		Username:        username,
		Role:            role,
		CreatedAtMicros: s.now().UTC().UnixMicro(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
	if result.Error != nil {
		return User{}, result.Error
	}
	if result.RowsAffected == 0 {
		return User{}, ErrUsernameTaken
	}
	s.cache.Store(user.ID, user)
	return user, nil
}

// Lookup returns the user for the identifier, consulting the in-process cache first.
func (s *Service) Lookup(ctx context.Context, userID uint) (User, error) {
	if userID == 0 {
		return User{}, ErrUserNotFound
	}
	if cached, ok := s.cache.Load(userID); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}

	s.cache.Store(userID, user)
	return user, nil
}

// RequestFriendship records a pending request from requester to addressee.
// A request that already exists in either direction is returned unchanged.
func (s *Service) RequestFriendship(ctx context.Context, requesterID, addresseeID uint) (Friendship, error) {
	if requesterID == addresseeID {
		return Friendship{}, ErrSelfRelation
	}
	if err := s.ensureUsers(ctx, requesterID, addresseeID); err != nil {
		return Friendship{}, err
	}

	var friendship Friendship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.
			Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
				requesterID, addresseeID, addresseeID, requesterID).
			Take(&friendship).Error
		if lookupErr == nil {
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		friendship = Friendship{
			RequesterID:     requesterID,
			AddresseeID:     addresseeID,
			Status:          FriendshipPending,
			CreatedAtMicros: s.now().UTC().UnixMicro(),
		}
		return tx.Create(&friendship).Error
	})
	if err != nil {
		return Friendship{}, err
	}
	return friendship, nil
}

// AcceptFriendship marks the pending request from requester to addressee as accepted.
func (s *Service) AcceptFriendship(ctx context.Context, requesterID, addresseeID uint) (Friendship, error) {
	var friendship Friendship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.
			Where("requester_id = ? AND addressee_id = ?", requesterID, addresseeID).
			Take(&friendship).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return ErrFriendRequestNotFound
		}
		if lookupErr != nil {
			return lookupErr
		}
		if friendship.Status == FriendshipAccepted {
			return nil
		}
		friendship.Status = FriendshipAccepted
		friendship.AcceptedAtMicros = s.now().UTC().UnixMicro()
		return tx.Model(&Friendship{}).
			Where("id = ?", friendship.ID).
			Updates(map[string]any{
				"status":         friendship.Status,
				"accepted_at_us": friendship.AcceptedAtMicros,
			}).Error
	})
	if err != nil {
		return Friendship{}, err
	}
	return friendship, nil
}

// Block records that blocker refuses interaction from blocked. Repeated blocks are idempotent.
func (s *Service) Block(ctx context.Context, blockerID, blockedID uint) error {
	if blockerID == blockedID {
		return ErrSelfRelation
	}
	if err := s.ensureUsers(ctx, blockerID, blockedID); err != nil {
		return err
	}
	block := Block{
		BlockerID:       blockerID,
		BlockedID:       blockedID,
		CreatedAtMicros: s.now().UTC().UnixMicro(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&block).Error
}

// IsBlocked reports whether blocker has blocked blocked.
func (s *Service) IsBlocked(ctx context.Context, blockerID, blockedID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Block{}).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// BlockedEitherWay reports whether either user has blocked the other.
func (s *Service) BlockedEitherWay(ctx context.Context, firstID, secondID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)",
			firstID, secondID, secondID, firstID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

const eligibleFriendsQuery = `
SELECT u.id, u.username, u.role, u.created_at_us
FROM users u
JOIN friendships f
  ON (f.requester_id = ? AND f.addressee_id = u.id)
  OR (f.addressee_id = ? AND f.requester_id = u.id)
WHERE f.status = ?
  AND f.accepted_at_us <= ?
  AND u.id <> ?
  AND NOT EXISTS (
    SELECT 1 FROM user_blocks b
    WHERE (b.blocker_id = ? AND b.blocked_id = u.id)
       OR (b.blocker_id = u.id AND b.blocked_id = ?)
  )
ORDER BY u.id`

// FriendsAcceptedBy returns the accepted friends of userID whose friendship was
// accepted at or before atMicros, excluding anyone blocked in either direction.
func (s *Service) FriendsAcceptedBy(ctx context.Context, userID uint, atMicros int64) ([]User, error) {
	var friends []User
	err := s.db.WithContext(ctx).
		Raw(eligibleFriendsQuery, userID, userID, FriendshipAccepted, atMicros, userID, userID, userID).
		Scan(&friends).Error
	if err != nil {
		return nil, err
	}
	return friends, nil
}

func (s *Service) ensureUsers(ctx context.Context, userIDs ...uint) error {
	for _, userID := range userIDs {
		if _, err := s.Lookup(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}
