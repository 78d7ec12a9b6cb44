package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is the lifetime of a freshly acquired or renewed lock.
const DefaultTTL = 15 * time.Minute

const maxAcquireAttempts = 3

const (
	opManagerNew = "locks.manager.new"
	opAcquire    = "locks.acquire"
	opRelease    = "locks.release"
	opCurrent    = "locks.current"
	opSweep      = "locks.sweep"

	logMessage = "locks service error"

	// ReasonExpired marks a release caused by expiry rather than by the holder.
	ReasonExpired = "expired"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user directory is required")
	errAcquireRace     = errors.New("concurrent lock change")

	// ErrLocked indicates another user holds a live lock. Returned errors are *ConflictError.
	ErrLocked = errors.New("locks: post is locked by another user")
	// ErrNotHolder indicates the caller does not hold the lock it tried to release.
	ErrNotHolder = errors.New("locks: lock is held by another user")
	// ErrNoLock indicates the post has no live lock.
	ErrNoLock = errors.New("locks: post is not locked")
)

var tracer = otel.Tracer("github.com/MarcoPoloResearchLab/agora/internal/locks")

// ConflictError reports the live lock that blocked an acquire.
type ConflictError struct {
	Lock           PostLock
	HolderUsername string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locks: post %d is locked by user %d", e.Lock.PostID, e.Lock.UserID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLocked
}

// AcquiredEvent is the payload of post_lock_acquired and post_lock_renewed.
type AcquiredEvent struct {
	PostID         uint   `json:"post_id"`
	HolderID       uint   `json:"holder_id"`
	HolderUsername string `json:"holder_username"`
	ExpiresAt      string `json:"expires_at"`
}

// ReleasedEvent is the payload of post_lock_released.
type ReleasedEvent struct {
	PostID           uint   `json:"post_id"`
	ReleasedByUserID uint   `json:"released_by_user_id"`
	Username         string `json:"username"`
	Reason           string `json:"reason,omitempty"`
}

// UserDirectory resolves holder usernames.
type UserDirectory interface {
	Lookup(ctx context.Context, userID uint) (users.User, error)
}

// ManagerConfig describes the dependencies of the lock manager.
type ManagerConfig struct {
	Database *gorm.DB
	Users    UserDirectory
	Emitter  realtime.Emitter
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager runs the post edit-lock state machine and announces transitions to post rooms.
type Manager struct {
	db      *gorm.DB
	users   UserDirectory
	emitter realtime.Emitter
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// AcquireResult describes a successful acquire.
type AcquireResult struct {
	Lock           PostLock
	HolderUsername string
	Renewed        bool
}

// NewManager constructs a lock manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opManagerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, svcerr.New(opManagerNew, "missing_users", errMissingUsers)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = svcerr.NoOpLogger
	}
	return &Manager{
		db:      cfg.Database,
		users:   cfg.Users,
		emitter: cfg.Emitter,
		ttl:     ttl,
		clock:   clock,
		logger:  logger,
	}, nil
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

type acquireOutcome struct {
	action   acquireAction
	lock     PostLock
	previous PostLock
}

// Acquire takes, renews, or takes over the lock on postID for userID.
// A live lock held by someone else yields a *ConflictError.
func (m *Manager) Acquire(ctx context.Context, postID, userID uint) (AcquireResult, error) {
	ctx, span := tracer.Start(ctx, opAcquire, trace.WithAttributes(
		attribute.Int64("post.id", int64(postID)),
		attribute.Int64("user.id", int64(userID)),
	))
	defer span.End()

	holder, err := m.users.Lookup(ctx, userID)
	if err != nil {
		recordSpanError(span, err)
		return AcquireResult{}, err
	}

	var outcome acquireOutcome
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		outcome, err = m.acquireOnce(ctx, postID, userID)
		if !errors.Is(err, errAcquireRace) {
			break
		}
	}
	if errors.Is(err, errAcquireRace) {
		current, found, readErr := m.read(ctx, postID)
		if readErr != nil {
			metrics.IncLockOperation("acquire", "error")
			recordSpanError(span, readErr)
			return AcquireResult{}, readErr
		}
		if found && current.UserID != userID && current.LiveAt(m.clock().UTC().UnixMicro()) {
			metrics.IncLockOperation("acquire", actionReject.String())
			return AcquireResult{}, &ConflictError{Lock: current, HolderUsername: m.username(ctx, current.UserID)}
		}
		m.logError(opAcquire, "race_unresolved", err, zap.Uint("post_id", postID), zap.Int("attempts", maxAcquireAttempts))
		err = svcerr.New(opAcquire, "race_unresolved", err)
	}
	if err != nil {
		metrics.IncLockOperation("acquire", "error")
		recordSpanError(span, err)
		return AcquireResult{}, err
	}

	metrics.IncLockOperation("acquire", outcome.action.String())
	span.SetAttributes(attribute.String("lock.outcome", outcome.action.String()))

	switch outcome.action {
	case actionReject:
		return AcquireResult{}, &ConflictError{
			Lock:           outcome.previous,
			HolderUsername: m.username(ctx, outcome.previous.UserID),
		}
	case actionRenew:
		m.emit(outcome.lock.PostID, realtime.EventLockRenewed, acquiredEvent(outcome.lock, holder.Username))
	case actionTakeover:
		m.AnnounceExpired(ctx, outcome.previous)
		m.emit(outcome.lock.PostID, realtime.EventLockAcquired, acquiredEvent(outcome.lock, holder.Username))
	default:
		m.emit(outcome.lock.PostID, realtime.EventLockAcquired, acquiredEvent(outcome.lock, holder.Username))
	}

	return AcquireResult{
		Lock:           outcome.lock,
		HolderUsername: holder.Username,
		Renewed:        outcome.action == actionRenew,
	}, nil
}

func (m *Manager) acquireOnce(ctx context.Context, postID, userID uint) (acquireOutcome, error) {
	var outcome acquireOutcome
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.ensurePost(tx, opAcquire, postID); err != nil {
			return err
		}
		existing, err := LoadForUpdate(tx, postID)
		if err != nil {
			m.logError(opAcquire, "lock_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opAcquire, "lock_select_failed", err)
		}

		now := m.clock().UTC().UnixMicro()
		outcome.action = decideAcquire(existing, userID, now)
		switch outcome.action {
		case actionReject:
			outcome.previous = *existing
			return nil
		case actionRenew:
			expires := renewedExpiry(existing.ExpiresAtMicros, now, m.ttl)
			lockedAt := existing.LockedAtMicros
			updates := map[string]any{"expires_at_us": expires}
			if !existing.LiveAt(now) {
				lockedAt = now
				updates["locked_at_us"] = now
			}
			result := tx.Model(&PostLock{}).
				Where("post_id = ? AND user_id = ?", postID, userID).
				Updates(updates)
			if result.Error != nil {
				m.logError(opAcquire, "row_update_failed", result.Error, zap.Uint("post_id", postID))
				return svcerr.New(opAcquire, "row_update_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return errAcquireRace
			}
			outcome.lock = *existing
			outcome.lock.Post = nil
			outcome.lock.ExpiresAtMicros = expires
			outcome.lock.LockedAtMicros = lockedAt
			return nil
		case actionTakeover:
			outcome.previous = *existing
			deleted, err := DeleteIfUnchanged(tx, *existing)
			if err != nil {
				m.logError(opAcquire, "stale_delete_failed", err, zap.Uint("post_id", postID))
				return svcerr.New(opAcquire, "stale_delete_failed", err)
			}
			if !deleted {
				return errAcquireRace
			}
		}

		outcome.lock = PostLock{
			PostID:          postID,
			UserID:          userID,
			LockedAtMicros:  now,
			ExpiresAtMicros: now + m.ttl.Microseconds(),
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&outcome.lock)
		if result.Error != nil {
			m.logError(opAcquire, "row_insert_failed", result.Error, zap.Uint("post_id", postID))
			return svcerr.New(opAcquire, "row_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return errAcquireRace
		}
		return nil
	})
	return outcome, err
}

// Release drops the caller's lock. A lock found expired is swept and reported as ErrNoLock.
func (m *Manager) Release(ctx context.Context, postID, userID uint) (PostLock, error) {
	ctx, span := tracer.Start(ctx, opRelease, trace.WithAttributes(
		attribute.Int64("post.id", int64(postID)),
		attribute.Int64("user.id", int64(userID)),
	))
	defer span.End()

	var released PostLock
	var expired *PostLock
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.ensurePost(tx, opRelease, postID); err != nil {
			return err
		}
		existing, err := LoadForUpdate(tx, postID)
		if err != nil {
			m.logError(opRelease, "lock_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opRelease, "lock_select_failed", err)
		}
		if existing == nil {
			return ErrNoLock
		}
		if !existing.LiveAt(m.clock().UTC().UnixMicro()) {
			deleted, err := DeleteIfUnchanged(tx, *existing)
			if err != nil {
				m.logError(opRelease, "stale_delete_failed", err, zap.Uint("post_id", postID))
				return svcerr.New(opRelease, "stale_delete_failed", err)
			}
			if deleted {
				expired = existing
			}
			return nil
		}
		if existing.UserID != userID {
			return ErrNotHolder
		}
		if _, err := DeleteIfUnchanged(tx, *existing); err != nil {
			m.logError(opRelease, "row_delete_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opRelease, "row_delete_failed", err)
		}
		released = *existing
		released.Post = nil
		return nil
	})
	if err != nil {
		metrics.IncLockOperation("release", outcomeOf(err))
		recordSpanError(span, err)
		return PostLock{}, err
	}
	if expired != nil {
		metrics.IncLockOperation("release", "expired")
		m.AnnounceExpired(ctx, *expired)
		return PostLock{}, ErrNoLock
	}

	metrics.IncLockOperation("release", "released")
	m.emit(postID, realtime.EventLockReleased, ReleasedEvent{
		PostID:           postID,
		ReleasedByUserID: userID,
		Username:         m.username(ctx, userID),
	})
	return released, nil
}

// Current returns the live lock of a post, sweeping it first if it has expired.
func (m *Manager) Current(ctx context.Context, postID uint) (PostLock, bool, error) {
	var live *PostLock
	var expired *PostLock
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.ensurePost(tx, opCurrent, postID); err != nil {
			return err
		}
		existing, err := LoadForUpdate(tx, postID)
		if err != nil {
			m.logError(opCurrent, "lock_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opCurrent, "lock_select_failed", err)
		}
		if existing == nil {
			return nil
		}
		if existing.LiveAt(m.clock().UTC().UnixMicro()) {
			live = existing
			return nil
		}
		deleted, err := DeleteIfUnchanged(tx, *existing)
		if err != nil {
			m.logError(opCurrent, "stale_delete_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opCurrent, "stale_delete_failed", err)
		}
		if deleted {
			expired = existing
		}
		return nil
	})
	if err != nil {
		return PostLock{}, false, err
	}
	if expired != nil {
		m.AnnounceExpired(ctx, *expired)
	}
	if live == nil {
		return PostLock{}, false, nil
	}
	return *live, true, nil
}

// SweepExpired removes every expired lock and announces each removal. It returns the number removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, opSweep)
	defer span.End()

	var swept []PostLock
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []PostLock
		now := m.clock().UTC().UnixMicro()
		if err := tx.Where("expires_at_us <= ?", now).Order("post_id").Find(&stale).Error; err != nil {
			m.logError(opSweep, "select_failed", err)
			return svcerr.New(opSweep, "select_failed", err)
		}
		for _, lock := range stale {
			deleted, err := DeleteIfUnchanged(tx, lock)
			if err != nil {
				m.logError(opSweep, "row_delete_failed", err, zap.Uint("post_id", lock.PostID))
				return svcerr.New(opSweep, "row_delete_failed", err)
			}
			if deleted {
				swept = append(swept, lock)
			}
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	for _, lock := range swept {
		metrics.IncLockOperation("sweep", "expired")
		m.AnnounceExpired(ctx, lock)
	}
	span.SetAttributes(attribute.Int("locks.swept", len(swept)))
	return len(swept), nil
}

// RunJanitor sweeps expired locks every interval until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("lock sweep failed", zap.Error(err))
			}
		}
	}
}

// AnnounceExpired broadcasts the release of a lock that was removed because it expired.
func (m *Manager) AnnounceExpired(ctx context.Context, lock PostLock) {
	m.emit(lock.PostID, realtime.EventLockReleased, ReleasedEvent{
		PostID:           lock.PostID,
		ReleasedByUserID: lock.UserID,
		Username:         m.username(ctx, lock.UserID),
		Reason:           ReasonExpired,
	})
}

func (m *Manager) read(ctx context.Context, postID uint) (PostLock, bool, error) {
	var lock PostLock
	err := m.db.WithContext(ctx).Where("post_id = ?", postID).Take(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PostLock{}, false, nil
	}
	if err != nil {
		m.logError(opAcquire, "lock_reread_failed", err, zap.Uint("post_id", postID))
		return PostLock{}, false, svcerr.New(opAcquire, "lock_reread_failed", err)
	}
	return lock, true, nil
}

func (m *Manager) ensurePost(tx *gorm.DB, operation string, postID uint) error {
	var post posts.Post
	err := tx.Select("id").Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return posts.ErrPostNotFound
	}
	if err != nil {
		m.logError(operation, "post_select_failed", err, zap.Uint("post_id", postID))
		return svcerr.New(operation, "post_select_failed", err)
	}
	return nil
}

func (m *Manager) username(ctx context.Context, userID uint) string {
	user, err := m.users.Lookup(ctx, userID)
	if err != nil {
		m.logger.Warn("lock holder lookup failed", zap.Uint("user_id", userID), zap.Error(err))
		return ""
	}
	return user.Username
}

func (m *Manager) emit(postID uint, event string, payload any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(realtime.ToRoom(realtime.PostRoom(postID)), event, payload)
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	svcerr.Log(m.logger, logMessage, operation, reason, err, fields...)
}

func acquiredEvent(lock PostLock, username string) AcquiredEvent {
	return AcquiredEvent{
		PostID:         lock.PostID,
		HolderID:       lock.UserID,
		HolderUsername: username,
		ExpiresAt:      realtime.FormatMicros(lock.ExpiresAtMicros),
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNoLock):
		return "no_lock"
	case errors.Is(err, ErrNotHolder):
		return "forbidden"
	case errors.Is(err, posts.ErrPostNotFound):
		return "post_not_found"
	default:
		return "error"
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
