package notifications

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
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew         = "notifications.service.new"
	opFriendPost         = "notifications.friend_post"
	opLike               = "notifications.like"
	opComment            = "notifications.comment"
	opList               = "notifications.list"
	opMarkRead           = "notifications.mark_read"
	opListFriendPosts    = "notifications.list_friend_posts"
	opMarkFriendPostRead = "notifications.mark_friend_post_read"

	logMessage = "notifications service error"

	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user directory is required")

	// ErrNotificationNotFound indicates the notification does not exist or belongs to someone else.
	ErrNotificationNotFound = errors.New("notifications: notification not found")
)

// Pusher delivers events to one-way channel subscribers.
type Pusher interface {
	Publish(userID uint, event realtime.PushEvent) int
	PublishPost(postID uint, event realtime.PushEvent) int
}

// FriendDirectory answers the social-graph questions producers ask.
type FriendDirectory interface {
	FriendsAcceptedBy(ctx context.Context, userID uint, atMicros int64) ([]users.User, error)
	BlockedEitherWay(ctx context.Context, firstID, secondID uint) (bool, error)
}

// FriendPostEvent is the payload of new_friend_post.
type FriendPostEvent struct {
	NotificationID uint   `json:"notification_id"`
	PostID         uint   `json:"post_id"`
	Title          string `json:"title"`
	PosterID       uint   `json:"poster_id"`
	PosterUsername string `json:"poster_username"`
	CreatedAt      string `json:"created_at"`
}

// LikeEvent is the payload of new_like.
type LikeEvent struct {
	NotificationID uint   `json:"notification_id"`
	PostID         uint   `json:"post_id"`
	LikerID        uint   `json:"liker_id"`
	LikerUsername  string `json:"liker_username"`
	Message        string `json:"message"`
	CreatedAt      string `json:"created_at"`
}

// CommentEvent is the payload of new_comment_event.
type CommentEvent struct {
	CommentID      uint   `json:"comment_id"`
	PostID         uint   `json:"post_id"`
	AuthorID       uint   `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// NotificationEvent is the payload of new_notification.
type NotificationEvent struct {
	ID        uint   `json:"id"`
	Kind      Kind   `json:"kind"`
	ActorID   uint   `json:"actor_id"`
	RelatedID uint   `json:"related_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	IsRead    bool   `json:"is_read"`
}

// NewNotificationEvent renders a stored notification for the wire.
func NewNotificationEvent(notification Notification) NotificationEvent {
	return NotificationEvent{
		ID:        notification.ID,
		Kind:      notification.Kind,
		ActorID:   notification.ActorID,
		RelatedID: notification.RelatedID,
		Message:   notification.Message,
		CreatedAt: realtime.FormatMicros(notification.CreatedAtMicros),
		IsRead:    notification.IsRead,
	}
}

// ServiceConfig describes the dependencies of the notification producers.
type ServiceConfig struct {
	Database *gorm.DB
	Users    FriendDirectory
	Pusher   Pusher
	Emitter  realtime.Emitter
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists notifications for committed posts, likes, and comments and pushes them to
// recipients. It implements posts.Hooks.
type Service struct {
	db      *gorm.DB
	users   FriendDirectory
	pusher  Pusher
	emitter realtime.Emitter
	clock   func() time.Time
	logger  *zap.Logger
}

var _ posts.Hooks = (*Service)(nil)

// NewService constructs the notification producers.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, svcerr.New(opServiceNew, "missing_users", errMissingUsers)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = svcerr.NoOpLogger
	}
	return &Service{
		db:      cfg.Database,
		users:   cfg.Users,
		pusher:  cfg.Pusher,
		emitter: cfg.Emitter,
		clock:   clock,
		logger:  logger,
	}, nil
}

// PostCreated notifies every friend whose friendship was accepted by the time the post was created.
func (s *Service) PostCreated(ctx context.Context, event posts.PostCreatedEvent) {
	post := event.Post
	friends, err := s.users.FriendsAcceptedBy(ctx, post.AuthorID, post.CreatedAtMicros)
	if err != nil {
		s.logError(opFriendPost, "friends_query_failed", err, zap.Uint("post_id", post.ID))
		return
	}
	if len(friends) == 0 {
		return
	}

	now := s.clock().UTC().UnixMicro()
	var created []FriendPostNotification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, friend := range friends {
			if friend.ID == post.AuthorID {
				continue
			}
			row := FriendPostNotification{
				RecipientID:     friend.ID,
				PostID:          post.ID,
				PosterID:        post.AuthorID,
				CreatedAtMicros: now,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				created = append(created, row)
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opFriendPost, "row_insert_failed", err, zap.Uint("post_id", post.ID))
		return
	}

	for _, row := range created {
		metrics.IncNotification(string(KindNewFriendPost))
		s.deliver(row.RecipientID, realtime.EventNewFriendPost, FriendPostEvent{
			NotificationID: row.ID,
			PostID:         post.ID,
			Title:          post.Title,
			PosterID:       post.AuthorID,
			PosterUsername: event.Author.Username,
			CreatedAt:      realtime.FormatMicros(row.CreatedAtMicros),
		})
	}
}

// LikeCreated notifies the post author of a like by someone else.
func (s *Service) LikeCreated(ctx context.Context, event posts.LikeCreatedEvent) {
	post := event.Post
	if event.Liker.ID == post.AuthorID {
		return
	}
	row := Notification{
		RecipientID:     post.AuthorID,
		ActorID:         event.Liker.ID,
		Kind:            KindLike,
		RelatedID:       post.ID,
		Message:         fmt.Sprintf("%s liked your post %q", event.Liker.Username, post.Title),
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	created, err := s.insert(ctx, &row)
	if err != nil {
		s.logError(opLike, "row_insert_failed", err, zap.Uint("post_id", post.ID))
		return
	}
	if !created {
		return
	}
	metrics.IncNotification(string(KindLike))
	s.deliver(row.RecipientID, realtime.EventNewLike, LikeEvent{
		NotificationID: row.ID,
		PostID:         post.ID,
		LikerID:        event.Liker.ID,
		LikerUsername:  event.Liker.Username,
		Message:        row.Message,
		CreatedAt:      realtime.FormatMicros(row.CreatedAtMicros),
	})
}

// CommentCreated pushes the comment to the post's listeners and notifies the post author,
// unless the author commented or either party has blocked the other.
func (s *Service) CommentCreated(ctx context.Context, event posts.CommentCreatedEvent) {
	comment := event.Comment
	post := event.Post
	payload := CommentEvent{
		CommentID:      comment.ID,
		PostID:         post.ID,
		AuthorID:       comment.AuthorID,
		AuthorUsername: event.Commenter.Username,
		Content:        comment.Content,
		CreatedAt:      realtime.FormatMicros(comment.CreatedAtMicros),
	}
	if s.pusher != nil {
		s.pusher.PublishPost(post.ID, realtime.PushEvent{
			Name:      realtime.EventNewComment,
			Data:      payload,
			Timestamp: time.UnixMicro(comment.CreatedAtMicros).UTC(),
		})
	}
	if s.emitter != nil {
		s.emitter.Emit(realtime.ToRoom(realtime.PostRoom(post.ID)), realtime.EventNewComment, payload)
	}

	if comment.AuthorID == post.AuthorID {
		return
	}
	blocked, err := s.users.BlockedEitherWay(ctx, comment.AuthorID, post.AuthorID)
	if err != nil {
		s.logError(opComment, "block_check_failed", err, zap.Uint("post_id", post.ID))
		return
	}
	if blocked {
		return
	}

	row := Notification{
		RecipientID:     post.AuthorID,
		ActorID:         comment.AuthorID,
		Kind:            KindComment,
		RelatedID:       comment.ID,
		Message:         fmt.Sprintf("%s commented on your post %q", event.Commenter.Username, post.Title),
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	created, err := s.insert(ctx, &row)
	if err != nil {
		s.logError(opComment, "row_insert_failed", err, zap.Uint("comment_id", comment.ID))
		return
	}
	if !created {
		return
	}
	metrics.IncNotification(string(KindComment))
	s.deliver(row.RecipientID, realtime.EventNotification, NewNotificationEvent(row))
}

// List returns the newest notifications of userID.
func (s *Service) List(ctx context.Context, userID uint, limit int) ([]Notification, error) {
	var rows []Notification
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at_us DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.Uint("user_id", userID))
		return nil, svcerr.New(opList, "query_failed", err)
	}
	return rows, nil
}

// MarkRead flags a notification of userID as read. Marking a read notification again succeeds.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID uint) error {
	return s.markRead(ctx, opMarkRead, &Notification{}, userID, notificationID)
}

// ListFriendPosts returns the newest friend-post notifications of userID.
func (s *Service) ListFriendPosts(ctx context.Context, userID uint, limit int) ([]FriendPostNotification, error) {
	var rows []FriendPostNotification
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at_us DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		s.logError(opListFriendPosts, "query_failed", err, zap.Uint("user_id", userID))
		return nil, svcerr.New(opListFriendPosts, "query_failed", err)
	}
	return rows, nil
}

// MarkFriendPostRead flags a friend-post notification of userID as read.
func (s *Service) MarkFriendPostRead(ctx context.Context, userID, notificationID uint) error {
	return s.markRead(ctx, opMarkFriendPostRead, &FriendPostNotification{}, userID, notificationID)
}

func (s *Service) markRead(ctx context.Context, operation string, model any, userID, notificationID uint) error {
	result := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND recipient_id = ?", notificationID, userID).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(operation, "row_update_failed", result.Error, zap.Uint("notification_id", notificationID))
		return svcerr.New(operation, "row_update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND recipient_id = ?", notificationID, userID).
		Count(&count).Error; err != nil {
		s.logError(operation, "row_select_failed", err, zap.Uint("notification_id", notificationID))
		return svcerr.New(operation, "row_select_failed", err)
	}
	if count == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *Service) insert(ctx context.Context, row *Notification) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) deliver(userID uint, event string, payload any) {
	if s.pusher != nil {
		s.pusher.Publish(userID, realtime.PushEvent{Name: event, Data: payload, Timestamp: s.clock().UTC()})
	}
	if s.emitter != nil {
		s.emitter.Emit(realtime.ToUser(userID), event, payload)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	svcerr.Log(s.logger, logMessage, operation, reason, err, fields...)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
