package posts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user directory is required")

	// ErrPostNotFound indicates the post does not exist.
	ErrPostNotFound = errors.New("posts: post not found")
	// ErrBlockedByAuthor indicates the post author has blocked the acting user.
	ErrBlockedByAuthor = errors.New("posts: blocked by post author")
	// ErrNotAuthor indicates the acting user does not own the post.
	ErrNotAuthor = errors.New("posts: not the post author")
	// ErrEmptyContent rejects blank titles, bodies, and comments.
	ErrEmptyContent = errors.New("posts: content is required")
)

const (
	opServiceNew    = "posts.service.new"
	opCreatePost    = "posts.create_post"
	opGetPost       = "posts.get_post"
	opDeletePost    = "posts.delete_post"
	opCreateComment = "posts.create_comment"
	opLikePost      = "posts.like_post"

	logMessage = "posts service error"
)

// PostCreatedEvent describes a committed post.
type PostCreatedEvent struct {
	Post   Post
	Author users.User
}

// LikeCreatedEvent describes a committed like.
type LikeCreatedEvent struct {
	Like  Like
	Post  Post
	Liker users.User
}

// CommentCreatedEvent describes a committed comment.
type CommentCreatedEvent struct {
	Comment   Comment
	Post      Post
	Commenter users.User
}

// Hooks observe committed mutations. They run after the transaction commits.
type Hooks interface {
	PostCreated(ctx context.Context, event PostCreatedEvent)
	LikeCreated(ctx context.Context, event LikeCreatedEvent)
	CommentCreated(ctx context.Context, event CommentCreatedEvent)
}

// UserDirectory resolves users and block relationships.
type UserDirectory interface {
	Lookup(ctx context.Context, userID uint) (users.User, error)
	IsBlocked(ctx context.Context, blockerID, blockedID uint) (bool, error)
}

// ServiceConfig describes the dependencies of the post service.
type ServiceConfig struct {
	Database *gorm.DB
	Users    UserDirectory
	Hooks    Hooks
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists posts, comments, and likes and notifies hooks after commit.
type Service struct {
	db     *gorm.DB
	users  UserDirectory
	hooks  Hooks
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the post service.
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
		db:     cfg.Database,
		users:  cfg.Users,
		hooks:  cfg.Hooks,
		clock:  clock,
		logger: logger,
	}, nil
}

// CreatePost persists a post authored by authorID.
func (s *Service) CreatePost(ctx context.Context, authorID uint, title, content string) (Post, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.TrimSpace(content) == "" {
		return Post{}, ErrEmptyContent
	}
	author, err := s.users.Lookup(ctx, authorID)
	if err != nil {
		return Post{}, err
	}

	post := Post{
		AuthorID:        authorID,
		Title:           title,
		Content:         content,
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		s.logError(opCreatePost, "row_insert_failed", err, zap.Uint("author_id", authorID))
		return Post{}, svcerr.New(opCreatePost, "row_insert_failed", err)
	}

	if s.hooks != nil {
		s.hooks.PostCreated(ctx, PostCreatedEvent{Post: post, Author: author})
	}
	return post, nil
}

// Get loads a post.
func (s *Service) Get(ctx context.Context, postID uint) (Post, error) {
	var post Post
	err := s.db.WithContext(ctx).Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, ErrPostNotFound
	}
	if err != nil {
		s.logError(opGetPost, "query_failed", err, zap.Uint("post_id", postID))
		return Post{}, svcerr.New(opGetPost, "query_failed", err)
	}
	return post, nil
}

// DeletePost removes a post owned by userID. Its lock row goes with it.
func (s *Service) DeletePost(ctx context.Context, postID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post Post
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", postID).Take(&post).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPostNotFound
		}
		if err != nil {
			s.logError(opDeletePost, "post_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opDeletePost, "post_select_failed", err)
		}
		if post.AuthorID != userID {
			return ErrNotAuthor
		}
		if err := tx.Where("post_id = ?", postID).Delete(&Comment{}).Error; err != nil {
			s.logError(opDeletePost, "comment_delete_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opDeletePost, "comment_delete_failed", err)
		}
		if err := tx.Where("post_id = ?", postID).Delete(&Like{}).Error; err != nil {
			s.logError(opDeletePost, "like_delete_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opDeletePost, "like_delete_failed", err)
		}
		if err := tx.Delete(&Post{}, postID).Error; err != nil {
			s.logError(opDeletePost, "post_delete_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opDeletePost, "post_delete_failed", err)
		}
		return nil
	})
}

// CreateComment persists a comment unless the post author has blocked the commenter.
func (s *Service) CreateComment(ctx context.Context, postID, userID uint, content string) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, ErrEmptyContent
	}
	post, err := s.Get(ctx, postID)
	if err != nil {
		return Comment{}, err
	}
	commenter, err := s.users.Lookup(ctx, userID)
	if err != nil {
		return Comment{}, err
	}
	blocked, err := s.users.IsBlocked(ctx, post.AuthorID, userID)
	if err != nil {
		s.logError(opCreateComment, "block_check_failed", err, zap.Uint("post_id", postID))
		return Comment{}, svcerr.New(opCreateComment, "block_check_failed", err)
	}
	if blocked {
		return Comment{}, ErrBlockedByAuthor
	}

	comment := Comment{
		PostID:          postID,
		AuthorID:        userID,
		Content:         content,
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opCreateComment, "row_insert_failed", err, zap.Uint("post_id", postID))
		return Comment{}, svcerr.New(opCreateComment, "row_insert_failed", err)
	}

	if s.hooks != nil {
		s.hooks.CommentCreated(ctx, CommentCreatedEvent{Comment: comment, Post: post, Commenter: commenter})
	}
	return comment, nil
}

// Like records userID's like of the post. The boolean is false when the like already existed,
// in which case hooks are not invoked.
func (s *Service) Like(ctx context.Context, postID, userID uint) (Like, bool, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return Like{}, false, err
	}
	liker, err := s.users.Lookup(ctx, userID)
	if err != nil {
		return Like{}, false, err
	}

	like := Like{
		PostID:          postID,
		UserID:          userID,
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&like)
	if result.Error != nil {
		s.logError(opLikePost, "row_insert_failed", result.Error, zap.Uint("post_id", postID))
		return Like{}, false, svcerr.New(opLikePost, "row_insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var existing Like
		if err := s.db.WithContext(ctx).Where("user_id = ? AND post_id = ?", userID, postID).Take(&existing).Error; err != nil {
			s.logError(opLikePost, "existing_select_failed", err, zap.Uint("post_id", postID))
			return Like{}, false, svcerr.New(opLikePost, "existing_select_failed", err)
		}
		return existing, false, nil
	}

	if s.hooks != nil {
		s.hooks.LikeCreated(ctx, LikeCreatedEvent{Like: like, Post: post, Liker: liker})
	}
	return like, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	svcerr.Log(s.logger, logMessage, operation, reason, err, fields...)
}
