// Package collab applies lock-guarded content edits to posts and broadcasts them to post rooms.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EditCode classifies a rejected edit.
type EditCode string

const (
	CodePostNotFound        EditCode = "post-not-found"
	CodeNotLocked           EditCode = "not-locked"
	CodeLockExpiredTryAgain EditCode = "lock-expired-try-again"
	CodeLockedByOther       EditCode = "locked-by-other"
	CodeYourLockExpired     EditCode = "your-lock-expired"
	CodeServerError         EditCode = "server-error"
)

const (
	opEditorNew = "collab.editor.new"
	opApplyEdit = "collab.apply_edit"

	logMessage = "collab editor error"

	// SuccessMessage accompanies edit_success replies.
	SuccessMessage = "Post updated successfully."
)

var errMissingDatabase = errors.New("database handle is required")

var tracer = otel.Tracer("github.com/MarcoPoloResearchLab/agora/internal/collab")

var editMessages = map[EditCode]string{
	CodePostNotFound:        "Post not found.",
	CodeNotLocked:           "Post is not locked. Acquire the lock before editing.",
	CodeLockExpiredTryAgain: "The previous editor's lock expired. Acquire the lock and try again.",
	CodeLockedByOther:       "Post is locked by another user.",
	CodeYourLockExpired:     "Your lock has expired. Acquire it again to continue editing.",
	CodeServerError:         "Failed to update post.",
}

// EditError reports why an edit was rejected.
type EditError struct {
	Code  EditCode
	cause error
}

func (e *EditError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("collab: edit rejected (%s): %v", e.Code, e.cause)
	}
	return fmt.Sprintf("collab: edit rejected (%s)", e.Code)
}

func (e *EditError) Unwrap() error {
	return e.cause
}

// Message is the text shown to the editing client.
func (e *EditError) Message() string {
	return editMessages[e.Code]
}

// CodeOf extracts the edit code from err, falling back to server-error.
func CodeOf(err error) EditCode {
	var editErr *EditError
	if errors.As(err, &editErr) {
		return editErr.Code
	}
	return CodeServerError
}

// ContentUpdatedEvent is the payload of post_content_updated.
type ContentUpdatedEvent struct {
	PostID         uint   `json:"post_id"`
	NewContent     string `json:"new_content"`
	LastEdited     string `json:"last_edited"`
	EditorUserID   uint   `json:"editor_user_id"`
	EditorUsername string `json:"editor_username"`
}

// ExpiryAnnouncer broadcasts the removal of an expired lock.
type ExpiryAnnouncer interface {
	AnnounceExpired(ctx context.Context, lock locks.PostLock)
}

// EditorConfig describes the dependencies of the editor.
type EditorConfig struct {
	Database *gorm.DB
	Locks    ExpiryAnnouncer
	Emitter  realtime.Emitter
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Editor applies content edits to posts whose lock the editor holds.
type Editor struct {
	db      *gorm.DB
	locks   ExpiryAnnouncer
	emitter realtime.Emitter
	clock   func() time.Time
	logger  *zap.Logger
}

// EditResult describes a committed edit.
type EditResult struct {
	Post posts.Post
}

// NewEditor constructs an editor.
func NewEditor(cfg EditorConfig) (*Editor, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opEditorNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = svcerr.NoOpLogger
	}
	return &Editor{
		db:      cfg.Database,
		locks:   cfg.Locks,
		emitter: cfg.Emitter,
		clock:   clock,
		logger:  logger,
	}, nil
}

// ApplyEdit replaces the content of postID on behalf of editor. The editor must hold a live lock
// at commit time; an expired lock found on the way is removed. Failures are *EditError.
func (e *Editor) ApplyEdit(ctx context.Context, editor auth.Identity, postID uint, content string) (EditResult, error) {
	ctx, span := tracer.Start(ctx, opApplyEdit, trace.WithAttributes(
		attribute.Int64("post.id", int64(postID)),
		attribute.Int64("user.id", int64(editor.UserID)),
	))
	defer span.End()

	var (
		rejection EditCode
		stale     *locks.PostLock
		updated   posts.Post
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post posts.Post
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", postID).Take(&post).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rejection = CodePostNotFound
			return nil
		}
		if err != nil {
			e.logError("post_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opApplyEdit, "post_select_failed", err)
		}

		lock, err := locks.LoadForUpdate(tx, postID)
		if err != nil {
			e.logError("lock_select_failed", err, zap.Uint("post_id", postID))
			return svcerr.New(opApplyEdit, "lock_select_failed", err)
		}
		if lock == nil {
			rejection = CodeNotLocked
			return nil
		}

		now := e.clock().UTC().UnixMicro()
		live := lock.LiveAt(now)
		if lock.UserID != editor.UserID && live {
			rejection = CodeLockedByOther
			return nil
		}
		if !live {
			deleted, err := locks.DeleteIfUnchanged(tx, *lock)
			if err != nil {
				e.logError("stale_delete_failed", err, zap.Uint("post_id", postID))
				return svcerr.New(opApplyEdit, "stale_delete_failed", err)
			}
			if deleted {
				stale = lock
			}
			if lock.UserID == editor.UserID {
				rejection = CodeYourLockExpired
			} else {
				rejection = CodeLockExpiredTryAgain
			}
			return nil
		}

		result := tx.Model(&posts.Post{}).Where("id = ?", postID).Updates(map[string]any{
			"content":           content,
			"last_edited_at_us": now,
		})
		if result.Error != nil {
			e.logError("post_update_failed", result.Error, zap.Uint("post_id", postID))
			return svcerr.New(opApplyEdit, "post_update_failed", result.Error)
		}
		post.Content = content
		post.LastEditedAtMicros = now
		updated = post
		return nil
	})
	if err != nil {
		metrics.IncEditOutcome(string(CodeServerError))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EditResult{}, &EditError{Code: CodeServerError, cause: err}
	}

	if stale != nil && e.locks != nil {
		e.locks.AnnounceExpired(ctx, *stale)
	}
	if rejection != "" {
		metrics.IncEditOutcome(string(rejection))
		span.SetAttributes(attribute.String("edit.outcome", string(rejection)))
		return EditResult{}, &EditError{Code: rejection}
	}

	metrics.IncEditOutcome("success")
	if e.emitter != nil {
		e.emitter.Emit(realtime.ToRoom(realtime.PostRoom(postID)), realtime.EventPostContentUpdated, ContentUpdatedEvent{
			PostID:         postID,
			NewContent:     updated.Content,
			LastEdited:     realtime.FormatMicros(updated.LastEditedAtMicros),
			EditorUserID:   editor.UserID,
			EditorUsername: editor.Username,
		})
	}
	return EditResult{Post: updated}, nil
}

func (e *Editor) logError(reason string, err error, fields ...zap.Field) {
	svcerr.Log(e.logger, logMessage, opApplyEdit, reason, err, fields...)
}
