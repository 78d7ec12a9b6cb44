package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type lockResponsePayload struct {
	PostID         uint   `json:"post_id"`
	Locked         bool   `json:"locked"`
	HolderID       uint   `json:"holder_id,omitempty"`
	HolderUsername string `json:"holder_username,omitempty"`
	LockedAt       string `json:"locked_at,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Renewed        bool   `json:"renewed,omitempty"`
}

func newLockResponse(lock locks.PostLock, holderUsername string) lockResponsePayload {
	return lockResponsePayload{
		PostID:         lock.PostID,
		Locked:         true,
		HolderID:       lock.UserID,
		HolderUsername: holderUsername,
		LockedAt:       realtime.FormatMicros(lock.LockedAtMicros),
		ExpiresAt:      realtime.FormatMicros(lock.ExpiresAtMicros),
	}
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	result, err := h.locks.Acquire(c.Request.Context(), postID, identity.UserID)
	var conflict *locks.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":              "conflict",
			"message":            fmt.Sprintf("Post is currently being edited by %s.", conflict.HolderUsername),
			"locked_by_username": conflict.HolderUsername,
		})
		return
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
		return
	default:
		h.respondInternal(c, "lock acquire failed", err, zap.Uint("post_id", postID))
		return
	}

	response := newLockResponse(result.Lock, result.HolderUsername)
	response.Renewed = result.Renewed
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	_, err := h.locks.Release(c.Request.Context(), postID, identity.UserID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Lock released.", "post_id": postID})
	case errors.Is(err, locks.ErrNotHolder):
		respondForbidden(c, "You do not hold the lock on this post.")
	case errors.Is(err, locks.ErrNoLock):
		respondNotFound(c, "Post is not locked.")
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
	default:
		h.respondInternal(c, "lock release failed", err, zap.Uint("post_id", postID))
	}
}

func (h *httpHandler) handleGetLock(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	lock, live, err := h.locks.Current(c.Request.Context(), postID)
	switch {
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
		return
	case err != nil:
		h.respondInternal(c, "lock lookup failed", err, zap.Uint("post_id", postID))
		return
	case !live:
		c.JSON(http.StatusOK, lockResponsePayload{PostID: postID, Locked: false})
		return
	}

	holderUsername := ""
	if holder, lookupErr := h.users.Lookup(c.Request.Context(), lock.UserID); lookupErr == nil {
		holderUsername = holder.Username
	}
	c.JSON(http.StatusOK, newLockResponse(lock, holderUsername))
}
