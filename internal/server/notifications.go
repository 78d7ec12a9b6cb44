package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type friendPostResponsePayload struct {
	ID        uint   `json:"id"`
	PostID    uint   `json:"post_id"`
	PosterID  uint   `json:"poster_id"`
	CreatedAt string `json:"created_at"`
	IsRead    bool   `json:"is_read"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	identity := identityFrom(c)
	rows, err := h.notifications.List(c.Request.Context(), identity.UserID, parseLimit(c))
	if err != nil {
		h.respondInternal(c, "notification list failed", err, zap.Uint("user_id", identity.UserID))
		return
	}
	response := make([]notifications.NotificationEvent, 0, len(rows))
	for _, row := range rows {
		response = append(response, notifications.NewNotificationEvent(row))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	notificationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	h.respondMarkRead(c, notificationID, h.notifications.MarkRead(c.Request.Context(), identity.UserID, notificationID))
}

func (h *httpHandler) handleListFriendPosts(c *gin.Context) {
	identity := identityFrom(c)
	rows, err := h.notifications.ListFriendPosts(c.Request.Context(), identity.UserID, parseLimit(c))
	if err != nil {
		h.respondInternal(c, "friend post list failed", err, zap.Uint("user_id", identity.UserID))
		return
	}
	response := make([]friendPostResponsePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, friendPostResponsePayload{
			ID:        row.ID,
			PostID:    row.PostID,
			PosterID:  row.PosterID,
			CreatedAt: realtime.FormatMicros(row.CreatedAtMicros),
			IsRead:    row.IsRead,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleMarkFriendPostRead(c *gin.Context) {
	notificationID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	h.respondMarkRead(c, notificationID, h.notifications.MarkFriendPostRead(c.Request.Context(), identity.UserID, notificationID))
}

func (h *httpHandler) respondMarkRead(c *gin.Context, notificationID uint, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": notificationID, "is_read": true})
	case errors.Is(err, notifications.ErrNotificationNotFound):
		respondNotFound(c, "Notification not found.")
	default:
		h.respondInternal(c, "notification update failed", err, zap.Uint("notification_id", notificationID))
	}
}

func (h *httpHandler) handleRequestFriendship(c *gin.Context) {
	addresseeID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	friendship, err := h.users.RequestFriendship(c.Request.Context(), identity.UserID, addresseeID)
	if err != nil {
		h.respondSocialError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requester_id": friendship.RequesterID,
		"addressee_id": friendship.AddresseeID,
		"status":       friendship.Status,
	})
}

func (h *httpHandler) handleAcceptFriendship(c *gin.Context) {
	requesterID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	friendship, err := h.users.AcceptFriendship(c.Request.Context(), requesterID, identity.UserID)
	if err != nil {
		h.respondSocialError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requester_id": friendship.RequesterID,
		"addressee_id": friendship.AddresseeID,
		"status":       friendship.Status,
		"accepted_at":  realtime.FormatMicros(friendship.AcceptedAtMicros),
	})
}

func (h *httpHandler) handleBlockUser(c *gin.Context) {
	blockedID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	if err := h.users.Block(c.Request.Context(), identity.UserID, blockedID); err != nil {
		h.respondSocialError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocker_id": identity.UserID, "blocked_id": blockedID})
}

func (h *httpHandler) respondSocialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrSelfRelation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cannot target yourself"})
	case errors.Is(err, users.ErrUserNotFound):
		respondNotFound(c, "User not found.")
	case errors.Is(err, users.ErrFriendRequestNotFound):
		respondNotFound(c, "Friend request not found.")
	default:
		h.respondInternal(c, "social graph update failed", err)
	}
}
