package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createNamedRequestPayload struct {
	Name string `json:"name"`
}

type addMemberRequestPayload struct {
	UserID uint `json:"user_id"`
}

func (h *httpHandler) handleCreateChatRoom(c *gin.Context) {
	var request createNamedRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
		return
	}
	identity := identityFrom(c)
	room, err := h.chat.CreateRoom(c.Request.Context(), identity.UserID, request.Name)
	switch {
	case errors.Is(err, chat.ErrEmptyRoomName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case errors.Is(err, chat.ErrRoomExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
		return
	case err != nil:
		h.respondInternal(c, "chat room create failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         room.ID,
		"name":       room.Name,
		"room":       realtime.ChatRoom(room.ID).String(),
		"creator_id": room.CreatorID,
		"created_at": realtime.FormatMicros(room.CreatedAtMicros),
	})
}

func (h *httpHandler) handleChatHistory(c *gin.Context) {
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	messages, err := h.chat.History(c.Request.Context(), roomID, parseLimit(c))
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		respondNotFound(c, "Room not found.")
		return
	case err != nil:
		h.respondInternal(c, "chat history failed", err, zap.Uint("room_id", roomID))
		return
	}

	roomName := realtime.ChatRoom(roomID).String()
	usernames := make(map[uint]string)
	response := make([]chat.MessageEvent, 0, len(messages))
	for _, message := range messages {
		username, known := usernames[message.UserID]
		if !known {
			if user, lookupErr := h.users.Lookup(c.Request.Context(), message.UserID); lookupErr == nil {
				username = user.Username
			}
			usernames[message.UserID] = username
		}
		response = append(response, chat.MessageEvent{
			ID:        message.ID,
			RoomName:  roomName,
			UserID:    message.UserID,
			Username:  username,
			Body:      message.Body,
			Timestamp: realtime.FormatMicros(message.TimestampMicros),
		})
	}
	c.JSON(http.StatusOK, gin.H{"room": roomName, "messages": response})
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request createNamedRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
		return
	}
	identity := identityFrom(c)
	group, err := h.chat.CreateGroup(c.Request.Context(), identity.UserID, request.Name)
	switch {
	case errors.Is(err, chat.ErrEmptyRoomName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case err != nil:
		h.respondInternal(c, "group create failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         group.ID,
		"name":       group.Name,
		"room":       realtime.GroupChatRoom(group.ID).String(),
		"creator_id": group.CreatorID,
	})
}

func (h *httpHandler) handleAddGroupMember(c *gin.Context) {
	groupID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var request addMemberRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user_id is required"})
		return
	}
	identity := identityFrom(c)
	member, err := h.chat.IsGroupMember(c.Request.Context(), groupID, identity.UserID)
	switch {
	case errors.Is(err, chat.ErrGroupNotFound):
		respondNotFound(c, "Group not found.")
		return
	case err != nil:
		h.respondInternal(c, "group membership check failed", err, zap.Uint("group_id", groupID))
		return
	case !member:
		respondForbidden(c, chat.ErrNotGroupMember.Error())
		return
	}
	if _, err := h.users.Lookup(c.Request.Context(), request.UserID); err != nil {
		respondNotFound(c, "User not found.")
		return
	}
	if err := h.chat.AddGroupMember(c.Request.Context(), groupID, request.UserID); err != nil {
		if errors.Is(err, chat.ErrGroupNotFound) {
			respondNotFound(c, "Group not found.")
			return
		}
		h.respondInternal(c, "group member add failed", err, zap.Uint("group_id", groupID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "user_id": request.UserID})
}
