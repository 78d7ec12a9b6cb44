package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/collab"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"go.uber.org/zap"
)

// Inbound event names.
const (
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventJoinChatRoom     = "join_chat_room"
	EventLeaveChatRoom    = "leave_chat_room"
	EventSendChatMessage  = "send_chat_message"
	EventJoinGroupChat    = "join_group_chat"
	EventLeaveGroupChat   = "leave_group_chat"
	EventSendGroupMessage = "send_group_message"
	EventEditPostContent  = "edit_post_content"
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeAuth     = "auth_error"
	outcomeError    = "error"
)

// eventHandler processes one inbound event and reports its outcome for metrics.
type eventHandler func(ctx context.Context, c *client, data json.RawMessage) string

// privilegedHandler runs after the token inside the event payload has been validated.
type privilegedHandler func(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string

type tokenEnvelope struct {
	Token string `json:"token"`
}

type authErrorPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type chatRoomRequest struct {
	RoomName string `json:"room_name"`
}

type chatMessageRequest struct {
	RoomName string `json:"room_name"`
	Body     string `json:"body"`
}

type groupRequest struct {
	GroupID uint `json:"group_id"`
}

type groupMessageRequest struct {
	GroupID        uint   `json:"group_id"`
	MessageContent string `json:"message_content"`
}

type editRequest struct {
	PostID     uint   `json:"post_id"`
	NewContent string `json:"new_content"`
}

type editSuccessPayload struct {
	Message string `json:"message"`
	PostID  uint   `json:"post_id"`
}

type editErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (g *Gateway) routes() map[string]eventHandler {
	return map[string]eventHandler{
		EventJoinRoom:         g.privileged(g.handleJoinRoom),
		EventLeaveRoom:        g.handleLeaveRoom,
		EventJoinChatRoom:     g.privileged(g.handleJoinChatRoom),
		EventLeaveChatRoom:    g.privileged(g.handleLeaveChatRoom),
		EventSendChatMessage:  g.privileged(g.handleSendChatMessage),
		EventJoinGroupChat:    g.privileged(g.handleJoinGroupChat),
		EventLeaveGroupChat:   g.privileged(g.handleLeaveGroupChat),
		EventSendGroupMessage: g.privileged(g.handleSendGroupMessage),
		EventEditPostContent:  g.privileged(g.handleEditPostContent),
	}
}

// privileged re-validates the bearer token carried in the payload. Failures are answered
// with a single auth_error to this session only; the connection stays open.
func (g *Gateway) privileged(next privilegedHandler) eventHandler {
	return func(ctx context.Context, c *client, data json.RawMessage) string {
		var envelope tokenEnvelope
		if len(data) > 0 {
			_ = json.Unmarshal(data, &envelope)
		}
		identity, err := g.auth.AuthenticateToken(ctx, envelope.Token)
		if err != nil {
			kind, ok := auth.KindOf(err)
			if !ok {
				c.logger.Error("event token validation failed", zap.Error(err))
			}
			c.reply(realtime.EventAuthError, authErrorPayload{Message: auth.MessageOf(err), Reason: string(kind)})
			return outcomeAuth
		}
		return next(ctx, c, identity, data)
	}
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request roomPayload
	if err := json.Unmarshal(data, &request); err != nil {
		c.reply(realtime.EventRoomError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	room, err := realtime.ParseRoom(request.Room)
	if err != nil {
		c.reply(realtime.EventRoomError, messagePayload{Message: realtime.ErrInvalidRoomName.Error()})
		return outcomeRejected
	}
	switch room.Kind {
	case realtime.RoomUser:
		if room.ID != identity.UserID {
			c.reply(realtime.EventRoomError, messagePayload{Message: "cannot join another user's room"})
			return outcomeRejected
		}
	case realtime.RoomPost:
		if _, err := g.posts.Get(ctx, room.ID); err != nil {
			if errors.Is(err, posts.ErrPostNotFound) {
				c.reply(realtime.EventRoomError, messagePayload{Message: "post not found"})
				return outcomeRejected
			}
			c.logger.Error("post lookup failed", zap.Uint("post_id", room.ID), zap.Error(err))
			c.reply(realtime.EventRoomError, messagePayload{Message: "server error"})
			return outcomeError
		}
	default:
		c.reply(realtime.EventRoomError, messagePayload{Message: "use the dedicated chat join event for this room"})
		return outcomeRejected
	}
	if err := g.registry.Join(c.session.ID(), room.String()); err != nil {
		c.reply(realtime.EventRoomError, messagePayload{Message: "server error"})
		return outcomeError
	}
	c.reply(realtime.EventRoomJoined, roomPayload{Room: room.String()})
	return outcomeOK
}

func (g *Gateway) handleLeaveRoom(_ context.Context, c *client, data json.RawMessage) string {
	var request roomPayload
	if err := json.Unmarshal(data, &request); err != nil {
		c.reply(realtime.EventRoomError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	room, err := realtime.ParseRoom(request.Room)
	if err != nil || room.Kind == realtime.RoomUser {
		c.reply(realtime.EventRoomError, messagePayload{Message: realtime.ErrInvalidRoomName.Error()})
		return outcomeRejected
	}
	g.registry.Leave(c.session.ID(), room.String())
	return outcomeOK
}

func (g *Gateway) handleJoinChatRoom(_ context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request chatRoomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		c.reply(realtime.EventChatError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	if _, err := g.chat.JoinRoom(participant(c, identity), request.RoomName); err != nil {
		c.reply(realtime.EventChatError, messagePayload{Message: chat.ClientMessage(err)})
		return outcomeRejected
	}
	return outcomeOK
}

func (g *Gateway) handleLeaveChatRoom(_ context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request chatRoomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		c.reply(realtime.EventChatError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	if _, err := g.chat.LeaveRoom(participant(c, identity), request.RoomName); err != nil {
		c.reply(realtime.EventChatError, messagePayload{Message: chat.ClientMessage(err)})
		return outcomeRejected
	}
	return outcomeOK
}

func (g *Gateway) handleSendChatMessage(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request chatMessageRequest
	if err := json.Unmarshal(data, &request); err != nil {
		c.reply(realtime.EventChatError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	if _, err := g.chat.SendMessage(ctx, participant(c, identity), request.RoomName, request.Body); err != nil {
		message := chat.ClientMessage(err)
		if message == "server error" {
			c.logger.Error("chat message failed", zap.String("room", request.RoomName), zap.Error(err))
		}
		c.reply(realtime.EventChatError, messagePayload{Message: message})
		return outcomeRejected
	}
	return outcomeOK
}

func (g *Gateway) handleJoinGroupChat(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request groupRequest
	if err := json.Unmarshal(data, &request); err != nil || request.GroupID == 0 {
		c.reply(realtime.EventGroupError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	if _, err := g.chat.JoinGroup(ctx, participant(c, identity), request.GroupID); err != nil {
		c.reply(realtime.EventGroupError, messagePayload{Message: chat.ClientMessage(err)})
		return outcomeRejected
	}
	return outcomeOK
}

func (g *Gateway) handleLeaveGroupChat(_ context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request groupRequest
	if err := json.Unmarshal(data, &request); err != nil || request.GroupID == 0 {
		c.reply(realtime.EventGroupError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	g.chat.LeaveGroup(participant(c, identity), request.GroupID)
	return outcomeOK
}

func (g *Gateway) handleSendGroupMessage(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request groupMessageRequest
	if err := json.Unmarshal(data, &request); err != nil || request.GroupID == 0 {
		c.reply(realtime.EventGroupError, messagePayload{Message: "malformed payload"})
		return outcomeRejected
	}
	if _, err := g.chat.SendGroupMessage(ctx, participant(c, identity), request.GroupID, request.MessageContent); err != nil {
		c.reply(realtime.EventGroupError, messagePayload{Message: chat.ClientMessage(err)})
		return outcomeRejected
	}
	return outcomeOK
}

func (g *Gateway) handleEditPostContent(ctx context.Context, c *client, identity auth.Identity, data json.RawMessage) string {
	var request editRequest
	if err := json.Unmarshal(data, &request); err != nil || request.PostID == 0 {
		c.reply(realtime.EventEditError, editErrorPayload{Message: "malformed payload", Code: "malformed-payload"})
		return outcomeRejected
	}
	result, err := g.editor.ApplyEdit(ctx, identity, request.PostID, request.NewContent)
	if err != nil {
		var editErr *collab.EditError
		if !errors.As(err, &editErr) {
			editErr = &collab.EditError{Code: collab.CodeServerError}
		}
		if editErr.Code == collab.CodeServerError {
			c.logger.Error("post edit failed", zap.Uint("post_id", request.PostID), zap.Error(err))
		}
		c.reply(realtime.EventEditError, editErrorPayload{Message: editErr.Message(), Code: string(editErr.Code)})
		return outcomeRejected
	}
	c.reply(realtime.EventEditSuccess, editSuccessPayload{Message: collab.SuccessMessage, PostID: result.Post.ID})
	return outcomeOK
}

func participant(c *client, identity auth.Identity) chat.Participant {
	return chat.Participant{
		SessionID: c.session.ID(),
		UserID:    identity.UserID,
		Username:  identity.Username,
	}
}
