package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "chat.service.new"
	opCreateRoom      = "chat.create_room"
	opSendMessage     = "chat.send_message"
	opHistory         = "chat.history"
	opCreateGroup     = "chat.create_group"
	opAddGroupMember  = "chat.add_group_member"
	opGroupMembership = "chat.group_membership"
	opSendGroup       = "chat.send_group_message"

	logMessage = "chat service error"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingFanout   = errors.New("fanout is required")

	// ErrInvalidRoomName rejects names that are not "chat_room_<id>" (or "group_chat_<id>" for groups).
	ErrInvalidRoomName = errors.New("invalid room name format")
	// ErrRoomNotFound indicates the chat room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists indicates a chat room with the same name already exists.
	ErrRoomExists = errors.New("room name already taken")
	// ErrEmptyRoomName rejects blank room and group names.
	ErrEmptyRoomName = errors.New("room name is required")
	// ErrEmptyMessage rejects blank message bodies.
	ErrEmptyMessage = errors.New("message body is required")
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrNotGroupMember indicates the caller is not a member of the group.
	ErrNotGroupMember = errors.New("not a member of this group")
)

// ClientMessage maps an error to the text sent in chat_error and group_chat_error replies.
func ClientMessage(err error) string {
	for _, known := range []error{
		ErrInvalidRoomName,
		ErrRoomNotFound,
		ErrEmptyMessage,
		ErrGroupNotFound,
		ErrNotGroupMember,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "server error"
}

// Participant is the session-bound sender or joiner of a chat event.
type Participant struct {
	SessionID string
	UserID    uint
	Username  string
}

// Fanout is the subset of the hub the chat service drives.
type Fanout interface {
	realtime.Emitter
	Join(sessionID, room string) error
	Leave(sessionID, room string)
}

// PresenceEvent is the payload of user_joined_chat and user_left_chat.
type PresenceEvent struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// MessageEvent is the payload of new_chat_message.
type MessageEvent struct {
	ID        uint   `json:"id"`
	RoomName  string `json:"room_name"`
	UserID    uint   `json:"user_id"`
	Username  string `json:"username"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// GroupPresenceEvent is the payload of group_chat_joined and group_chat_left.
type GroupPresenceEvent struct {
	GroupID uint   `json:"group_id"`
	Room    string `json:"room"`
}

// GroupMessageEvent is the payload of receive_group_message.
type GroupMessageEvent struct {
	MessageID      string `json:"message_id"`
	GroupID        uint   `json:"group_id"`
	UserID         uint   `json:"user_id"`
	SenderUsername string `json:"sender_username"`
	MessageContent string `json:"message_content"`
	Timestamp      string `json:"timestamp"`
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Fanout     Fanout
	IDProvider realtime.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service handles persistent chat rooms and ephemeral group chat.
type Service struct {
	db     *gorm.DB
	fanout Fanout
	ids    realtime.IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Fanout == nil {
		return nil, svcerr.New(opServiceNew, "missing_fanout", errMissingFanout)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = realtime.NewUUIDProvider()
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
		fanout: cfg.Fanout,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}, nil
}

// CreateRoom persists a chat room. Its wire name is realtime.ChatRoom(room.ID).
func (s *Service) CreateRoom(ctx context.Context, creatorID uint, name string) (ChatRoom, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ChatRoom{}, ErrEmptyRoomName
	}
	room := ChatRoom{
		Name:            name,
		CreatorID:       creatorID,
		CreatedAtMicros: s.clock().UTC().UnixMicro(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&room)
	if result.Error != nil {
		s.logError(opCreateRoom, "row_insert_failed", result.Error, zap.String("name", name))
		return ChatRoom{}, svcerr.New(opCreateRoom, "row_insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ChatRoom{}, ErrRoomExists
	}
	return room, nil
}

// JoinRoom subscribes the participant's session to a chat room and announces the arrival.
func (s *Service) JoinRoom(participant Participant, roomName string) (realtime.Room, error) {
	room, err := realtime.ParseRoomOfKind(roomName, realtime.RoomChat)
	if err != nil {
		return realtime.Room{}, ErrInvalidRoomName
	}
	if err := s.fanout.Join(participant.SessionID, room.String()); err != nil {
		return realtime.Room{}, err
	}
	s.fanout.Emit(realtime.ToRoom(room), realtime.EventUserJoinedChat, PresenceEvent{
		UserID:   participant.UserID,
		Username: participant.Username,
		Room:     room.String(),
	})
	return room, nil
}

// LeaveRoom announces the departure to the room, then unsubscribes the session.
func (s *Service) LeaveRoom(participant Participant, roomName string) (realtime.Room, error) {
	room, err := realtime.ParseRoomOfKind(roomName, realtime.RoomChat)
	if err != nil {
		return realtime.Room{}, ErrInvalidRoomName
	}
	s.fanout.Emit(realtime.ToRoom(room), realtime.EventUserLeftChat, PresenceEvent{
		UserID:   participant.UserID,
		Username: participant.Username,
		Room:     room.String(),
	})
	s.fanout.Leave(participant.SessionID, room.String())
	return room, nil
}

// SendMessage persists a message to the named room and broadcasts it to the room's sessions.
// Timestamps within a room strictly increase.
func (s *Service) SendMessage(ctx context.Context, sender Participant, roomName, body string) (ChatMessage, error) {
	room, err := realtime.ParseRoomOfKind(roomName, realtime.RoomChat)
	if err != nil {
		return ChatMessage{}, ErrInvalidRoomName
	}
	if strings.TrimSpace(body) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}

	var message ChatMessage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored ChatRoom
		err := tx.Where("id = ?", room.ID).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			s.logError(opSendMessage, "room_select_failed", err, zap.Uint("room_id", room.ID))
			return svcerr.New(opSendMessage, "room_select_failed", err)
		}

		var last int64
		if err := tx.Model(&ChatMessage{}).
			Where("room_id = ?", room.ID).
			Select("COALESCE(MAX(timestamp_us), 0)").
			Scan(&last).Error; err != nil {
			s.logError(opSendMessage, "timestamp_select_failed", err, zap.Uint("room_id", room.ID))
			return svcerr.New(opSendMessage, "timestamp_select_failed", err)
		}
		timestamp := s.clock().UTC().UnixMicro()
		if timestamp <= last {
			timestamp = last + 1
		}

		message = ChatMessage{
			RoomID:          room.ID,
			UserID:          sender.UserID,
			Body:            body,
			TimestampMicros: timestamp,
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opSendMessage, "row_insert_failed", err, zap.Uint("room_id", room.ID))
			return svcerr.New(opSendMessage, "row_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}

	metrics.IncChatMessage("room")
	s.fanout.Emit(realtime.ToRoom(room), realtime.EventNewChatMessage, MessageEvent{
		ID:        message.ID,
		RoomName:  room.String(),
		UserID:    sender.UserID,
		Username:  sender.Username,
		Body:      message.Body,
		Timestamp: realtime.FormatMicros(message.TimestampMicros),
	})
	return message, nil
}

// History returns up to limit most recent messages of a room in chronological order.
func (s *Service) History(ctx context.Context, roomID uint, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var room ChatRoom
	err := s.db.WithContext(ctx).Where("id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		s.logError(opHistory, "room_select_failed", err, zap.Uint("room_id", roomID))
		return nil, svcerr.New(opHistory, "room_select_failed", err)
	}

	var messages []ChatMessage
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("timestamp_us DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.Uint("room_id", roomID))
		return nil, svcerr.New(opHistory, "query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// CreateGroup persists a group with its creator as the first member.
func (s *Service) CreateGroup(ctx context.Context, creatorID uint, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, ErrEmptyRoomName
	}
	now := s.clock().UTC().UnixMicro()
	group := Group{Name: name, CreatorID: creatorID, CreatedAtMicros: now}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			s.logError(opCreateGroup, "group_insert_failed", err, zap.Uint("creator_id", creatorID))
			return svcerr.New(opCreateGroup, "group_insert_failed", err)
		}
		member := GroupMember{GroupID: group.ID, UserID: creatorID, JoinedAtMicros: now}
		if err := tx.Create(&member).Error; err != nil {
			s.logError(opCreateGroup, "member_insert_failed", err, zap.Uint("group_id", group.ID))
			return svcerr.New(opCreateGroup, "member_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

// AddGroupMember adds userID to the group. Adding an existing member is a no-op.
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID uint) error {
	if err := s.ensureGroup(ctx, opAddGroupMember, groupID); err != nil {
		return err
	}
	member := GroupMember{GroupID: groupID, UserID: userID, JoinedAtMicros: s.clock().UTC().UnixMicro()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		s.logError(opAddGroupMember, "row_insert_failed", err, zap.Uint("group_id", groupID))
		return svcerr.New(opAddGroupMember, "row_insert_failed", err)
	}
	return nil
}

// IsGroupMember reports whether userID belongs to the group.
func (s *Service) IsGroupMember(ctx context.Context, groupID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		s.logError(opGroupMembership, "query_failed", err, zap.Uint("group_id", groupID))
		return false, svcerr.New(opGroupMembership, "query_failed", err)
	}
	return count > 0, nil
}

// JoinGroup subscribes a member's session to the group's room and confirms to that session.
func (s *Service) JoinGroup(ctx context.Context, participant Participant, groupID uint) (realtime.Room, error) {
	if err := s.requireMember(ctx, groupID, participant.UserID); err != nil {
		return realtime.Room{}, err
	}
	room := realtime.GroupChatRoom(groupID)
	if err := s.fanout.Join(participant.SessionID, room.String()); err != nil {
		return realtime.Room{}, err
	}
	s.fanout.Emit(realtime.ToSession(participant.SessionID), realtime.EventGroupJoined, GroupPresenceEvent{
		GroupID: groupID,
		Room:    room.String(),
	})
	return room, nil
}

// LeaveGroup unsubscribes the session from the group's room.
func (s *Service) LeaveGroup(participant Participant, groupID uint) realtime.Room {
	room := realtime.GroupChatRoom(groupID)
	s.fanout.Leave(participant.SessionID, room.String())
	s.fanout.Emit(realtime.ToSession(participant.SessionID), realtime.EventGroupLeft, GroupPresenceEvent{
		GroupID: groupID,
		Room:    room.String(),
	})
	return room
}

// SendGroupMessage broadcasts a message to the group's room. Group messages are not stored.
func (s *Service) SendGroupMessage(ctx context.Context, sender Participant, groupID uint, content string) (GroupMessageEvent, error) {
	if strings.TrimSpace(content) == "" {
		return GroupMessageEvent{}, ErrEmptyMessage
	}
	if err := s.requireMember(ctx, groupID, sender.UserID); err != nil {
		return GroupMessageEvent{}, err
	}
	messageID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSendGroup, "id_generation_failed", err, zap.Uint("group_id", groupID))
		return GroupMessageEvent{}, svcerr.New(opSendGroup, "id_generation_failed", err)
	}
	event := GroupMessageEvent{
		MessageID:      messageID,
		GroupID:        groupID,
		UserID:         sender.UserID,
		SenderUsername: sender.Username,
		MessageContent: content,
		Timestamp:      realtime.FormatMicros(s.clock().UTC().UnixMicro()),
	}
	metrics.IncChatMessage("group")
	s.fanout.Emit(realtime.ToRoom(realtime.GroupChatRoom(groupID)), realtime.EventGroupMessage, event)
	return event, nil
}

func (s *Service) requireMember(ctx context.Context, groupID, userID uint) error {
	if err := s.ensureGroup(ctx, opGroupMembership, groupID); err != nil {
		return err
	}
	member, err := s.IsGroupMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotGroupMember
	}
	return nil
}

func (s *Service) ensureGroup(ctx context.Context, operation string, groupID uint) error {
	var group Group
	err := s.db.WithContext(ctx).Select("id").Where("id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		s.logError(operation, "group_select_failed", err, zap.Uint("group_id", groupID))
		return svcerr.New(operation, "group_select_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	svcerr.Log(s.logger, logMessage, operation, reason, err, fields...)
}
