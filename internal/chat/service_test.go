package chat

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/svcerr"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func drain(t *testing.T, session *realtime.Session) []wireFrame {
	t.Helper()
	var frames []wireFrame
	for {
		select {
		case raw := <-session.Outbound():
			var decoded wireFrame
			require.NoError(t, json.Unmarshal(raw, &decoded))
			frames = append(frames, decoded)
		default:
			return frames
		}
	}
}

type fixedIDs struct{ next string }

func (f fixedIDs) NewID() (string, error) { return f.next, nil }

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type chatFixture struct {
	db      *gorm.DB
	hub     *realtime.Hub
	service *Service
	now     time.Time
}

func newChatFixture(t *testing.T) chatFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(Models()...))

	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	hub := realtime.NewHub(realtime.HubConfig{})
	service, err := NewService(ServiceConfig{
		Database:   db,
		Fanout:     hub,
		IDProvider: fixedIDs{next: "msg-1"},
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return chatFixture{db: db, hub: hub, service: service, now: now}
}

func (f chatFixture) attach(t *testing.T, sessionID string, userID uint, username string) (*realtime.Session, Participant) {
	t.Helper()
	session := realtime.NewSession(sessionID, userID, username, realtime.TransportWebSocket, 16)
	require.NoError(t, f.hub.Attach(session))
	return session, Participant{SessionID: sessionID, UserID: userID, Username: username}
}

func TestSendMessagePersistsThenBroadcastsToJoinedSessions(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	room, err := f.service.CreateRoom(ctx, 1, "general")
	require.NoError(t, err)
	roomName := realtime.ChatRoom(room.ID).String()

	aliceSession, alice := f.attach(t, "s-alice", 1, "alice")
	bobSession, bob := f.attach(t, "s-bob", 2, "bob")
	outsiderSession, _ := f.attach(t, "s-carol", 3, "carol")

	_, err = f.service.JoinRoom(alice, roomName)
	require.NoError(t, err)
	_, err = f.service.JoinRoom(bob, roomName)
	require.NoError(t, err)
	drain(t, aliceSession)
	drain(t, bobSession)

	message, err := f.service.SendMessage(ctx, alice, roomName, "hello")
	require.NoError(t, err)
	require.NotZero(t, message.ID)

	var stored ChatMessage
	require.NoError(t, f.db.Take(&stored, message.ID).Error)
	assert.Equal(t, "hello", stored.Body)
	assert.Equal(t, f.now.UnixMicro(), stored.TimestampMicros)

	for _, session := range []*realtime.Session{aliceSession, bobSession} {
		frames := drain(t, session)
		require.Len(t, frames, 1)
		assert.Equal(t, realtime.EventNewChatMessage, frames[0].Event)
		var payload MessageEvent
		require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
		assert.Equal(t, roomName, payload.RoomName)
		assert.Equal(t, "alice", payload.Username)
		assert.Equal(t, message.ID, payload.ID)
	}
	assert.Empty(t, drain(t, outsiderSession))
}

func TestSendMessageWithoutJoiningStillPersists(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	room, err := f.service.CreateRoom(ctx, 1, "general")
	require.NoError(t, err)
	senderSession, sender := f.attach(t, "s1", 1, "alice")

	_, err = f.service.SendMessage(ctx, sender, realtime.ChatRoom(room.ID).String(), "anyone?")
	require.NoError(t, err)
	assert.Empty(t, drain(t, senderSession))

	history, err := f.service.History(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSendMessageErrors(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	_, sender := f.attach(t, "s1", 1, "alice")

	_, err := f.service.SendMessage(ctx, sender, "general", "hi")
	require.ErrorIs(t, err, ErrInvalidRoomName)
	assert.Equal(t, "invalid room name format", ClientMessage(err))

	_, err = f.service.SendMessage(ctx, sender, "chat_room_abc", "hi")
	require.ErrorIs(t, err, ErrInvalidRoomName)

	_, err = f.service.SendMessage(ctx, sender, "chat_room_42", "hi")
	require.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, "room not found", ClientMessage(err))

	var count int64
	require.NoError(t, f.db.Model(&ChatMessage{}).Count(&count).Error)
	assert.Zero(t, count)

	assert.Equal(t, "server error", ClientMessage(errors.New("disk full")))
}

func TestSendMessageStoreFailureSuppressesBroadcast(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	room, err := f.service.CreateRoom(ctx, 1, "general")
	require.NoError(t, err)
	roomName := realtime.ChatRoom(room.ID).String()

	aliceSession, alice := f.attach(t, "s-alice", 1, "alice")
	bobSession, bob := f.attach(t, "s-bob", 2, "bob")
	_, err = f.service.JoinRoom(alice, roomName)
	require.NoError(t, err)
	_, err = f.service.JoinRoom(bob, roomName)
	require.NoError(t, err)
	drain(t, aliceSession)
	drain(t, bobSession)

	require.NoError(t, f.db.Exec(`CREATE TRIGGER reject_chat_insert BEFORE INSERT ON chat_messages
		BEGIN SELECT RAISE(ABORT, 'disk unavailable'); END;`).Error)

	_, err = f.service.SendMessage(ctx, alice, roomName, "hello")
	require.Error(t, err)
	assert.Equal(t, "server error", ClientMessage(err))
	var serviceErr *svcerr.ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "chat.send_message.row_insert_failed", serviceErr.Code())

	assert.Empty(t, drain(t, aliceSession))
	assert.Empty(t, drain(t, bobSession))
	var count int64
	require.NoError(t, f.db.Model(&ChatMessage{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestMessageTimestampsStrictlyIncreasePerRoom(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	room, err := f.service.CreateRoom(ctx, 1, "general")
	require.NoError(t, err)
	_, sender := f.attach(t, "s1", 1, "alice")
	roomName := realtime.ChatRoom(room.ID).String()

	first, err := f.service.SendMessage(ctx, sender, roomName, "one")
	require.NoError(t, err)
	second, err := f.service.SendMessage(ctx, sender, roomName, "two")
	require.NoError(t, err)
	assert.Greater(t, second.TimestampMicros, first.TimestampMicros)

	history, err := f.service.History(ctx, room.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Body)
	assert.Equal(t, "two", history[1].Body)
}

func TestCreateRoomRejectsDuplicateName(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	_, err := f.service.CreateRoom(ctx, 1, "general")
	require.NoError(t, err)
	_, err = f.service.CreateRoom(ctx, 2, "general")
	require.ErrorIs(t, err, ErrRoomExists)
	_, err = f.service.CreateRoom(ctx, 2, "General")
	require.NoError(t, err)
	_, err = f.service.CreateRoom(ctx, 2, "  ")
	require.ErrorIs(t, err, ErrEmptyRoomName)
}

func TestJoinAndLeaveAnnouncePresence(t *testing.T) {
	f := newChatFixture(t)
	aliceSession, alice := f.attach(t, "s-alice", 1, "alice")
	bobSession, bob := f.attach(t, "s-bob", 2, "bob")

	_, err := f.service.JoinRoom(alice, "chat_room_5")
	require.NoError(t, err)
	_, err = f.service.JoinRoom(bob, "chat_room_5")
	require.NoError(t, err)

	aliceFrames := drain(t, aliceSession)
	require.Len(t, aliceFrames, 2)
	assert.Equal(t, realtime.EventUserJoinedChat, aliceFrames[1].Event)
	drain(t, bobSession)

	_, err = f.service.LeaveRoom(bob, "chat_room_5")
	require.NoError(t, err)
	frames := drain(t, aliceSession)
	require.Len(t, frames, 1)
	assert.Equal(t, realtime.EventUserLeftChat, frames[0].Event)
	assert.NotContains(t, f.hub.RoomsOf("s-bob"), "chat_room_5")

	_, err = f.service.JoinRoom(alice, "post_5")
	require.ErrorIs(t, err, ErrInvalidRoomName)
}

func TestGroupChatRequiresMembership(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	group, err := f.service.CreateGroup(ctx, 1, "book club")
	require.NoError(t, err)
	require.NoError(t, f.service.AddGroupMember(ctx, group.ID, 2))
	require.NoError(t, f.service.AddGroupMember(ctx, group.ID, 2))

	ownerSession, owner := f.attach(t, "s-owner", 1, "alice")
	memberSession, member := f.attach(t, "s-member", 2, "bob")
	_, outsider := f.attach(t, "s-out", 3, "carol")

	_, err = f.service.JoinGroup(ctx, owner, group.ID)
	require.NoError(t, err)
	_, err = f.service.JoinGroup(ctx, member, group.ID)
	require.NoError(t, err)
	_, err = f.service.JoinGroup(ctx, outsider, group.ID)
	require.ErrorIs(t, err, ErrNotGroupMember)
	_, err = f.service.JoinGroup(ctx, owner, 999)
	require.ErrorIs(t, err, ErrGroupNotFound)

	joined := drain(t, ownerSession)
	require.Len(t, joined, 1)
	assert.Equal(t, realtime.EventGroupJoined, joined[0].Event)
	drain(t, memberSession)

	event, err := f.service.SendGroupMessage(ctx, member, group.ID, "chapter 3?")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", event.MessageID)

	frames := drain(t, ownerSession)
	require.Len(t, frames, 1)
	assert.Equal(t, realtime.EventGroupMessage, frames[0].Event)
	var payload GroupMessageEvent
	require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	assert.Equal(t, "bob", payload.SenderUsername)
	assert.Equal(t, "chapter 3?", payload.MessageContent)

	_, err = f.service.SendGroupMessage(ctx, outsider, group.ID, "let me in")
	require.ErrorIs(t, err, ErrNotGroupMember)

	var stored int64
	require.NoError(t, f.db.Model(&ChatMessage{}).Count(&stored).Error)
	assert.Zero(t, stored, "group messages are not persisted")

	f.service.LeaveGroup(member, group.ID)
	assert.NotContains(t, f.hub.MembersOf(realtime.GroupChatRoom(group.ID).String()), "s-member")
}

func TestSendGroupMessageIDFailure(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	group, err := f.service.CreateGroup(ctx, 1, "team")
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{Database: f.db, Fanout: f.hub, IDProvider: failingIDs{}})
	require.NoError(t, err)

	_, err = service.SendGroupMessage(ctx, Participant{SessionID: "s", UserID: 1, Username: "alice"}, group.ID, "hi")
	require.Error(t, err)
	assert.Equal(t, "server error", ClientMessage(err))
}
