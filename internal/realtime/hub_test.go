package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type decodedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func drain(t *testing.T, session *Session) []decodedFrame {
	t.Helper()
	var frames []decodedFrame
	for {
		select {
		case raw, ok := <-session.Outbound():
			if !ok {
				return frames
			}
			var decoded decodedFrame
			require.NoError(t, json.Unmarshal(raw, &decoded))
			frames = append(frames, decoded)
		default:
			return frames
		}
	}
}

type recordingMirror struct {
	mu        sync.Mutex
	envelopes []Envelope
}

func (m *recordingMirror) Mirror(envelope Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, envelope)
}

func TestHubAttachJoinsUserRoom(t *testing.T) {
	hub := NewHub(HubConfig{})
	session := NewSession("s1", 7, "alice", TransportWebSocket, 4)
	require.NoError(t, hub.Attach(session))
	require.ErrorIs(t, hub.Attach(session), ErrSessionExists)

	assert.Equal(t, []string{"s1"}, hub.MembersOf("user_7"))
	assert.Equal(t, []string{"s1"}, hub.SessionsOfUser(7))

	delivered := hub.Emit(ToUser(7), "new_like", map[string]any{"post_id": 3})
	assert.Equal(t, 1, delivered)
	frames := drain(t, session)
	require.Len(t, frames, 1)
	assert.Equal(t, "new_like", frames[0].Event)
	assert.JSONEq(t, `{"post_id":3}`, string(frames[0].Data))
}

func TestHubRoomIsolation(t *testing.T) {
	hub := NewHub(HubConfig{})
	viewer := NewSession("viewer", 1, "alice", TransportWebSocket, 4)
	outsider := NewSession("outsider", 2, "bob", TransportWebSocket, 4)
	require.NoError(t, hub.Attach(viewer))
	require.NoError(t, hub.Attach(outsider))
	require.NoError(t, hub.Join("viewer", PostRoom(7).String()))
	require.ErrorIs(t, hub.Join("missing", PostRoom(7).String()), ErrUnknownSession)

	hub.Emit(ToRoom(PostRoom(7)), EventPostContentUpdated, map[string]any{"post_id": 7})

	assert.Len(t, drain(t, viewer), 1)
	assert.Empty(t, drain(t, outsider))

	hub.Leave("viewer", PostRoom(7).String())
	assert.Equal(t, 0, hub.Emit(ToRoom(PostRoom(7)), EventPostContentUpdated, map[string]any{"post_id": 7}))
}

func TestHubDetachStopsDelivery(t *testing.T) {
	hub := NewHub(HubConfig{})
	session := NewSession("s1", 1, "alice", TransportWebSocket, 4)
	require.NoError(t, hub.Attach(session))
	require.NoError(t, hub.Join("s1", "chat_room_1"))

	hub.Detach("s1")
	hub.Detach("s1")

	assert.True(t, session.Closed())
	assert.Empty(t, hub.MembersOf("chat_room_1"))
	assert.Empty(t, hub.SessionsOfUser(1))
	assert.Equal(t, 0, hub.Emit(ToSession("s1"), "anything", nil))

	_, open := <-session.Outbound()
	assert.False(t, open, "outbound queue should be closed after detach")
	assert.Equal(t, droppedClosed, session.deliver([]byte("late")))
}

func TestHubDropsWhenSessionQueueIsFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(HubConfig{Logger: zap.New(core)})
	slow := NewSession("slow", 1, "alice", TransportWebSocket, 1)
	fast := NewSession("fast", 2, "bob", TransportWebSocket, 8)
	require.NoError(t, hub.Attach(slow))
	require.NoError(t, hub.Attach(fast))
	require.NoError(t, hub.Join("slow", "post_1"))
	require.NoError(t, hub.Join("fast", "post_1"))

	for i := 0; i < 3; i++ {
		hub.Emit(ToRoomName("post_1"), "tick", map[string]int{"seq": i})
	}

	assert.Len(t, drain(t, slow), 1)
	fastFrames := drain(t, fast)
	require.Len(t, fastFrames, 3)
	for i, frame := range fastFrames {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(frame.Data, &payload))
		assert.Equal(t, i, payload["seq"], "frames must arrive in emit order")
	}
	assert.Equal(t, 2, logs.FilterMessage("realtime frame dropped").Len())
}

func TestHubMirrorsEmittedFrames(t *testing.T) {
	mirror := &recordingMirror{}
	hub := NewHub(HubConfig{Mirror: mirror})

	hub.Emit(ToRoom(ChatRoom(2)), EventNewChatMessage, map[string]string{"body": "hi"})

	require.Len(t, mirror.envelopes, 1)
	assert.Equal(t, "room:chat_room_2", mirror.envelopes[0].Target)
	assert.Equal(t, EventNewChatMessage, mirror.envelopes[0].Event)
	assert.JSONEq(t, `{"body":"hi"}`, string(mirror.envelopes[0].Data))
}

func TestHubEmitRejectsUnencodablePayload(t *testing.T) {
	hub := NewHub(HubConfig{})
	session := NewSession("s1", 1, "alice", TransportWebSocket, 4)
	require.NoError(t, hub.Attach(session))

	assert.Equal(t, 0, hub.Emit(ToSession("s1"), "bad", make(chan int)))
	assert.Empty(t, drain(t, session))
}
