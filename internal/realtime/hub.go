package realtime

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrSessionExists indicates a session id is already attached.
	ErrSessionExists = errors.New("realtime: session already attached")
	// ErrUnknownSession indicates the session id is not attached.
	ErrUnknownSession = errors.New("realtime: unknown session")
)

type targetKind int

const (
	targetSession targetKind = iota + 1
	targetUser
	targetRoom
)

// Target selects the recipients of an emitted event.
type Target struct {
	kind      targetKind
	sessionID string
	userID    uint
	room      string
}

// ToSession targets a single session.
func ToSession(sessionID string) Target {
	return Target{kind: targetSession, sessionID: sessionID}
}

// ToUser targets every session of the user.
func ToUser(userID uint) Target {
	return Target{kind: targetUser, userID: userID}
}

// ToRoom targets every session joined to the room.
func ToRoom(room Room) Target {
	return Target{kind: targetRoom, room: room.String()}
}

// ToRoomName targets every session joined to the named room.
func ToRoomName(room string) Target {
	return Target{kind: targetRoom, room: room}
}

func (t Target) String() string {
	switch t.kind {
	case targetSession:
		return "session:" + t.sessionID
	case targetUser:
		return "user:" + strconv.FormatUint(uint64(t.userID), 10)
	case targetRoom:
		return "room:" + t.room
	default:
		return "none"
	}
}

// Emitter delivers an event to a target set.
type Emitter interface {
	Emit(target Target, event string, payload any) int
}

// Envelope is the mirrored form of an emitted frame.
type Envelope struct {
	Target    string          `json:"target"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Mirror receives a copy of every emitted frame. Implementations must not block.
type Mirror interface {
	Mirror(envelope Envelope)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HubConfig wires optional collaborators into the hub.
type HubConfig struct {
	Logger *zap.Logger
	Mirror Mirror
	Clock  func() time.Time
}

// Hub is the subscription registry and broadcaster for attached sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*hubEntry
	rooms    map[string]map[string]*Session
	users    map[uint]map[string]*Session

	logger *zap.Logger
	mirror Mirror
	now    func() time.Time
}

type hubEntry struct {
	session *Session
	rooms   map[string]struct{}
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		sessions: make(map[string]*hubEntry),
		rooms:    make(map[string]map[string]*Session),
		users:    make(map[uint]map[string]*Session),
		logger:   logger,
		mirror:   cfg.Mirror,
		now:      clock,
	}
}

// Attach registers the session and joins it to its user's room.
func (h *Hub) Attach(session *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[session.ID()]; exists {
		return ErrSessionExists
	}
	entry := &hubEntry{session: session, rooms: make(map[string]struct{})}
	h.sessions[session.ID()] = entry

	if _, ok := h.users[session.UserID()]; !ok {
		h.users[session.UserID()] = make(map[string]*Session)
	}
	h.users[session.UserID()][session.ID()] = session
	h.joinLocked(entry, UserRoom(session.UserID()).String())

	metrics.IncSessions(string(session.Transport()))
	return nil
}

// Detach removes the session from every room and closes its outbound queue.
// Detaching an unknown session is a no-op.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for room := range entry.rooms {
		h.leaveLocked(entry, room)
	}
	delete(h.sessions, sessionID)
	userID := entry.session.UserID()
	if byUser := h.users[userID]; byUser != nil {
		delete(byUser, sessionID)
		if len(byUser) == 0 {
			delete(h.users, userID)
		}
	}
	// closed under the hub lock so no Emit that observed the session after this point can enqueue.
	entry.session.close()
	metrics.DecSessions(string(entry.session.Transport()))
}

// Join adds the session to the room. Joining twice is a no-op.
func (h *Hub) Join(sessionID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	h.joinLocked(entry, room)
	return nil
}

// Leave removes the session from the room.
func (h *Hub) Leave(sessionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	h.leaveLocked(entry, room)
}

// MembersOf returns the ids of sessions joined to the room.
func (h *Hub) MembersOf(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		members = append(members, id)
	}
	return members
}

// SessionsOfUser returns the ids of sessions attached for the user.
func (h *Hub) SessionsOfUser(userID uint) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.users[userID]))
	for id := range h.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

// RoomsOf returns the rooms the session has joined.
func (h *Hub) RoomsOf(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(entry.rooms))
	for room := range entry.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Emit encodes the payload once and queues it on every session in the target set.
// Full queues drop the frame for that session only. It returns the number of sessions the frame was queued for.
func (h *Hub) Emit(target Target, event string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("realtime payload encoding failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	encoded, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		h.logger.Error("realtime frame encoding failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	recipients := h.recipients(target)
	count := 0
	for _, session := range recipients {
		switch session.deliver(encoded) {
		case delivered:
			count++
			metrics.IncEvent(string(session.Transport()), event)
		case droppedFull:
			metrics.IncDropped(string(session.Transport()), event)
			h.logger.Warn("realtime frame dropped",
				zap.String("event", event),
				zap.String("session_id", session.ID()),
				zap.Uint("user_id", session.UserID()),
			)
		case droppedClosed:
		}
	}

	if h.mirror != nil {
		h.mirror.Mirror(Envelope{
			Target:    target.String(),
			Event:     event,
			Data:      data,
			EmittedAt: h.now().UTC(),
		})
	}
	return count
}

func (h *Hub) recipients(target Target) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch target.kind {
	case targetSession:
		if entry, ok := h.sessions[target.sessionID]; ok {
			return []*Session{entry.session}
		}
		return nil
	case targetUser:
		return collect(h.users[target.userID])
	case targetRoom:
		return collect(h.rooms[target.room])
	default:
		return nil
	}
}

func collect(members map[string]*Session) []*Session {
	if len(members) == 0 {
		return nil
	}
	copies := make([]*Session, 0, len(members))
	for _, session := range members {
		copies = append(copies, session)
	}
	return copies
}

func (h *Hub) joinLocked(entry *hubEntry, room string) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Session)
	}
	h.rooms[room][entry.session.ID()] = entry.session
	entry.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(entry *hubEntry, room string) {
	delete(entry.rooms, room)
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, entry.session.ID())
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
