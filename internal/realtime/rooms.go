package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RoomKind identifies the audience a room represents.
type RoomKind string

const (
	RoomUser      RoomKind = "user"
	RoomPost      RoomKind = "post"
	RoomChat      RoomKind = "chat_room"
	RoomGroupChat RoomKind = "group_chat"
)

// ErrInvalidRoomName reports a room name that does not match "<kind>_<positive id>".
var ErrInvalidRoomName = errors.New("realtime: invalid room name format")

// Room names a broadcast audience such as "post_17" or "chat_room_3".
type Room struct {
	Kind RoomKind
	ID   uint
}

func UserRoom(userID uint) Room      { return Room{Kind: RoomUser, ID: userID} }
func PostRoom(postID uint) Room      { return Room{Kind: RoomPost, ID: postID} }
func ChatRoom(roomID uint) Room      { return Room{Kind: RoomChat, ID: roomID} }
func GroupChatRoom(groupID uint) Room { return Room{Kind: RoomGroupChat, ID: groupID} }

// String renders the wire name of the room.
func (r Room) String() string {
	return string(r.Kind) + "_" + strconv.FormatUint(uint64(r.ID), 10)
}

// longer prefixes first so "chat_room_" is not read as an unknown "chat" kind.
var roomKinds = []RoomKind{RoomGroupChat, RoomChat, RoomPost, RoomUser}

// ParseRoom parses a wire room name.
func ParseRoom(name string) (Room, error) {
	for _, kind := range roomKinds {
		prefix := string(kind) + "_"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		id, err := parseID(strings.TrimPrefix(name, prefix))
		if err != nil {
			return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
		}
		return Room{Kind: kind, ID: id}, nil
	}
	return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
}

// ParseRoomOfKind parses name and requires it to be of the given kind.
func ParseRoomOfKind(name string, kind RoomKind) (Room, error) {
	room, err := ParseRoom(name)
	if err != nil {
		return Room{}, err
	}
	if room.Kind != kind {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	return room, nil
}

func parseID(raw string) (uint, error) {
	if raw == "" {
		return 0, errors.New("empty id")
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, errors.New("non-digit id")
		}
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	if value == 0 {
		return 0, errors.New("zero id")
	}
	return uint(value), nil
}
