package realtime

import (
	"errors"
	"testing"
)

func TestParseRoomRoundTrip(t *testing.T) {
	rooms := []Room{UserRoom(4), PostRoom(17), ChatRoom(3), GroupChatRoom(9)}
	for _, room := range rooms {
		parsed, err := ParseRoom(room.String())
		if err != nil {
			t.Fatalf("ParseRoom(%q) failed: %v", room.String(), err)
		}
		if parsed != room {
			t.Fatalf("expected %+v, got %+v", room, parsed)
		}
	}
}

func TestParseRoomRejectsMalformedNames(t *testing.T) {
	for _, name := range []string{"", "lobby", "chat_room_", "chat_room_abc", "chat_room_-1", "chat_room_0", "post_7x", "post_+7", "chat_3"} {
		if _, err := ParseRoom(name); !errors.Is(err, ErrInvalidRoomName) {
			t.Fatalf("expected ErrInvalidRoomName for %q, got %v", name, err)
		}
	}
}

func TestParseRoomOfKind(t *testing.T) {
	if _, err := ParseRoomOfKind("post_3", RoomChat); !errors.Is(err, ErrInvalidRoomName) {
		t.Fatalf("expected kind mismatch to be rejected, got %v", err)
	}
	room, err := ParseRoomOfKind("chat_room_12", RoomChat)
	if err != nil || room.ID != 12 {
		t.Fatalf("unexpected result %+v (%v)", room, err)
	}
}

func TestFormatMicros(t *testing.T) {
	if got := FormatMicros(1_700_000_000_123_456); got != "2023-11-14T22:13:20.123456Z" {
		t.Fatalf("unexpected format: %s", got)
	}
}
