package realtime

import "time"

// Outbound event names.
const (
	EventNamespaceConnected = "confirm_namespace_connected"
	EventAuthError          = "auth_error"
	EventError              = "error"
	EventRoomJoined         = "room_joined"
	EventRoomError          = "room_error"

	EventLockAcquired = "post_lock_acquired"
	EventLockReleased = "post_lock_released"
	EventLockRenewed  = "post_lock_renewed"

	EventEditSuccess        = "edit_success"
	EventEditError          = "edit_error"
	EventPostContentUpdated = "post_content_updated"

	EventUserJoinedChat = "user_joined_chat"
	EventUserLeftChat   = "user_left_chat"
	EventNewChatMessage = "new_chat_message"
	EventChatError      = "chat_error"
	EventGroupJoined    = "group_chat_joined"
	EventGroupLeft      = "group_chat_left"
	EventGroupMessage   = "receive_group_message"
	EventGroupError     = "group_chat_error"

	EventNewFriendPost = "new_friend_post"
	EventNewLike       = "new_like"
	EventNewComment    = "new_comment_event"
	EventNotification  = "new_notification"
	EventHeartbeat     = "heartbeat"
)

// FormatMicros renders a UTC microsecond timestamp as RFC 3339 with microsecond precision.
func FormatMicros(micros int64) string {
	return time.UnixMicro(micros).UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
