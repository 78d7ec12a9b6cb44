package notifications

// Kind classifies a notification row.
type Kind string

const (
	KindNewPost       Kind = "new_post"
	KindNewEvent      Kind = "new_event"
	KindNewPoll       Kind = "new_poll"
	KindLike          Kind = "like"
	KindComment       Kind = "comment"
	KindNewFriendPost Kind = "new_friend_post"
)

// Notification is an inbox entry for RecipientID caused by ActorID.
// RelatedID points at the post for likes and at the comment for comments.
type Notification struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	RecipientID     uint   `gorm:"column:recipient_id;not null;index;uniqueIndex:idx_notification_dedupe,priority:1"`
	ActorID         uint   `gorm:"column:actor_id;not null;uniqueIndex:idx_notification_dedupe,priority:2"`
	Kind            Kind   `gorm:"column:kind;size:32;not null;uniqueIndex:idx_notification_dedupe,priority:3"`
	RelatedID       uint   `gorm:"column:related_id;not null;uniqueIndex:idx_notification_dedupe,priority:4"`
	Message         string `gorm:"column:message;size:512;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
	IsRead          bool   `gorm:"column:is_read;not null;default:false"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// FriendPostNotification tells RecipientID that a friend published PostID.
type FriendPostNotification struct {
	ID              uint  `gorm:"column:id;primaryKey;autoIncrement"`
	RecipientID     uint  `gorm:"column:recipient_id;not null;uniqueIndex:idx_friend_post_recipient_post,priority:1"`
	PostID          uint  `gorm:"column:post_id;not null;uniqueIndex:idx_friend_post_recipient_post,priority:2"`
	PosterID        uint  `gorm:"column:poster_id;not null;index"`
	CreatedAtMicros int64 `gorm:"column:created_at_us;not null"`
	IsRead          bool  `gorm:"column:is_read;not null;default:false"`
}

// TableName exposes the table backing friend-post notifications.
func (FriendPostNotification) TableName() string {
	return "friend_post_notifications"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Notification{}, &FriendPostNotification{}}
}
