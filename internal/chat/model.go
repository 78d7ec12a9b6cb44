package chat

// ChatRoom is a persistent, named chat channel. Names are unique and case-sensitive.
type ChatRoom struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name            string `gorm:"column:name;size:120;not null;uniqueIndex"`
	CreatorID       uint   `gorm:"column:creator_id;not null;index"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing chat rooms.
func (ChatRoom) TableName() string {
	return "chat_rooms"
}

// ChatMessage is a persisted message posted to a chat room.
type ChatMessage struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID          uint   `gorm:"column:room_id;not null;index:idx_chat_message_room_time,priority:1"`
	UserID          uint   `gorm:"column:user_id;not null;index"`
	Body            string `gorm:"column:body;type:text;not null"`
	TimestampMicros int64  `gorm:"column:timestamp_us;not null;index:idx_chat_message_room_time,priority:2"`
}

// TableName exposes the table backing chat messages.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Group is a closed chat circle; only members may join its room.
type Group struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name            string `gorm:"column:name;size:120;not null"`
	CreatorID       uint   `gorm:"column:creator_id;not null;index"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing groups.
func (Group) TableName() string {
	return "groups"
}

type GroupMember struct {
	GroupID        uint  `gorm:"column:group_id;primaryKey;autoIncrement:false"`
	UserID         uint  `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	JoinedAtMicros int64 `gorm:"column:joined_at_us;not null"`
}

// TableName exposes the table backing group membership.
func (GroupMember) TableName() string {
	return "group_members"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&ChatRoom{}, &ChatMessage{}, &Group{}, &GroupMember{}}
}
