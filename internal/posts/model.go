package posts

// Post is a user-authored entry whose content may be edited collaboratively under a lock.
type Post struct {
	ID                 uint   `gorm:"column:id;primaryKey;autoIncrement"`
	AuthorID           uint   `gorm:"column:author_id;not null;index"`
	Title              string `gorm:"column:title;size:200;not null"`
	Content            string `gorm:"column:content;type:text;not null"`
	CreatedAtMicros    int64  `gorm:"column:created_at_us;not null"`
	LastEditedAtMicros int64  `gorm:"column:last_edited_at_us;not null;default:0"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

// Comment is a reply attached to a post.
type Comment struct {
	ID              uint   `gorm:"column:id;primaryKey;autoIncrement"`
	PostID          uint   `gorm:"column:post_id;not null;index"`
	AuthorID        uint   `gorm:"column:author_id;not null;index"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMicros int64  `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "comments"
}

// Like records one user's like of a post. A user likes a post at most once.
type Like struct {
	ID              uint  `gorm:"column:id;primaryKey;autoIncrement"`
	PostID          uint  `gorm:"column:post_id;not null;uniqueIndex:idx_like_user_post,priority:2"`
	UserID          uint  `gorm:"column:user_id;not null;uniqueIndex:idx_like_user_post,priority:1"`
	CreatedAtMicros int64 `gorm:"column:created_at_us;not null"`
}

// TableName exposes the table backing likes.
func (Like) TableName() string {
	return "likes"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Post{}, &Comment{}, &Like{}}
}
