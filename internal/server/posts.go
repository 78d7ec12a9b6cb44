package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const blockedCommenterMessage = "You are blocked by the post author and cannot comment."

type createPostRequestPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type postResponsePayload struct {
	ID           uint   `json:"id"`
	AuthorID     uint   `json:"author_id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	CreatedAt    string `json:"created_at"`
	LastEditedAt string `json:"last_edited_at,omitempty"`
}

func newPostResponse(post posts.Post) postResponsePayload {
	response := postResponsePayload{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Title:     post.Title,
		Content:   post.Content,
		CreatedAt: realtime.FormatMicros(post.CreatedAtMicros),
	}
	if post.LastEditedAtMicros > 0 {
		response.LastEditedAt = realtime.FormatMicros(post.LastEditedAtMicros)
	}
	return response
}

type commentRequestPayload struct {
	Content string `json:"content"`
}

type commentResponsePayload struct {
	ID        uint   `json:"id"`
	PostID    uint   `json:"post_id"`
	AuthorID  uint   `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type likeResponsePayload struct {
	ID        uint   `json:"id"`
	PostID    uint   `json:"post_id"`
	UserID    uint   `json:"user_id"`
	CreatedAt string `json:"created_at"`
	Created   bool   `json:"created"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
		return
	}
	identity := identityFrom(c)
	post, err := h.posts.CreatePost(c.Request.Context(), identity.UserID, request.Title, request.Content)
	switch {
	case errors.Is(err, posts.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "title and content are required"})
		return
	case err != nil:
		h.respondInternal(c, "post create failed", err, zap.Uint("user_id", identity.UserID))
		return
	}
	c.JSON(http.StatusCreated, newPostResponse(post))
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	post, err := h.posts.Get(c.Request.Context(), postID)
	switch {
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
		return
	case err != nil:
		h.respondInternal(c, "post lookup failed", err, zap.Uint("post_id", postID))
		return
	}
	c.JSON(http.StatusOK, newPostResponse(post))
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	err := h.posts.DeletePost(c.Request.Context(), postID, identity.UserID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
	case errors.Is(err, posts.ErrNotAuthor):
		respondForbidden(c, "Only the author can delete this post.")
	default:
		h.respondInternal(c, "post delete failed", err, zap.Uint("post_id", postID))
	}
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "malformed body"})
		return
	}
	identity := identityFrom(c)
	comment, err := h.posts.CreateComment(c.Request.Context(), postID, identity.UserID, request.Content)
	switch {
	case err == nil:
	case errors.Is(err, posts.ErrBlockedByAuthor):
		respondForbidden(c, blockedCommenterMessage)
		return
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
		return
	case errors.Is(err, posts.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "content is required"})
		return
	default:
		h.respondInternal(c, "comment create failed", err, zap.Uint("post_id", postID))
		return
	}
	c.JSON(http.StatusCreated, commentResponsePayload{
		ID:        comment.ID,
		PostID:    comment.PostID,
		AuthorID:  comment.AuthorID,
		Content:   comment.Content,
		CreatedAt: realtime.FormatMicros(comment.CreatedAtMicros),
	})
}

func (h *httpHandler) handleLikePost(c *gin.Context) {
	postID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	identity := identityFrom(c)
	like, created, err := h.posts.Like(c.Request.Context(), postID, identity.UserID)
	switch {
	case errors.Is(err, posts.ErrPostNotFound):
		respondNotFound(c, "Post not found.")
		return
	case errors.Is(err, users.ErrUserNotFound):
		respondNotFound(c, "User not found.")
		return
	case err != nil:
		h.respondInternal(c, "like failed", err, zap.Uint("post_id", postID))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, likeResponsePayload{
		ID:        like.ID,
		PostID:    like.PostID,
		UserID:    like.UserID,
		CreatedAt: realtime.FormatMicros(like.CreatedAtMicros),
		Created:   created,
	})
}
