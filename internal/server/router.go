package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/locks"
	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/notifications"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/MarcoPoloResearchLab/agora/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	identityContextKey = "agora_identity"

	defaultServiceName       = "agora-api"
	defaultHeartbeatInterval = 25 * time.Second
	accessTokenQueryParam    = "access_token"
)

var (
	errMissingResolver      = errors.New("identity resolver dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingUsers         = errors.New("users service dependency required")
	errMissingPosts         = errors.New("posts service dependency required")
	errMissingLocks         = errors.New("lock manager dependency required")
	errMissingNotifications = errors.New("notifications service dependency required")
	errMissingChat          = errors.New("chat service dependency required")
	errMissingDispatcher    = errors.New("push dispatcher dependency required")
	errMissingSockets       = errors.New("socket handler dependency required")
)

// IdentityResolver turns request credentials into an identity.
type IdentityResolver interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (auth.Identity, error)
}

// TokenIssuer mints bearer tokens for authenticated users.
type TokenIssuer interface {
	IssueToken(ctx context.Context, userID uint) (string, int64, error)
}

// SocketHandler upgrades and serves the bidirectional channel.
type SocketHandler interface {
	Handle(c *gin.Context)
}

type Dependencies struct {
	Resolver          IdentityResolver
	Tokens            TokenIssuer
	Users             *users.Service
	Posts             *posts.Service
	Locks             *locks.Manager
	Notifications     *notifications.Service
	Chat              *chat.Service
	Dispatcher        *realtime.Dispatcher
	Sockets           SocketHandler
	CookieName        string
	HeartbeatInterval time.Duration
	HTTPRate          float64
	HTTPBurst         int
	ServiceName       string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errMissingResolver
	case deps.Tokens == nil:
		return nil, errMissingTokenIssuer
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Posts == nil:
		return nil, errMissingPosts
	case deps.Locks == nil:
		return nil, errMissingLocks
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	case deps.Chat == nil:
		return nil, errMissingChat
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	case deps.Sockets == nil:
		return nil, errMissingSockets
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName := deps.ServiceName
	if strings.TrimSpace(serviceName) == "" {
		serviceName = defaultServiceName
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(metrics.HTTPMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		resolver:      deps.Resolver,
		tokens:        deps.Tokens,
		users:         deps.Users,
		posts:         deps.Posts,
		locks:         deps.Locks,
		notifications: deps.Notifications,
		chat:          deps.Chat,
		dispatcher:    deps.Dispatcher,
		cookieName:    deps.CookieName,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", deps.Sockets.Handle)

	api := router.Group("/api")
	if deps.HTTPRate > 0 {
		api.Use(rateLimitMiddleware(rate.Limit(deps.HTTPRate), deps.HTTPBurst))
	}
	api.Use(handler.authorizeRequest)

	api.POST("/auth/token", handler.handleIssueToken)
	api.GET("/stream", handler.handleUserStream)

	api.POST("/posts", handler.handleCreatePost)
	api.GET("/posts/:id", handler.handleGetPost)
	api.DELETE("/posts/:id", handler.handleDeletePost)
	api.POST("/posts/:id/comments", handler.handleCreateComment)
	api.GET("/posts/:id/comments/stream", handler.handlePostStream)
	api.POST("/posts/:id/like", handler.handleLikePost)
	api.GET("/posts/:id/lock", handler.handleGetLock)
	api.POST("/posts/:id/lock", handler.handleAcquireLock)
	api.DELETE("/posts/:id/lock", handler.handleReleaseLock)

	api.GET("/notifications", handler.handleListNotifications)
	api.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	api.GET("/notifications/friend-posts", handler.handleListFriendPosts)
	api.POST("/notifications/friend-posts/:id/read", handler.handleMarkFriendPostRead)

	api.POST("/friends/:id", handler.handleRequestFriendship)
	api.POST("/friends/:id/accept", handler.handleAcceptFriendship)
	api.POST("/blocks/:id", handler.handleBlockUser)

	api.POST("/chat/rooms", handler.handleCreateChatRoom)
	api.GET("/chat/rooms/:id/messages", handler.handleChatHistory)
	api.POST("/chat/groups", handler.handleCreateGroup)
	api.POST("/chat/groups/:id/members", handler.handleAddGroupMember)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	resolver      IdentityResolver
	tokens        TokenIssuer
	users         *users.Service
	posts         *posts.Service
	locks         *locks.Manager
	notifications *notifications.Service
	chat          *chat.Service
	dispatcher    *realtime.Dispatcher
	cookieName    string
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken exchanges the caller's current credential for a fresh bearer token.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	identity := identityFrom(c)
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to issue bearer token", zap.Uint("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	creds := auth.CredentialsFromRequest(c.Request, h.cookieName)
	if creds.BearerToken == "" {
		creds.BearerToken = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	identity, err := h.resolver.Authenticate(c.Request.Context(), creds)
	if err != nil {
		kind, ok := auth.KindOf(err)
		if !ok {
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "server error"})
			return
		}
		if kind == auth.FailureExpired {
			h.logger.Info("token validation failed", zap.String("reason", string(kind)), zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.String("reason", string(kind)), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.MessageOf(err), "reason": string(kind)})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}
	}
	identity, _ := value.(auth.Identity)
	return identity
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	raw := strings.TrimSpace(c.Param(name))
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || parsed == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid " + name})
		return 0, false
	}
	return uint(parsed), true
}

func parseLimit(c *gin.Context) int {
	parsed, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return parsed
}

func (h *httpHandler) respondInternal(c *gin.Context, message string, err error, fields ...zap.Field) {
	h.logger.Error(message, append(fields, zap.Error(err))...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": "server error"})
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not-found", "message": message})
}

func respondForbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": message})
}
