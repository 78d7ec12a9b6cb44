// Package gateway serves the bidirectional event channel over WebSocket.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/auth"
	"github.com/MarcoPoloResearchLab/agora/internal/chat"
	"github.com/MarcoPoloResearchLab/agora/internal/collab"
	"github.com/MarcoPoloResearchLab/agora/internal/posts"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSessionBuffer = 64
	defaultEventRate     = 20
	defaultEventBurst    = 40

	namespace = "/"

	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxFrameBytes = 64 << 10
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRegistry      = errors.New("registry dependency required")
	errMissingPosts         = errors.New("post lookup dependency required")
	errMissingEditor        = errors.New("editor dependency required")
	errMissingChat          = errors.New("chat dependency required")
)

// Authenticator resolves handshake credentials and the tokens carried by privileged events.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (auth.Identity, error)
	AuthenticateToken(ctx context.Context, token string) (auth.Identity, error)
}

// Registry is the session registry and broadcaster.
type Registry interface {
	realtime.Emitter
	Attach(session *realtime.Session) error
	Detach(sessionID string)
	Join(sessionID, room string) error
	Leave(sessionID, room string)
}

// PostLookup loads posts for join_room checks.
type PostLookup interface {
	Get(ctx context.Context, postID uint) (posts.Post, error)
}

// Editor applies lock-guarded edits.
type Editor interface {
	ApplyEdit(ctx context.Context, editor auth.Identity, postID uint, content string) (collab.EditResult, error)
}

// Chat runs chat room and group chat operations.
type Chat interface {
	JoinRoom(participant chat.Participant, roomName string) (realtime.Room, error)
	LeaveRoom(participant chat.Participant, roomName string) (realtime.Room, error)
	SendMessage(ctx context.Context, sender chat.Participant, roomName, body string) (chat.ChatMessage, error)
	JoinGroup(ctx context.Context, participant chat.Participant, groupID uint) (realtime.Room, error)
	LeaveGroup(participant chat.Participant, groupID uint) realtime.Room
	SendGroupMessage(ctx context.Context, sender chat.Participant, groupID uint, content string) (chat.GroupMessageEvent, error)
}

// Config describes the dependencies of the gateway.
type Config struct {
	Auth          Authenticator
	Registry      Registry
	Posts         PostLookup
	Editor        Editor
	Chat          Chat
	IDs           realtime.IDProvider
	CookieName    string
	SessionBuffer int
	EventRate     float64
	EventBurst    int
	Logger        *zap.Logger
}

// Gateway upgrades authenticated requests to WebSocket sessions and routes their events.
type Gateway struct {
	auth          Authenticator
	registry      Registry
	posts         PostLookup
	editor        Editor
	chat          Chat
	ids           realtime.IDProvider
	cookieName    string
	sessionBuffer int
	eventRate     rate.Limit
	eventBurst    int
	logger        *zap.Logger
	upgrader      websocket.Upgrader
	handlers      map[string]eventHandler
}

// New constructs a gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Auth == nil:
		return nil, errMissingAuthenticator
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Posts == nil:
		return nil, errMissingPosts
	case cfg.Editor == nil:
		return nil, errMissingEditor
	case cfg.Chat == nil:
		return nil, errMissingChat
	}
	ids := cfg.IDs
	if ids == nil {
		ids = realtime.NewUUIDProvider()
	}
	buffer := cfg.SessionBuffer
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	eventRate := cfg.EventRate
	if eventRate <= 0 {
		eventRate = defaultEventRate
	}
	burst := cfg.EventBurst
	if burst <= 0 {
		burst = defaultEventBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		auth:          cfg.Auth,
		registry:      cfg.Registry,
		posts:         cfg.Posts,
		editor:        cfg.Editor,
		chat:          cfg.Chat,
		ids:           ids,
		cookieName:    cfg.CookieName,
		sessionBuffer: buffer,
		eventRate:     rate.Limit(eventRate),
		eventBurst:    burst,
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.handlers = g.routes()
	return g, nil
}

type connectedPayload struct {
	Namespace  string `json:"namespace"`
	SID        string `json:"sid"`
	Status     string `json:"status"`
	Username   string `json:"username"`
	UserID     uint   `json:"user_id"`
	AuthMethod string `json:"auth_method"`
}

// Handle authenticates the handshake, upgrades the connection, and serves it until it closes.
// Handshake failures are answered with 401 before any upgrade.
func (g *Gateway) Handle(c *gin.Context) {
	creds := auth.CredentialsFromRequest(c.Request, g.cookieName)
	identity, err := g.auth.Authenticate(c.Request.Context(), creds)
	if err != nil {
		kind, _ := auth.KindOf(err)
		g.logger.Info("websocket handshake rejected", zap.String("reason", string(kind)), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.MessageOf(err), "reason": string(kind)})
		return
	}

	sessionID, err := g.ids.NewID()
	if err != nil {
		g.logger.Error("session id generation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := realtime.NewSession(sessionID, identity.UserID, identity.Username, realtime.TransportWebSocket, g.sessionBuffer)
	if err := g.registry.Attach(session); err != nil {
		g.logger.Error("session attach failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = conn.Close()
		return
	}

	client := &client{
		gateway: g,
		conn:    conn,
		session: session,
		limiter: rate.NewLimiter(g.eventRate, g.eventBurst),
		logger:  g.logger.With(zap.String("session_id", sessionID), zap.Uint("user_id", identity.UserID)),
	}
	g.registry.Emit(realtime.ToSession(sessionID), realtime.EventNamespaceConnected, connectedPayload{
		Namespace:  namespace,
		SID:        sessionID,
		Status:     "connected",
		Username:   identity.Username,
		UserID:     identity.UserID,
		AuthMethod: string(identity.Method),
	})
	client.logger.Info("websocket session connected", zap.String("auth_method", string(identity.Method)))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.writePump()
	}()
	client.readPump(ctx)

	g.registry.Detach(sessionID)
	<-writerDone
	_ = conn.Close()
	client.logger.Info("websocket session closed")
}
