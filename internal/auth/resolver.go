package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/agora/internal/users"
)

// Method names the credential that produced an identity.
type Method string

const (
	MethodToken   Method = "token"
	MethodSession Method = "session"
)

// Identity is the authenticated principal attached to a request or socket event.
type Identity struct {
	UserID   uint
	Username string
	Role     users.Role
	Method   Method
}

// Credentials carries the raw credentials presented by a client.
type Credentials struct {
	BearerToken   string
	SessionCookie string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.BearerToken) == "" && strings.TrimSpace(c.SessionCookie) == ""
}

// CredentialsFromRequest collects the bearer token from the Authorization header or the
// token query parameter, and the session value from the named cookie.
func CredentialsFromRequest(r *http.Request, cookieName string) Credentials {
	var creds Credentials
	if r == nil {
		return creds
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		creds.BearerToken = strings.TrimSpace(header[len("Bearer "):])
	}
	if creds.BearerToken == "" {
		creds.BearerToken = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			creds.SessionCookie = cookie.Value
		}
	}
	return creds
}

// UserDirectory resolves user ids to accounts.
type UserDirectory interface {
	Lookup(ctx context.Context, userID uint) (users.User, error)
}

// Authenticator turns credentials into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

// BearerAuthenticator resolves bearer tokens.
type BearerAuthenticator struct {
	tokens    *TokenIssuer
	directory UserDirectory
}

// NewBearerAuthenticator constructs a bearer token authenticator.
func NewBearerAuthenticator(tokens *TokenIssuer, directory UserDirectory) *BearerAuthenticator {
	return &BearerAuthenticator{tokens: tokens, directory: directory}
}

// Authenticate validates the bearer token and loads its user.
func (a *BearerAuthenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	userID, err := a.tokens.ValidateToken(creds.BearerToken)
	if err != nil {
		return Identity{}, err
	}
	return lookupIdentity(ctx, a.directory, userID, MethodToken)
}

// CookieAuthenticator resolves signed session cookies.
type CookieAuthenticator struct {
	sessions  *SessionValidator
	directory UserDirectory
}

// NewCookieAuthenticator constructs a session cookie authenticator.
func NewCookieAuthenticator(sessions *SessionValidator, directory UserDirectory) *CookieAuthenticator {
	return &CookieAuthenticator{sessions: sessions, directory: directory}
}

// Authenticate validates the session cookie and loads its user.
func (a *CookieAuthenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	userID, err := a.sessions.ValidateToken(creds.SessionCookie)
	if err != nil {
		return Identity{}, err
	}
	return lookupIdentity(ctx, a.directory, userID, MethodSession)
}

func lookupIdentity(ctx context.Context, directory UserDirectory, userID uint, method Method) (Identity, error) {
	user, err := directory.Lookup(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return Identity{}, newError(FailureUserNotFound, err)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: user lookup: %w", err)
	}
	return Identity{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Method:   method,
	}, nil
}

// ResolverConfig wires the resolver's credential adapters.
type ResolverConfig struct {
	Bearer Authenticator
	Cookie Authenticator
}

// Resolver chooses the credential adapter for each request. A bearer token wins when
// present; otherwise the session cookie is used.
type Resolver struct {
	bearer Authenticator
	cookie Authenticator
}

// NewResolver constructs an identity resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Bearer == nil {
		return nil, fmt.Errorf("auth: bearer authenticator required")
	}
	return &Resolver{bearer: cfg.Bearer, cookie: cfg.Cookie}, nil
}

// Authenticate resolves whichever credential the client presented.
func (r *Resolver) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	if strings.TrimSpace(creds.BearerToken) != "" {
		return r.bearer.Authenticate(ctx, creds)
	}
	if strings.TrimSpace(creds.SessionCookie) != "" && r.cookie != nil {
		return r.cookie.Authenticate(ctx, creds)
	}
	return Identity{}, newError(FailureMissing, nil)
}

// AuthenticateToken resolves a bearer token only. Privileged socket events use this path.
func (r *Resolver) AuthenticateToken(ctx context.Context, token string) (Identity, error) {
	return r.bearer.Authenticate(ctx, Credentials{BearerToken: token})
}
