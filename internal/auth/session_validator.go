package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "agora-session"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
)

// SessionClaims is the payload carried by the signed session cookie.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how session cookies are signed and validated.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator signs and validates HS256 session cookies.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// IssueSession signs a session value for the user that stays valid for ttl.
func (v *SessionValidator) IssueSession(userID uint, ttl time.Duration) (string, error) {
	if userID == 0 {
		return "", errMissingSubjectClaim
	}
	now := v.clock().UTC()
	subject := strconv.FormatUint(uint64(userID), 10)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.signingSecret)
}

// ValidateToken validates the session value and returns the user id it carries.
// Failures are reported as *Error with kind missing, invalid-signature, expired, or invalid-subject.
func (v *SessionValidator) ValidateToken(tokenString string) (uint, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return 0, newError(FailureMissing, nil)
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm %s", t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, newError(FailureExpired, err)
		}
		return 0, newError(FailureInvalidSignature, err)
	}
	if parsed == nil || !parsed.Valid {
		return 0, newError(FailureInvalidSignature, nil)
	}

	userID, err := parseUserID(strings.TrimSpace(claims.UserID))
	if err != nil {
		return 0, newError(FailureInvalidSubject, err)
	}
	return userID, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (uint, error) {
	if r == nil {
		return 0, newError(FailureMissing, nil)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return 0, newError(FailureMissing, nil)
	}
	return v.ValidateToken(cookie.Value)
}
