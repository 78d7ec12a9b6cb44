package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "bearer-secret"
	testIssuer        = "agora-auth"
	testAudience      = "agora-api"
)

func newTestIssuer(t *testing.T, now time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func signRaw(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, now)

	token, expiresIn, err := issuer.IssueToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	userID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected user 42, got %d", userID)
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestTokenIssuerClassifiesFailures(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, now)

	valid := func(subject string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			Audience:  []string{testAudience},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}
	expired := valid("7")
	expired.IssuedAt = jwt.NewNumericDate(now.Add(-2 * time.Hour))
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))

	wrongAudience := valid("7")
	wrongAudience.Audience = []string{"someone-else"}

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, valid("7")).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("failed to sign foreign token: %v", err)
	}

	cases := []struct {
		name  string
		token string
		kind  FailureKind
	}{
		{name: "empty", token: "  ", kind: FailureMissing},
		{name: "garbage", token: "not-a-jwt", kind: FailureMalformed},
		{name: "foreign signature", token: foreign, kind: FailureMalformed},
		{name: "wrong audience", token: signRaw(t, wrongAudience), kind: FailureMalformed},
		{name: "expired", token: signRaw(t, expired), kind: FailureExpired},
		{name: "non numeric subject", token: signRaw(t, valid("user-7")), kind: FailureInvalidSubject},
		{name: "signed subject", token: signRaw(t, valid("+7")), kind: FailureInvalidSubject},
		{name: "zero subject", token: signRaw(t, valid("0")), kind: FailureInvalidSubject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := issuer.ValidateToken(tc.token)
			kind, ok := KindOf(err)
			if !ok {
				t.Fatalf("expected auth error, got %v", err)
			}
			if kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, kind)
			}
		})
	}
}
