package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "newstrnt"

// ErrInvalidToken indicates the transport token failed validation.
var ErrInvalidToken = errors.New("session: invalid token")

// Claims binds a transport token to a session. The token is opaque to
// callers; its expiry mirrors the session's so a stale token is rejected
// before the store is ever consulted.
type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// SignToken wraps the session id in a signed HS256 token.
func SignToken(secret []byte, sess *Session) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	if sess == nil || sess.ID == "" {
		return "", ErrInvalidInput
	}
	claims := Claims{
		SessionID: sess.ID,
		Role:      sess.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies the signature and claims and returns the session id.
// Expired tokens return ErrExpired; everything else invalid returns
// ErrInvalidToken.
func ParseToken(secret []byte, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(secret) == 0 {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.SessionID) == "" {
		return "", ErrInvalidToken
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}
	// Issued-at sanity with a small clock skew allowance.
	if claims.IssuedAt.Time.After(time.Now().UTC().Add(5 * time.Second)) {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}
