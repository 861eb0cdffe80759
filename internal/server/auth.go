package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/convoy/internal/types"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	sessionHeader  = "X-Session-ID"
	maxSessionLen  = 128
	tokenQueryName = "access_token"
)

// Claims is the bearer token payload. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator turns request credentials into an Identity. A signed bearer
// token yields a user identity; when anonymous access is allowed, an
// X-Session-ID header yields an anonymous one.
type Authenticator struct {
	secret         []byte
	allowAnonymous bool
}

func NewAuthenticator(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

// Identify resolves the caller of r.
func (a *Authenticator) Identify(r *http.Request) (types.Identity, error) {
	if token := bearerToken(r); token != "" {
		sub, err := a.validate(token)
		if err != nil {
			return types.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return types.Identity{UserID: sub}, nil
	}
	if !a.allowAnonymous {
		return types.Identity{}, fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}
	session := r.Header.Get(sessionHeader)
	if session == "" {
		session = r.URL.Query().Get("session")
	}
	if session == "" || len(session) > maxSessionLen {
		return types.Identity{}, fmt.Errorf("%w: missing session id", ErrUnauthenticated)
	}
	return types.Identity{AnonymousSession: session}, nil
}

func (a *Authenticator) validate(tokenStr string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("token auth not configured")
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("issue token: empty secret")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get(tokenQueryName)
}
