// Package auth issues and verifies the signed session tokens that admit a
// client to the HTTP API and the real-time channel.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pushchat/models"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Claims is the payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"id"`
	Username string `json:"username"`
}

// Authenticator signs and validates HS256 session tokens. It holds no
// per-session state; revocation is not supported.
type Authenticator struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// New creates an authenticator for the given signing key. A zero ttl issues
// tokens valid for 24 hours.
func New(key []byte, ttl time.Duration) (*Authenticator, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the identity.
func (a *Authenticator) Issue(identity models.Identity) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID:   identity.ID,
		Username: identity.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Authenticate validates the credential and returns the identity it carries.
func (a *Authenticator) Authenticate(credential string) (models.Identity, error) {
	if credential == "" {
		return models.Identity{}, ErrMissingCredential
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return models.Identity{}, ErrInvalidCredential
	}
	if claims.UserID <= 0 || claims.Username == "" {
		return models.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidCredential)
	}

	return models.Identity{ID: claims.UserID, Username: claims.Username}, nil
}

// CredentialFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser WebSocket clients.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
