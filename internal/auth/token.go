// Package auth authenticates websocket handshakes: token verification
// plus user-directory resolution with a short-lived lookup cache.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tableflow/syncd/internal/rooms"
)

var (
	// ErrMissingToken indicates the handshake carried no credential at all.
	ErrMissingToken = errors.New("missing auth token")
	// ErrInvalidToken indicates the token failed signature or structure checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrUnknownUser indicates the token subject has no directory entry.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInactiveUser indicates the account exists but is disabled.
	ErrInactiveUser = errors.New("inactive user")
)

// User is the resolved identity behind an authenticated connection.
type User struct {
	ID     string
	Email  string
	Name   string
	Role   rooms.Role
	Active bool
}

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(token string) (subjectID string, err error)
}

// Directory looks up users by identity; backed by the data-access
// collaborator outside this engine.
type Directory interface {
	FindUserByID(ctx context.Context, id string) (*User, error)
}

type claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens issued by the credential service.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewJWTVerifier constructs a verifier for the shared signing secret.
func NewJWTVerifier(secret string, leeway time.Duration) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &JWTVerifier{secret: []byte(secret), leeway: leeway}, nil
}

// Verify parses the token, checks signature and expiry, and returns the subject.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	parsedClaims, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(parsedClaims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return parsedClaims.Subject, nil
}

// TokenFromRequest extracts the bearer token from the handshake request:
// the auth_token query parameter, the X-Auth-Token header, or a standard
// Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(rest)
	}
	return ""
}

// Authenticator resolves a handshake request to an active user.
type Authenticator struct {
	verifier  TokenVerifier
	directory Directory
}

// NewAuthenticator wires the verifier and directory together.
func NewAuthenticator(verifier TokenVerifier, directory Directory) *Authenticator {
	return &Authenticator{verifier: verifier, directory: directory}
}

// Authenticate validates the request credential and returns the resolved
// user. Every failure here is fatal to the connection.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*User, error) {
	if a == nil || a.verifier == nil || a.directory == nil {
		return nil, errors.New("authenticator not configured")
	}
	token := TokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := a.directory.FindUserByID(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	return user, nil
}
