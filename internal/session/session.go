// Package session supplies the authenticated user context required by validation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/iap-keeper/internal/errs"
)

// Session is the current user and the bearer token used for the validator.
type Session struct {
	UserID    uuid.UUID
	Token     string
	ExpiresAt time.Time
}

// Provider returns the current session or errs.ErrNoSession.
type Provider interface {
	Current(ctx context.Context) (Session, error)
}

type ctxKey string

const sessionKey ctxKey = "ik.session"

// WithSession stores an authenticated session in context.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext fetches the session from context.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	if !ok || s.UserID == uuid.Nil {
		return Session{}, false
	}
	return s, true
}

// ContextProvider serves the session placed in the request context by the transport.
type ContextProvider struct{}

// Current implements Provider.
func (ContextProvider) Current(ctx context.Context) (Session, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Session{}, errs.ErrNoSession
	}
	return s, nil
}

// Static always returns the same session until it expires.
type Static struct{ s Session }

// NewStatic parses token once and serves it for every call.
func NewStatic(token string, key []byte) (*Static, error) {
	s, err := Parse(token, key)
	if err != nil {
		return nil, err
	}
	return &Static{s: s}, nil
}

// Current implements Provider.
func (p *Static) Current(context.Context) (Session, error) {
	if !p.s.ExpiresAt.IsZero() && time.Now().After(p.s.ExpiresAt) {
		return Session{}, fmt.Errorf("token expired: %w", errs.ErrNoSession)
	}
	return p.s, nil
}

// Parse validates a bearer JWT and returns the session it describes.
// With an empty key the signature is not checked (client side, the issuer's
// secret is not available) but expiry still is.
func Parse(token string, key []byte) (Session, error) {
	var claims jwt.RegisteredClaims
	if len(key) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return Session{}, fmt.Errorf("malformed token: %w", errs.ErrUnauthorized)
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		})
		if err != nil || !parsed.Valid {
			return Session{}, fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
		}
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return Session{}, fmt.Errorf("token expired or not valid yet: %w", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("bad subject: %w", errs.ErrUnauthorized)
	}
	s := Session{UserID: id, Token: token}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Issue creates a signed HS256 token for userID. Used by the development tooling.
func Issue(userID uuid.UUID, key []byte, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	return signed, exp, err
}
