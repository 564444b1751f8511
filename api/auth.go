/*
auth.go - Bearer token authentication

PURPOSE:
  Resolves the caller once at the boundary. A signed HS256 JWT carries the
  actor id in "sub" and the role in "role"; the middleware turns it into an
  engine.Actor stored on the request context. Handlers never look at the
  token again.

  Identity is consumed, not issued: login lives elsewhere. IssueToken exists
  for cmd/devtoken and tests.

SEE ALSO:
  - engine/types.go: Actor, Role
  - cmd/devtoken: mints tokens for local use
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shifta/marketplace-engine/engine"
)

const issuer = "marketplace-engine"

var errUnauthenticated = errors.New("missing or invalid bearer token")

// Claims is the token payload. Subject is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret), TTL: 12 * time.Hour, Now: time.Now}
}

// IssueToken signs a token for actor.
func (a *Authenticator) IssueToken(actor engine.Actor) (string, error) {
	now := a.Now()
	claims := &Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates the token and returns the actor it names. The system
// role is reserved for background jobs and is never accepted here.
func (a *Authenticator) Parse(tokenString string) (engine.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.Secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return engine.Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return engine.Actor{}, errUnauthenticated
	}

	actor := engine.Actor{ID: claims.Subject, Role: engine.Role(claims.Role)}
	switch actor.Role {
	case engine.RoleFacility, engine.RoleProfessional, engine.RoleAdmin:
	default:
		return engine.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	if actor.ID == "" {
		return engine.Actor{}, errors.New("token has no subject")
	}
	return actor, nil
}

type actorKey struct{}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeAuthError(w, errUnauthenticated)
			return
		}
		actor, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func WithActor(ctx context.Context, actor engine.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor. It is only absent on routes
// mounted outside the middleware.
func ActorFrom(ctx context.Context) (engine.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(engine.Actor)
	return actor, ok
}
