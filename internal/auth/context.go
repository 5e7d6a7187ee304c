package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated caller of one request. UserID is what the
// audit ledger records as the actor; TokenID ties ledger entries back to the
// access token that authorized them.
type Identity struct {
	UserID  string
	Role    string
	TokenID string
}

type ctxKey struct{}

// WithIdentity stores a caller without a token, as trusted callers and
// tests do.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, Role: role})
}

// WithClaims stores the caller described by verified access token claims.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: c.UserID, Role: c.Role, TokenID: c.ID})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func UserID(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", ErrNoIdentity
	}
	return id.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.Role == "" {
		return "", errors.New("auth: role not in context")
	}
	return id.Role, nil
}
