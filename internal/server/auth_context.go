package server

import (
	"context"

	"chainvault/internal/store"
)

const (
	authTypeBearer  = "bearer"
	authTypeSession = "session"
	authTypeAdmin   = "admin_token"
	authTypeOpen    = "open"

	// openOwnerID owns files created in open mode and with the shared API token.
	openOwnerID = "local"
)

type authContextKey struct{}

// principal is the authenticated caller. OwnerID scopes file access.
type principal struct {
	AuthType string
	User     *store.AuthUser
	OwnerID  string
	Admin    bool
}

func (p principal) canManage(ownerID string) bool {
	return p.Admin || p.OwnerID == ownerID
}

func contextWithPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, authContextKey{}, p)
}

func principalFromContext(ctx context.Context) (principal, bool) {
	if ctx == nil {
		return principal{}, false
	}
	p, ok := ctx.Value(authContextKey{}).(principal)
	return p, ok
}
