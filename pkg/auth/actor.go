package auth

import (
	"context"
	"errors"
	"time"
)

// Permission names the capability required for a registry operation
type Permission string

const (
	PermissionReadPackage    Permission = "read_package"
	PermissionCreatePackage  Permission = "create_package"
	PermissionDestroyPackage Permission = "destroy_package"
	PermissionAdminPackage   Permission = "admin_package"
)

// ActorKind distinguishes the principal categories a credential can resolve to
type ActorKind int

const (
	ActorUser ActorKind = iota
	ActorDeployToken
	ActorCIJob
)

func (k ActorKind) String() string {
	switch k {
	case ActorDeployToken:
		return "deploy_token"
	case ActorCIJob:
		return "ci_job"
	default:
		return "user"
	}
}

// Actor is the authenticated principal behind a request. A nil *Actor means
// the request is anonymous.
type Actor struct {
	ID       int64
	Username string
	Kind     ActorKind

	// ProjectID is set for deploy tokens and CI jobs, which are bound to a
	// single project.
	ProjectID int64

	// WriteAllowed is false for read-only deploy tokens
	WriteAllowed bool
}

// Anonymous reports whether the actor is absent
func (a *Actor) Anonymous() bool {
	return a == nil
}

// ErrTokenNotFound is returned by ActorStore lookups when no live principal
// exists for a token. It maps to 401 at the edge.
var ErrTokenNotFound = errors.New("token not found or revoked")

// ActorStore looks up the live principal behind a credential. Lookups are
// kind-specific: a personal access token hash never matches a deploy token.
// Implementations live outside this package (postgres, sqlite, memory).
type ActorStore interface {
	FindPersonalAccessToken(ctx context.Context, tokenHash string) (*Actor, error)
	FindDeployToken(ctx context.Context, tokenHash string) (*Actor, error)
	FindJobToken(ctx context.Context, raw string) (*Actor, error)
}

// TokenRecord is the stored form of an issued token, used by store
// implementations and the maintenance sweeper.
type TokenRecord struct {
	Hash      string
	Kind      Kind
	Actor     Actor
	ExpiresAt time.Time // zero means no expiry
	RevokedAt time.Time // zero means live
}

// Live reports whether the token is usable at the given instant
func (t *TokenRecord) Live(now time.Time) bool {
	if !t.RevokedAt.IsZero() && !t.RevokedAt.After(now) {
		return false
	}
	if !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}
