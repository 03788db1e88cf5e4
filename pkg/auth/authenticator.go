package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// actorCacheSize bounds the in-process token-hash -> actor cache
	actorCacheSize = 4096
	// actorCacheTTL keeps cached lookups short-lived so revocation takes
	// effect quickly
	actorCacheTTL = 30 * time.Second
)

// JobTokenVerifier validates CI job tokens that are not opaque store-backed
// secrets (OIDC ID tokens issued by the CI system).
type JobTokenVerifier interface {
	VerifyJobToken(ctx context.Context, raw string) (*Actor, error)
}

// Authenticator turns a policy-matched credential into a live principal.
// It is read-only after construction and safe for concurrent use.
type Authenticator struct {
	store    ActorStore
	verifier JobTokenVerifier // optional
	cache    *expirable.LRU[string, *Actor]
}

// NewAuthenticator creates an authenticator backed by the given store.
// verifier may be nil, in which case JWT-shaped job tokens are rejected.
func NewAuthenticator(store ActorStore, verifier JobTokenVerifier) *Authenticator {
	return &Authenticator{
		store:    store,
		verifier: verifier,
		cache:    expirable.NewLRU[string, *Actor](actorCacheSize, nil, actorCacheTTL),
	}
}

// Authenticate performs the kind-specific principal lookup for a credential
// that already matched a policy rule. Returns ErrTokenNotFound when no live
// principal backs the token.
func (a *Authenticator) Authenticate(ctx context.Context, c Credential) (*Actor, error) {
	if c.Anonymous() {
		return nil, nil
	}

	hash := HashToken(c.Raw)
	if actor, ok := a.cache.Get(hash); ok {
		return actor, nil
	}

	var (
		actor *Actor
		err   error
	)
	switch c.Kind {
	case KindPersonalAccessToken:
		actor, err = a.store.FindPersonalAccessToken(ctx, hash)
	case KindDeployToken:
		actor, err = a.store.FindDeployToken(ctx, hash)
	case KindJobToken:
		actor, err = a.authenticateJobToken(ctx, c)
	default:
		return nil, fmt.Errorf("unsupported credential kind %s", c.Kind)
	}
	if err != nil {
		return nil, err
	}

	a.cache.Add(hash, actor)
	return actor, nil
}

func (a *Authenticator) authenticateJobToken(ctx context.Context, c Credential) (*Actor, error) {
	if looksLikeJWT(c.Raw) {
		if a.verifier == nil {
			return nil, ErrTokenNotFound
		}
		actor, err := a.verifier.VerifyJobToken(ctx, c.Raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenNotFound, err)
		}
		return actor, nil
	}
	return a.store.FindJobToken(ctx, c.Raw)
}

// IsUnauthenticated reports whether err represents a failed principal lookup
// rather than a store fault
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrTokenNotFound)
}
