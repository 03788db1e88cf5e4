package scope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/packgate/packgate/pkg/auth"
)

// CachedDomainStore decorates a DomainStore with Redis-backed lookup
// caching. Permission checks are never cached: revocation must be visible
// immediately.
type CachedDomainStore struct {
	store DomainStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedDomainStore wraps store with a Redis cache. ttl <= 0 defaults to
// one minute.
func NewCachedDomainStore(store DomainStore, client *redis.Client, ttl time.Duration) *CachedDomainStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedDomainStore{store: store, redis: client, ttl: ttl}
}

func (c *CachedDomainStore) cached(ctx context.Context, key string, load func() (*Scope, error)) (*Scope, error) {
	if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var sc Scope
		if err := json.Unmarshal(data, &sc); err == nil {
			return &sc, nil
		}
	}

	sc, err := load()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(sc); err == nil {
		// cache write failures are not fatal, the store answered
		c.redis.Set(ctx, key, data, c.ttl)
	}
	return sc, nil
}

// Group implements DomainStore
func (c *CachedDomainStore) Group(ctx context.Context, idOrPath string) (*Scope, error) {
	return c.cached(ctx, "scope:group:"+idOrPath, func() (*Scope, error) {
		return c.store.Group(ctx, idOrPath)
	})
}

// Project implements DomainStore
func (c *CachedDomainStore) Project(ctx context.Context, idOrPath string) (*Scope, error) {
	return c.cached(ctx, "scope:project:"+idOrPath, func() (*Scope, error) {
		return c.store.Project(ctx, idOrPath)
	})
}

// ProjectsUnder implements DomainStore, always delegating: membership
// changes must be visible on the next group read.
func (c *CachedDomainStore) ProjectsUnder(ctx context.Context, groupID int64) ([]int64, error) {
	return c.store.ProjectsUnder(ctx, groupID)
}

// Can implements DomainStore, always delegating
func (c *CachedDomainStore) Can(ctx context.Context, actor *auth.Actor, perm auth.Permission, s *Scope) (bool, error) {
	return c.store.Can(ctx, actor, perm, s)
}
