package scope

import (
	"context"
	"fmt"
)

// Resolver binds a route's scope parameter to a concrete scope entity. The
// scope kind is fixed at mount registration, so resolution never guesses:
// an npm adapter mounted under /groups resolves groups, the same adapter
// mounted under /projects resolves projects.
type Resolver struct {
	store DomainStore
}

// NewResolver creates a resolver over the given domain store
func NewResolver(store DomainStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the scope entity for the given kind and path parameter.
// Instance mounts ignore the parameter.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, idOrPath string) (*Scope, error) {
	switch kind {
	case KindInstance:
		return InstanceScope(), nil
	case KindGroup:
		return r.store.Group(ctx, idOrPath)
	case KindProject:
		return r.store.Project(ctx, idOrPath)
	default:
		return nil, fmt.Errorf("unknown scope kind %d", kind)
	}
}

// Store exposes the underlying domain store for permission checks
func (r *Resolver) Store() DomainStore {
	return r.store
}
