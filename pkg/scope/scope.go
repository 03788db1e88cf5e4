// Package scope resolves the ownership boundary a registry request targets:
// the whole instance, a group, or a single project.
package scope

import (
	"context"
	"errors"

	"github.com/packgate/packgate/pkg/auth"
)

// Kind is the ownership level of a registry mount
type Kind int

const (
	KindInstance Kind = iota
	KindGroup
	KindProject
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindProject:
		return "project"
	default:
		return "instance"
	}
}

// Scope is a resolved ownership entity. It is loaded once per request and
// owned by that request; nothing here is persisted by the gateway.
type Scope struct {
	Kind            Kind
	ID              int64
	FullPath        string
	PackagesEnabled bool

	// Visibility controls anonymous reads: private scopes require an
	// authenticated actor even for downloads.
	Public bool
}

// InstanceScope is the fixed scope for instance-level mounts. The instance
// always has packages enabled; per-protocol flags still apply.
func InstanceScope() *Scope {
	return &Scope{Kind: KindInstance, ID: 0, PackagesEnabled: true, Public: true}
}

// ErrNotFound is returned when no entity backs the requested id or path
var ErrNotFound = errors.New("scope not found")

// DomainStore is the narrow read interface onto the external domain model.
// idOrPath accepts a numeric id or a URL-decoded full path.
type DomainStore interface {
	Group(ctx context.Context, idOrPath string) (*Scope, error)
	Project(ctx context.Context, idOrPath string) (*Scope, error)

	// ProjectsUnder lists the ids of the projects owned by a group. Group
	// mounts read through to these projects when serving packages.
	ProjectsUnder(ctx context.Context, groupID int64) ([]int64, error)

	// Can answers whether the actor holds the permission on the scope.
	// A nil actor is anonymous; anonymous actors can hold read_package on
	// public scopes only.
	Can(ctx context.Context, actor *auth.Actor, perm auth.Permission, s *Scope) (bool, error)
}
