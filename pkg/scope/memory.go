package scope

import (
	"context"
	"strconv"
	"sync"

	"github.com/packgate/packgate/pkg/auth"
)

// Grant is one (actor, permission, scope) entry in the in-memory permission
// table
type Grant struct {
	ActorID   int64
	Perm      auth.Permission
	ScopeKind Kind
	ScopeID   int64
}

// MemoryDomainStore is an in-memory DomainStore for tests and dev mode
type MemoryDomainStore struct {
	mu       sync.RWMutex
	groups   map[int64]*Scope
	projects map[int64]*Scope
	byPath   map[string]*Scope
	grants   []Grant

	// projectGroup records which group owns each project, so group-level
	// grants cascade to project scopes.
	projectGroup map[int64]int64
}

// NewMemoryDomainStore creates an empty in-memory domain store
func NewMemoryDomainStore() *MemoryDomainStore {
	return &MemoryDomainStore{
		groups:       make(map[int64]*Scope),
		projects:     make(map[int64]*Scope),
		byPath:       make(map[string]*Scope),
		projectGroup: make(map[int64]int64),
	}
}

// AddGroup registers a group scope
func (s *MemoryDomainStore) AddGroup(sc *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Kind = KindGroup
	s.groups[sc.ID] = sc
	if sc.FullPath != "" {
		s.byPath["group:"+sc.FullPath] = sc
	}
}

// AddProject registers a project scope, optionally owned by a group
func (s *MemoryDomainStore) AddProject(sc *Scope, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Kind = KindProject
	s.projects[sc.ID] = sc
	if sc.FullPath != "" {
		s.byPath["project:"+sc.FullPath] = sc
	}
	if groupID != 0 {
		s.projectGroup[sc.ID] = groupID
	}
}

// Grant adds a permission entry
func (s *MemoryDomainStore) Grant(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
}

func (s *MemoryDomainStore) lookup(kind Kind, byID map[int64]*Scope, idOrPath string) (*Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, err := strconv.ParseInt(idOrPath, 10, 64); err == nil {
		if sc, ok := byID[id]; ok {
			copied := *sc
			return &copied, nil
		}
		return nil, ErrNotFound
	}
	if sc, ok := s.byPath[kind.String()+":"+idOrPath]; ok {
		copied := *sc
		return &copied, nil
	}
	return nil, ErrNotFound
}

// Group implements DomainStore
func (s *MemoryDomainStore) Group(_ context.Context, idOrPath string) (*Scope, error) {
	return s.lookup(KindGroup, s.groups, idOrPath)
}

// Project implements DomainStore
func (s *MemoryDomainStore) Project(_ context.Context, idOrPath string) (*Scope, error) {
	return s.lookup(KindProject, s.projects, idOrPath)
}

// ProjectsUnder implements DomainStore
func (s *MemoryDomainStore) ProjectsUnder(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for projectID, owner := range s.projectGroup {
		if owner == groupID {
			ids = append(ids, projectID)
		}
	}
	return ids, nil
}

// Can implements DomainStore
func (s *MemoryDomainStore) Can(_ context.Context, actor *auth.Actor, perm auth.Permission, sc *Scope) (bool, error) {
	if actor.Anonymous() {
		// anonymous actors may read public scopes only
		return perm == auth.PermissionReadPackage && sc.Public, nil
	}

	// deploy tokens and CI jobs are bound to one project
	if actor.Kind != auth.ActorUser {
		if sc.Kind != KindProject || sc.ID != actor.ProjectID {
			return false, nil
		}
		if perm == auth.PermissionReadPackage {
			return true, nil
		}
		return actor.WriteAllowed && perm == auth.PermissionCreatePackage, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.ActorID != actor.ID || g.Perm != perm {
			continue
		}
		if g.ScopeKind == sc.Kind && g.ScopeID == sc.ID {
			return true, nil
		}
		// group grants cascade to owned projects
		if g.ScopeKind == KindGroup && sc.Kind == KindProject && s.projectGroup[sc.ID] == g.ScopeID {
			return true, nil
		}
	}
	return false, nil
}
