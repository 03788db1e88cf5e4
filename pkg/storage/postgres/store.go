// Package postgres implements the actor and domain stores over PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/scope"
)

// Store implements auth.ActorStore and scope.DomainStore against the
// platform's PostgreSQL domain database. The gateway only reads; token and
// membership writes belong to the main application.
type Store struct {
	db *sql.DB
}

// Config holds connection settings
type Config struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// NewStore connects and verifies connectivity
func NewStore(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the package store can share the connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

const findTokenQuery = `
	SELECT actor_id, actor_username, actor_kind, project_id, write_allowed
	FROM registry_tokens
	WHERE token_hash = $1 AND kind = $2
	  AND revoked_at IS NULL
	  AND (expires_at IS NULL OR expires_at > NOW())`

func (s *Store) findToken(ctx context.Context, tokenHash string, kind auth.Kind) (*auth.Actor, error) {
	var (
		actor     auth.Actor
		actorKind int
		projectID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, findTokenQuery, tokenHash, kind.String()).Scan(
		&actor.ID, &actor.Username, &actorKind, &projectID, &actor.WriteAllowed,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	actor.Kind = auth.ActorKind(actorKind)
	if projectID.Valid {
		actor.ProjectID = projectID.Int64
	}
	return &actor, nil
}

// FindPersonalAccessToken implements auth.ActorStore
func (s *Store) FindPersonalAccessToken(ctx context.Context, tokenHash string) (*auth.Actor, error) {
	return s.findToken(ctx, tokenHash, auth.KindPersonalAccessToken)
}

// FindDeployToken implements auth.ActorStore
func (s *Store) FindDeployToken(ctx context.Context, tokenHash string) (*auth.Actor, error) {
	return s.findToken(ctx, tokenHash, auth.KindDeployToken)
}

// FindJobToken implements auth.ActorStore
func (s *Store) FindJobToken(ctx context.Context, raw string) (*auth.Actor, error) {
	return s.findToken(ctx, auth.HashToken(raw), auth.KindJobToken)
}

const findScopeQuery = `
	SELECT id, full_path, packages_enabled, visibility = 'public'
	FROM namespaces
	WHERE kind = $1 AND (CAST(id AS TEXT) = $2 OR full_path = $2)`

func (s *Store) findScope(ctx context.Context, kind scope.Kind, idOrPath string) (*scope.Scope, error) {
	sc := scope.Scope{Kind: kind}
	err := s.db.QueryRowContext(ctx, findScopeQuery, kind.String(), idOrPath).Scan(
		&sc.ID, &sc.FullPath, &sc.PackagesEnabled, &sc.Public,
	)
	if err == sql.ErrNoRows {
		return nil, scope.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s %q: %w", kind, idOrPath, err)
	}
	return &sc, nil
}

// Group implements scope.DomainStore
func (s *Store) Group(ctx context.Context, idOrPath string) (*scope.Scope, error) {
	return s.findScope(ctx, scope.KindGroup, idOrPath)
}

// Project implements scope.DomainStore
func (s *Store) Project(ctx context.Context, idOrPath string) (*scope.Scope, error) {
	return s.findScope(ctx, scope.KindProject, idOrPath)
}

const projectsUnderQuery = `
	SELECT id FROM namespaces
	WHERE kind = 'project' AND parent_id = $1
	ORDER BY id`

// ProjectsUnder implements scope.DomainStore
func (s *Store) ProjectsUnder(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, projectsUnderQuery, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects under group %d: %w", groupID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// canQuery checks direct grants plus group grants cascading to projects
const canQuery = `
	SELECT EXISTS (
		SELECT 1 FROM permission_grants g
		WHERE g.actor_id = $1 AND g.permission = $2
		  AND (
			(g.scope_kind = $3 AND g.scope_id = $4)
			OR (g.scope_kind = 'group' AND $3 = 'project' AND g.scope_id IN (
				SELECT parent_id FROM namespaces WHERE id = $4
			))
		  )
	)`

// Can implements scope.DomainStore
func (s *Store) Can(ctx context.Context, actor *auth.Actor, perm auth.Permission, sc *scope.Scope) (bool, error) {
	if actor.Anonymous() {
		return perm == auth.PermissionReadPackage && sc.Public, nil
	}

	// project-bound principals never consult the grant table
	if actor.Kind != auth.ActorUser {
		if sc.Kind != scope.KindProject || sc.ID != actor.ProjectID {
			return false, nil
		}
		if perm == auth.PermissionReadPackage {
			return true, nil
		}
		return actor.WriteAllowed && perm == auth.PermissionCreatePackage, nil
	}

	var allowed bool
	err := s.db.QueryRowContext(ctx, canQuery, actor.ID, string(perm), sc.Kind.String(), sc.ID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return allowed, nil
}

// SweepExpired deletes expired token rows. Called by the maintenance
// janitor.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registry_tokens WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
