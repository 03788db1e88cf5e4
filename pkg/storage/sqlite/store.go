// Package sqlite implements the actor and domain stores over SQLite for
// single-node dev deployments, where running PostgreSQL is overkill.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/scope"
)

// Store mirrors the postgres store's behavior on a local SQLite file
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_tokens (
	token_hash     TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	actor_id       INTEGER NOT NULL,
	actor_username TEXT NOT NULL,
	actor_kind     INTEGER NOT NULL,
	project_id     INTEGER,
	write_allowed  INTEGER NOT NULL DEFAULT 0,
	expires_at     TIMESTAMP,
	revoked_at     TIMESTAMP
);
CREATE TABLE IF NOT EXISTS namespaces (
	id               INTEGER PRIMARY KEY,
	kind             TEXT NOT NULL,
	full_path        TEXT NOT NULL,
	parent_id        INTEGER,
	packages_enabled INTEGER NOT NULL DEFAULT 1,
	visibility       TEXT NOT NULL DEFAULT 'private'
);
CREATE TABLE IF NOT EXISTS permission_grants (
	actor_id   INTEGER NOT NULL,
	permission TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_id   INTEGER NOT NULL
);
`

// NewStore opens (and if needed bootstraps) the database at path
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for dev-mode seeding
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) findToken(ctx context.Context, tokenHash string, kind auth.Kind) (*auth.Actor, error) {
	var (
		actor     auth.Actor
		actorKind int
		projectID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, actor_username, actor_kind, project_id, write_allowed
		FROM registry_tokens
		WHERE token_hash = ? AND kind = ?
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)`,
		tokenHash, kind.String(), time.Now()).Scan(
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

func (s *Store) findScope(ctx context.Context, kind scope.Kind, idOrPath string) (*scope.Scope, error) {
	sc := scope.Scope{Kind: kind}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, full_path, packages_enabled, visibility = 'public'
		FROM namespaces
		WHERE kind = ? AND (CAST(id AS TEXT) = ? OR full_path = ?)`,
		kind.String(), idOrPath, idOrPath).Scan(
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

// ProjectsUnder implements scope.DomainStore
func (s *Store) ProjectsUnder(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM namespaces
		WHERE kind = 'project' AND parent_id = ?
		ORDER BY id`, groupID)
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

// Can implements scope.DomainStore
func (s *Store) Can(ctx context.Context, actor *auth.Actor, perm auth.Permission, sc *scope.Scope) (bool, error) {
	if actor.Anonymous() {
		return perm == auth.PermissionReadPackage && sc.Public, nil
	}
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
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permission_grants g
			WHERE g.actor_id = ? AND g.permission = ?
			  AND (
				(g.scope_kind = ? AND g.scope_id = ?)
				OR (g.scope_kind = 'group' AND ? = 'project' AND g.scope_id IN (
					SELECT parent_id FROM namespaces WHERE id = ?
				))
			  )
		)`,
		actor.ID, string(perm), sc.Kind.String(), sc.ID, sc.Kind.String(), sc.ID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return allowed, nil
}

// SweepExpired deletes expired token rows
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM registry_tokens WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
