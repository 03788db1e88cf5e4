//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
)

const testSchema = `
CREATE TABLE namespaces (
	id BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	full_path TEXT NOT NULL,
	packages_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	visibility TEXT NOT NULL DEFAULT 'private',
	parent_id BIGINT
);

CREATE TABLE registry_tokens (
	token_hash TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	actor_id BIGINT NOT NULL,
	actor_username TEXT NOT NULL,
	actor_kind INT NOT NULL DEFAULT 0,
	project_id BIGINT,
	write_allowed BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at TIMESTAMPTZ,
	expires_at TIMESTAMPTZ
);

CREATE TABLE permission_grants (
	actor_id BIGINT NOT NULL,
	permission TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_id BIGINT NOT NULL
);
`

const testSeed = `
INSERT INTO namespaces (id, kind, full_path, packages_enabled, visibility, parent_id) VALUES
	(10, 'group', 'acme', TRUE, 'private', NULL),
	(1, 'project', 'acme/widgets', TRUE, 'private', 10),
	(2, 'project', 'acme/legacy', FALSE, 'private', 10),
	(3, 'project', 'acme/site', TRUE, 'public', 10);

INSERT INTO permission_grants (actor_id, permission, scope_kind, scope_id) VALUES
	(1, 'read_package', 'project', 1),
	(1, 'create_package', 'project', 1),
	(2, 'read_package', 'group', 10),
	(2, 'create_package', 'group', 10);
`

// setupTestStore starts a PostgreSQL container with the registry schema
func setupTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("packgate_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	_, err = db.Exec(testSchema)
	require.NoError(t, err, "Failed to create schema")
	_, err = db.Exec(testSeed)
	require.NoError(t, err, "Failed to seed data")

	return NewStoreWithDB(db), db
}

func insertToken(t *testing.T, db *sql.DB, raw string, kind auth.Kind, actorID int64, username string, actorKind auth.ActorKind, projectID *int64, writeAllowed bool, expiresAt *time.Time) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO registry_tokens (token_hash, kind, actor_id, actor_username, actor_kind, project_id, write_allowed, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		auth.HashToken(raw), kind.String(), actorID, username, int(actorKind), projectID, writeAllowed, expiresAt,
	)
	require.NoError(t, err)
}

func TestIntegrationFindTokens(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	insertToken(t, db, "pgpat-alice", auth.KindPersonalAccessToken, 1, "alice", auth.ActorUser, nil, false, nil)
	projectID := int64(1)
	insertToken(t, db, "pgdt-ci", auth.KindDeployToken, 100, "deploy-ci", auth.ActorDeployToken, &projectID, true, nil)
	expired := time.Now().Add(-time.Hour)
	insertToken(t, db, "pgpat-old", auth.KindPersonalAccessToken, 1, "alice", auth.ActorUser, nil, false, &expired)

	t.Run("personal access token resolves to its user", func(t *testing.T) {
		actor, err := store.FindPersonalAccessToken(ctx, auth.HashToken("pgpat-alice"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), actor.ID)
		assert.Equal(t, "alice", actor.Username)
		assert.Equal(t, auth.ActorUser, actor.Kind)
	})

	t.Run("deploy token carries its project binding", func(t *testing.T) {
		actor, err := store.FindDeployToken(ctx, auth.HashToken("pgdt-ci"))
		require.NoError(t, err)
		assert.Equal(t, auth.ActorDeployToken, actor.Kind)
		assert.Equal(t, int64(1), actor.ProjectID)
		assert.True(t, actor.WriteAllowed)
	})

	t.Run("expired token is not found", func(t *testing.T) {
		_, err := store.FindPersonalAccessToken(ctx, auth.HashToken("pgpat-old"))
		assert.True(t, errors.Is(err, auth.ErrTokenNotFound))
	})

	t.Run("unknown hash is not found", func(t *testing.T) {
		_, err := store.FindDeployToken(ctx, auth.HashToken("pgdt-nope"))
		assert.True(t, errors.Is(err, auth.ErrTokenNotFound))
	})

	t.Run("wrong kind does not match", func(t *testing.T) {
		_, err := store.FindDeployToken(ctx, auth.HashToken("pgpat-alice"))
		assert.True(t, errors.Is(err, auth.ErrTokenNotFound))
	})
}

func TestIntegrationScopeLookups(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("project by full path", func(t *testing.T) {
		sc, err := store.Project(ctx, "acme/widgets")
		require.NoError(t, err)
		assert.Equal(t, int64(1), sc.ID)
		assert.Equal(t, scope.KindProject, sc.Kind)
		assert.True(t, sc.PackagesEnabled)
		assert.False(t, sc.Public)
	})

	t.Run("project by numeric id", func(t *testing.T) {
		sc, err := store.Project(ctx, "3")
		require.NoError(t, err)
		assert.Equal(t, "acme/site", sc.FullPath)
		assert.True(t, sc.Public)
	})

	t.Run("group by path", func(t *testing.T) {
		sc, err := store.Group(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(10), sc.ID)
		assert.Equal(t, scope.KindGroup, sc.Kind)
	})

	t.Run("packages disabled flag survives the round trip", func(t *testing.T) {
		sc, err := store.Project(ctx, "acme/legacy")
		require.NoError(t, err)
		assert.False(t, sc.PackagesEnabled)
	})

	t.Run("group path does not resolve as a project", func(t *testing.T) {
		_, err := store.Project(ctx, "acme")
		assert.True(t, errors.Is(err, scope.ErrNotFound))
	})

	t.Run("unknown path is not found", func(t *testing.T) {
		_, err := store.Project(ctx, "acme/ghost")
		assert.True(t, errors.Is(err, scope.ErrNotFound))
	})
}

func TestIntegrationPermissions(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	widgets, err := store.Project(ctx, "acme/widgets")
	require.NoError(t, err)
	site, err := store.Project(ctx, "acme/site")
	require.NoError(t, err)
	group, err := store.Group(ctx, "acme")
	require.NoError(t, err)

	alice := &auth.Actor{ID: 1, Username: "alice", Kind: auth.ActorUser}
	bob := &auth.Actor{ID: 2, Username: "bob", Kind: auth.ActorUser}

	t.Run("direct project grant", func(t *testing.T) {
		ok, err := store.Can(ctx, alice, auth.PermissionCreatePackage, widgets)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("no grant on sibling project", func(t *testing.T) {
		ok, err := store.Can(ctx, alice, auth.PermissionReadPackage, site)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("group grant cascades to child projects", func(t *testing.T) {
		ok, err := store.Can(ctx, bob, auth.PermissionCreatePackage, widgets)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("group grant applies at group level", func(t *testing.T) {
		ok, err := store.Can(ctx, bob, auth.PermissionReadPackage, group)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing permission is denied", func(t *testing.T) {
		ok, err := store.Can(ctx, alice, auth.PermissionDestroyPackage, widgets)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("anonymous reads only public scopes", func(t *testing.T) {
		var anon *auth.Actor
		ok, err := store.Can(ctx, anon, auth.PermissionReadPackage, site)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Can(ctx, anon, auth.PermissionReadPackage, widgets)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("deploy token bound to its project", func(t *testing.T) {
		token := &auth.Actor{ID: 100, Kind: auth.ActorDeployToken, ProjectID: 1, WriteAllowed: true}
		ok, err := store.Can(ctx, token, auth.PermissionCreatePackage, widgets)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Can(ctx, token, auth.PermissionCreatePackage, site)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestIntegrationSweepExpired(t *testing.T) {
	store, db := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	insertToken(t, db, "pgpat-dead", auth.KindPersonalAccessToken, 1, "alice", auth.ActorUser, nil, false, &past)
	insertToken(t, db, "pgpat-live", auth.KindPersonalAccessToken, 1, "alice", auth.ActorUser, nil, false, &future)
	insertToken(t, db, "pgpat-forever", auth.KindPersonalAccessToken, 1, "alice", auth.ActorUser, nil, false, nil)

	n, err := store.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.FindPersonalAccessToken(ctx, auth.HashToken("pgpat-live"))
	assert.NoError(t, err)
	_, err = store.FindPersonalAccessToken(ctx, auth.HashToken("pgpat-forever"))
	assert.NoError(t, err)
}

func TestIntegrationPackageStore(t *testing.T) {
	_, db := setupTestStore(t)
	ctx := context.Background()

	pkgs, err := NewPackageStore(db)
	require.NoError(t, err)

	ref := storage.ScopeRef{Kind: scope.KindProject, ID: 1}

	t.Run("ensure is idempotent", func(t *testing.T) {
		first, err := pkgs.EnsurePackage(ctx, &storage.Package{
			Scope: ref, Protocol: "npm", Name: "@acme/ui", Version: "1.0.0",
		})
		require.NoError(t, err)

		second, err := pkgs.EnsurePackage(ctx, &storage.Package{
			Scope: ref, Protocol: "npm", Name: "@acme/ui", Version: "1.0.0",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("file conflict on second put", func(t *testing.T) {
		pkg, err := pkgs.EnsurePackage(ctx, &storage.Package{
			Scope: ref, Protocol: "maven", Name: "com/acme/app", Version: "2.0",
		})
		require.NoError(t, err)

		file := &storage.PackageFileRef{
			DeclaredName: "app-2.0.jar",
			StorageKey:   "abc",
			Size:         3,
			Checksums:    storage.ChecksumSet{SHA256: "abc"},
		}
		require.NoError(t, pkgs.PutFile(ctx, pkg.ID, file, false))
		assert.ErrorIs(t, pkgs.PutFile(ctx, pkg.ID, file, false), storage.ErrConflict)
		assert.NoError(t, pkgs.PutFile(ctx, pkg.ID, file, true))

		got, err := pkgs.FindFile(ctx, pkg.ID, "app-2.0.jar")
		require.NoError(t, err)
		assert.Equal(t, "abc", got.StorageKey)
	})

	t.Run("metadata round trip", func(t *testing.T) {
		pkg, err := pkgs.EnsurePackage(ctx, &storage.Package{
			Scope: ref, Protocol: "npm", Name: "@acme/cli", Version: "",
		})
		require.NoError(t, err)

		require.NoError(t, pkgs.SetMetadata(ctx, pkg.ID, "tag:latest", "3.1.4"))
		require.NoError(t, pkgs.SetMetadata(ctx, pkg.ID, "tag:latest", "3.1.5"))

		reloaded, err := pkgs.FindPackage(ctx, ref, "npm", "@acme/cli", "")
		require.NoError(t, err)
		assert.Equal(t, "3.1.5", reloaded.Metadata["tag:latest"])

		require.NoError(t, pkgs.DeleteMetadata(ctx, pkg.ID, "tag:latest"))
		reloaded, err = pkgs.FindPackage(ctx, ref, "npm", "@acme/cli", "")
		require.NoError(t, err)
		assert.Empty(t, reloaded.Metadata)
	})

	t.Run("delete cascades files", func(t *testing.T) {
		pkg, err := pkgs.EnsurePackage(ctx, &storage.Package{
			Scope: ref, Protocol: "generic", Name: "tool", Version: "1",
		})
		require.NoError(t, err)
		require.NoError(t, pkgs.PutFile(ctx, pkg.ID, &storage.PackageFileRef{
			DeclaredName: "tool.bin", StorageKey: "k", Size: 1,
		}, false))

		require.NoError(t, pkgs.DeletePackage(ctx, pkg.ID))
		_, err = pkgs.FindFile(ctx, pkg.ID, "tool.bin")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, pkgs.DeletePackage(ctx, pkg.ID), storage.ErrNotFound)
	})
}
