package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/packgate/packgate/pkg/storage"
)

// Unlike the actor and domain tables, package records are owned by the
// gateway, so the store bootstraps its own schema.
const packageSchema = `
CREATE TABLE IF NOT EXISTS gateway_packages (
	id         BIGSERIAL PRIMARY KEY,
	scope_kind TEXT NOT NULL,
	scope_id   BIGINT NOT NULL,
	protocol   TEXT NOT NULL,
	name       TEXT NOT NULL,
	version    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (scope_kind, scope_id, protocol, name, version)
);
CREATE TABLE IF NOT EXISTS gateway_package_files (
	package_id   BIGINT NOT NULL REFERENCES gateway_packages(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	storage_key  TEXT NOT NULL,
	size         BIGINT NOT NULL,
	md5          TEXT NOT NULL DEFAULT '',
	sha1         TEXT NOT NULL DEFAULT '',
	sha256       TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (package_id, name)
);
CREATE TABLE IF NOT EXISTS gateway_package_metadata (
	package_id BIGINT NOT NULL REFERENCES gateway_packages(id) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (package_id, key)
);
`

// PackageStore implements storage.PackageStore over PostgreSQL
type PackageStore struct {
	db *sql.DB
}

// NewPackageStore bootstraps the gateway-owned package tables and returns
// the store. The handle is shared with the actor/domain Store.
func NewPackageStore(db *sql.DB) (*PackageStore, error) {
	if _, err := db.Exec(packageSchema); err != nil {
		return nil, fmt.Errorf("failed to bootstrap package schema: %w", err)
	}
	return &PackageStore{db: db}, nil
}

// NewPackageStoreWithDB wraps an existing handle without touching the
// schema. Used by tests with a mock connection.
func NewPackageStoreWithDB(db *sql.DB) *PackageStore {
	return &PackageStore{db: db}
}

const ensurePackageQuery = `
	INSERT INTO gateway_packages (scope_kind, scope_id, protocol, name, version)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (scope_kind, scope_id, protocol, name, version)
	DO UPDATE SET protocol = EXCLUDED.protocol
	RETURNING id, created_at`

// EnsurePackage implements storage.PackageStore. The no-op conflict update
// makes RETURNING yield the existing row on the second publish.
func (s *PackageStore) EnsurePackage(ctx context.Context, pkg *storage.Package) (*storage.Package, error) {
	stored := *pkg
	err := s.db.QueryRowContext(ctx, ensurePackageQuery,
		pkg.Scope.Kind.String(), pkg.Scope.ID, pkg.Protocol, pkg.Name, pkg.Version,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure package %s/%s: %w", pkg.Name, pkg.Version, err)
	}
	stored.Metadata, err = s.loadMetadata(ctx, stored.ID)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

const findPackageQuery = `
	SELECT id, created_at FROM gateway_packages
	WHERE scope_kind = $1 AND scope_id = $2 AND protocol = $3 AND name = $4 AND version = $5`

// FindPackage implements storage.PackageStore
func (s *PackageStore) FindPackage(ctx context.Context, ref storage.ScopeRef, protocol, name, version string) (*storage.Package, error) {
	pkg := storage.Package{Scope: ref, Protocol: protocol, Name: name, Version: version}
	err := s.db.QueryRowContext(ctx, findPackageQuery,
		ref.Kind.String(), ref.ID, protocol, name, version,
	).Scan(&pkg.ID, &pkg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find package %s/%s: %w", name, version, err)
	}
	pkg.Metadata, err = s.loadMetadata(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

const listPackagesQuery = `
	SELECT id, name, version, created_at FROM gateway_packages
	WHERE scope_kind = $1 AND scope_id = $2 AND protocol = $3 AND ($4 = '' OR name = $4)
	ORDER BY name, version`

// ListPackages implements storage.PackageStore
func (s *PackageStore) ListPackages(ctx context.Context, ref storage.ScopeRef, protocol, name string) ([]*storage.Package, error) {
	rows, err := s.db.QueryContext(ctx, listPackagesQuery, ref.Kind.String(), ref.ID, protocol, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var out []*storage.Package
	for rows.Next() {
		pkg := storage.Package{Scope: ref, Protocol: protocol}
		if err := rows.Scan(&pkg.ID, &pkg.Name, &pkg.Version, &pkg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, pkg := range out {
		if pkg.Metadata, err = s.loadMetadata(ctx, pkg.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeletePackage implements storage.PackageStore. Files and metadata go with
// the row via ON DELETE CASCADE.
func (s *PackageStore) DeletePackage(ctx context.Context, packageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_packages WHERE id = $1`, packageID)
	if err != nil {
		return fmt.Errorf("failed to delete package %d: %w", packageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const putFileQuery = `
	INSERT INTO gateway_package_files (package_id, name, storage_key, size, md5, sha1, sha256, content_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (package_id, name) DO NOTHING`

const replaceFileQuery = `
	INSERT INTO gateway_package_files (package_id, name, storage_key, size, md5, sha1, sha256, content_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (package_id, name) DO UPDATE SET
		storage_key = EXCLUDED.storage_key,
		size = EXCLUDED.size,
		md5 = EXCLUDED.md5,
		sha1 = EXCLUDED.sha1,
		sha256 = EXCLUDED.sha256,
		content_type = EXCLUDED.content_type,
		created_at = NOW()`

// PutFile implements storage.PackageStore
func (s *PackageStore) PutFile(ctx context.Context, packageID int64, f *storage.PackageFileRef, replace bool) error {
	if err := s.checkPackage(ctx, packageID); err != nil {
		return err
	}
	query := putFileQuery
	if replace {
		query = replaceFileQuery
	}
	res, err := s.db.ExecContext(ctx, query,
		packageID, f.DeclaredName, f.StorageKey, f.Size,
		f.Checksums.MD5, f.Checksums.SHA1, f.Checksums.SHA256, f.ContentType,
	)
	if err != nil {
		return fmt.Errorf("failed to store file %s: %w", f.DeclaredName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

const findFileQuery = `
	SELECT storage_key, size, md5, sha1, sha256, content_type, created_at
	FROM gateway_package_files
	WHERE package_id = $1 AND name = $2`

// FindFile implements storage.PackageStore
func (s *PackageStore) FindFile(ctx context.Context, packageID int64, name string) (*storage.PackageFileRef, error) {
	f := storage.PackageFileRef{DeclaredName: name}
	err := s.db.QueryRowContext(ctx, findFileQuery, packageID, name).Scan(
		&f.StorageKey, &f.Size, &f.Checksums.MD5, &f.Checksums.SHA1, &f.Checksums.SHA256,
		&f.ContentType, &f.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find file %s: %w", name, err)
	}
	return &f, nil
}

const listFilesQuery = `
	SELECT name, storage_key, size, md5, sha1, sha256, content_type, created_at
	FROM gateway_package_files
	WHERE package_id = $1
	ORDER BY name`

// ListFiles implements storage.PackageStore
func (s *PackageStore) ListFiles(ctx context.Context, packageID int64) ([]*storage.PackageFileRef, error) {
	if err := s.checkPackage(ctx, packageID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, listFilesQuery, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []*storage.PackageFileRef
	for rows.Next() {
		var f storage.PackageFileRef
		err := rows.Scan(&f.DeclaredName, &f.StorageKey, &f.Size,
			&f.Checksums.MD5, &f.Checksums.SHA1, &f.Checksums.SHA256,
			&f.ContentType, &f.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

const setMetadataQuery = `
	INSERT INTO gateway_package_metadata (package_id, key, value)
	VALUES ($1, $2, $3)
	ON CONFLICT (package_id, key) DO UPDATE SET value = EXCLUDED.value`

// SetMetadata implements storage.PackageStore
func (s *PackageStore) SetMetadata(ctx context.Context, packageID int64, key, value string) error {
	if err := s.checkPackage(ctx, packageID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, setMetadataQuery, packageID, key, value); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// DeleteMetadata implements storage.PackageStore
func (s *PackageStore) DeleteMetadata(ctx context.Context, packageID int64, key string) error {
	if err := s.checkPackage(ctx, packageID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM gateway_package_metadata WHERE package_id = $1 AND key = $2`, packageID, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}

func (s *PackageStore) checkPackage(ctx context.Context, packageID int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM gateway_packages WHERE id = $1)`, packageID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check package %d: %w", packageID, err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PackageStore) loadMetadata(ctx context.Context, packageID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM gateway_package_metadata WHERE package_id = $1`, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	defer rows.Close()

	md := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		md[k] = v
	}
	return md, rows.Err()
}
