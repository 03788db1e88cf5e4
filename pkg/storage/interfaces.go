// Package storage defines the narrow interfaces the gateway uses to talk to
// the external package metadata store and blob store, plus the local
// implementations (memory, filesystem, S3, postgres, sqlite).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/packgate/packgate/pkg/scope"
)

var (
	// ErrNotFound is returned for missing packages or files
	ErrNotFound = errors.New("package not found")
	// ErrConflict is returned when a write collides with an existing
	// immutable artifact. First writer wins; the gateway surfaces 409.
	ErrConflict = errors.New("package file already exists")
)

// ChecksumAlg names a digest algorithm
type ChecksumAlg string

const (
	ChecksumMD5    ChecksumAlg = "md5"
	ChecksumSHA1   ChecksumAlg = "sha1"
	ChecksumSHA256 ChecksumAlg = "sha256"
)

// ChecksumSet carries the precomputed digests of a stored blob, hex encoded.
// Digests are computed exactly once, while the blob is written.
type ChecksumSet struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Get returns the digest for the given algorithm, empty if unknown
func (c ChecksumSet) Get(alg ChecksumAlg) string {
	switch alg {
	case ChecksumMD5:
		return c.MD5
	case ChecksumSHA1:
		return c.SHA1
	case ChecksumSHA256:
		return c.SHA256
	default:
		return ""
	}
}

// ScopeRef identifies the owning scope of a package without holding the
// resolved entity
type ScopeRef struct {
	Kind scope.Kind
	ID   int64
}

// RefOf derives the storage reference for a resolved scope
func RefOf(sc *scope.Scope) ScopeRef {
	return ScopeRef{Kind: sc.Kind, ID: sc.ID}
}

// Package is one published package version within a scope
type Package struct {
	ID        int64
	Scope     ScopeRef
	Protocol  string
	Name      string
	Version   string
	Metadata  map[string]string // protocol extras: npm dist-tags, conan references
	CreatedAt time.Time
}

// PackageFileRef describes one stored file of a package. The gateway never
// mutates these; it reads them and streams the referenced blob.
type PackageFileRef struct {
	StorageKey   string
	DeclaredName string
	Size         int64
	Checksums    ChecksumSet
	ContentType  string
	CreatedAt    time.Time
}

// PackageStore is the metadata side of the external package store
type PackageStore interface {
	// EnsurePackage creates the package if absent and returns the stored
	// record either way.
	EnsurePackage(ctx context.Context, pkg *Package) (*Package, error)
	FindPackage(ctx context.Context, s ScopeRef, protocol, name, version string) (*Package, error)
	// ListPackages returns the versions of a named package, or every
	// package of the protocol in the scope when name is empty.
	ListPackages(ctx context.Context, s ScopeRef, protocol, name string) ([]*Package, error)
	DeletePackage(ctx context.Context, packageID int64) error

	// PutFile attaches a file to a package. With replace false an existing
	// file of the same name yields ErrConflict.
	PutFile(ctx context.Context, packageID int64, f *PackageFileRef, replace bool) error
	FindFile(ctx context.Context, packageID int64, name string) (*PackageFileRef, error)
	ListFiles(ctx context.Context, packageID int64) ([]*PackageFileRef, error)

	SetMetadata(ctx context.Context, packageID int64, key, value string) error
	DeleteMetadata(ctx context.Context, packageID int64, key string) error
}

// BlobInfo is returned by BlobStore.Put once the content is durably stored
type BlobInfo struct {
	Key       string
	Size      int64
	Checksums ChecksumSet
}

// BlobStore is the content side of the external package store. Blobs are
// content addressed by their SHA256.
type BlobStore interface {
	Put(ctx context.Context, content io.Reader) (*BlobInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
