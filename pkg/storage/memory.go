package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// MemoryPackageStore is an in-memory PackageStore for tests and dev mode
type MemoryPackageStore struct {
	mu       sync.RWMutex
	nextID   int64
	packages map[int64]*Package
	files    map[int64]map[string]*PackageFileRef
}

// NewMemoryPackageStore creates an empty in-memory package store
func NewMemoryPackageStore() *MemoryPackageStore {
	return &MemoryPackageStore{
		nextID:   1,
		packages: make(map[int64]*Package),
		files:    make(map[int64]map[string]*PackageFileRef),
	}
}

func clonePackage(p *Package) *Package {
	copied := *p
	copied.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		copied.Metadata[k] = v
	}
	return &copied
}

// EnsurePackage implements PackageStore
func (s *MemoryPackageStore) EnsurePackage(_ context.Context, pkg *Package) (*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.packages {
		if existing.Scope == pkg.Scope && existing.Protocol == pkg.Protocol &&
			existing.Name == pkg.Name && existing.Version == pkg.Version {
			return clonePackage(existing), nil
		}
	}

	stored := clonePackage(pkg)
	stored.ID = s.nextID
	s.nextID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]string)
	}
	s.packages[stored.ID] = stored
	s.files[stored.ID] = make(map[string]*PackageFileRef)
	return clonePackage(stored), nil
}

// FindPackage implements PackageStore
func (s *MemoryPackageStore) FindPackage(_ context.Context, ref ScopeRef, protocol, name, version string) (*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.packages {
		if p.Scope == ref && p.Protocol == protocol && p.Name == name && p.Version == version {
			return clonePackage(p), nil
		}
	}
	return nil, ErrNotFound
}

// ListPackages implements PackageStore
func (s *MemoryPackageStore) ListPackages(_ context.Context, ref ScopeRef, protocol, name string) ([]*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Package
	for _, p := range s.packages {
		if p.Scope != ref || p.Protocol != protocol {
			continue
		}
		if name != "" && p.Name != name {
			continue
		}
		out = append(out, clonePackage(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// DeletePackage implements PackageStore
func (s *MemoryPackageStore) DeletePackage(_ context.Context, packageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.packages[packageID]; !ok {
		return ErrNotFound
	}
	delete(s.packages, packageID)
	delete(s.files, packageID)
	return nil
}

// PutFile implements PackageStore
func (s *MemoryPackageStore) PutFile(_ context.Context, packageID int64, f *PackageFileRef, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, ok := s.files[packageID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := files[f.DeclaredName]; exists && !replace {
		return ErrConflict
	}
	copied := *f
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	files[f.DeclaredName] = &copied
	return nil
}

// FindFile implements PackageStore
func (s *MemoryPackageStore) FindFile(_ context.Context, packageID int64, name string) (*PackageFileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, ok := s.files[packageID]
	if !ok {
		return nil, ErrNotFound
	}
	f, ok := files[name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *f
	return &copied, nil
}

// ListFiles implements PackageStore
func (s *MemoryPackageStore) ListFiles(_ context.Context, packageID int64) ([]*PackageFileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, ok := s.files[packageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*PackageFileRef, 0, len(files))
	for _, f := range files {
		copied := *f
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeclaredName < out[j].DeclaredName })
	return out, nil
}

// SetMetadata implements PackageStore
func (s *MemoryPackageStore) SetMetadata(_ context.Context, packageID int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packages[packageID]
	if !ok {
		return ErrNotFound
	}
	p.Metadata[key] = value
	return nil
}

// DeleteMetadata implements PackageStore
func (s *MemoryPackageStore) DeleteMetadata(_ context.Context, packageID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packages[packageID]
	if !ok {
		return ErrNotFound
	}
	delete(p.Metadata, key)
	return nil
}

// MemoryBlobStore is an in-memory BlobStore for tests
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put implements BlobStore
func (s *MemoryBlobStore) Put(_ context.Context, content io.Reader) (*BlobInfo, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	sums := ComputeChecksums(data)
	key := sums.SHA256

	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()

	return &BlobInfo{Key: key, Size: int64(len(data)), Checksums: sums}, nil
}

// Get implements BlobStore
func (s *MemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements BlobStore
func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, key)
	return nil
}
