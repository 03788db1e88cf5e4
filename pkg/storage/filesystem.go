package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystemBlobStore stores blobs on local disk, addressed by SHA256 and
// sharded two levels deep to keep directories small.
type FileSystemBlobStore struct {
	root string
}

// NewFileSystemBlobStore creates the store rooted at the given directory
func NewFileSystemBlobStore(root string) (*FileSystemBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &FileSystemBlobStore{root: root}, nil
}

func (s *FileSystemBlobStore) pathFor(key string) string {
	if len(key) < 4 {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[0:2], key[2:4], key)
}

// Put implements BlobStore. The blob is written to a temp file while
// digesting, then renamed into its content-addressed location.
func (s *FileSystemBlobStore) Put(ctx context.Context, content io.Reader) (*BlobInfo, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	reader, finish := DigestReader(content)
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp blob: %w", err)
	}

	sums, size := finish()
	key := sums.SHA256
	dest := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("failed to place blob: %w", err)
	}

	return &BlobInfo{Key: key, Size: size, Checksums: sums}, nil
}

// Get implements BlobStore
func (s *FileSystemBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	return f, nil
}

// Delete implements BlobStore
func (s *FileSystemBlobStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.pathFor(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
