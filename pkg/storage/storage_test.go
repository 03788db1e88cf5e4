package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/scope"
)

var testScope = ScopeRef{Kind: scope.KindProject, ID: 20}

func TestMemoryPackageStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPackageStore()

	pkg, err := store.EnsurePackage(ctx, &Package{
		Scope: testScope, Protocol: "maven", Name: "com/example/lib", Version: "1.0",
	})
	require.NoError(t, err)
	require.NotZero(t, pkg.ID)

	t.Run("ensure is idempotent", func(t *testing.T) {
		again, err := store.EnsurePackage(ctx, &Package{
			Scope: testScope, Protocol: "maven", Name: "com/example/lib", Version: "1.0",
		})
		require.NoError(t, err)
		assert.Equal(t, pkg.ID, again.ID)
	})

	t.Run("find respects scope", func(t *testing.T) {
		_, err := store.FindPackage(ctx, ScopeRef{Kind: scope.KindProject, ID: 99}, "maven", "com/example/lib", "1.0")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("file conflict on duplicate", func(t *testing.T) {
		f := &PackageFileRef{DeclaredName: "lib-1.0.jar", StorageKey: "aaa", Size: 3}
		require.NoError(t, store.PutFile(ctx, pkg.ID, f, false))
		assert.ErrorIs(t, store.PutFile(ctx, pkg.ID, f, false), ErrConflict)
		assert.NoError(t, store.PutFile(ctx, pkg.ID, f, true))
	})

	t.Run("metadata round trip", func(t *testing.T) {
		require.NoError(t, store.SetMetadata(ctx, pkg.ID, "dist-tag:latest", "1.0"))
		found, err := store.FindPackage(ctx, testScope, "maven", "com/example/lib", "1.0")
		require.NoError(t, err)
		assert.Equal(t, "1.0", found.Metadata["dist-tag:latest"])

		require.NoError(t, store.DeleteMetadata(ctx, pkg.ID, "dist-tag:latest"))
		found, err = store.FindPackage(ctx, testScope, "maven", "com/example/lib", "1.0")
		require.NoError(t, err)
		assert.Empty(t, found.Metadata["dist-tag:latest"])
	})

	t.Run("delete removes files too", func(t *testing.T) {
		require.NoError(t, store.DeletePackage(ctx, pkg.ID))
		_, err := store.FindFile(ctx, pkg.ID, "lib-1.0.jar")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestChecksumSet(t *testing.T) {
	sums := ComputeChecksums([]byte("hello"))
	// well-known digests of "hello"
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sums.Get(ChecksumMD5))
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", sums.Get(ChecksumSHA1))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sums.Get(ChecksumSHA256))
	assert.Empty(t, sums.Get("crc32"))
}

func blobRoundTrip(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()
	content := []byte("package bytes")

	info, err := store.Put(ctx, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), info.Size)
	assert.Equal(t, ComputeChecksums(content), info.Checksums)

	rc, err := store.Get(ctx, info.Key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, store.Delete(ctx, info.Key))
	_, err = store.Get(ctx, info.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBlobStore(t *testing.T) {
	blobRoundTrip(t, NewMemoryBlobStore())
}

func TestFileSystemBlobStore(t *testing.T) {
	store, err := NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)
	blobRoundTrip(t, store)
}

func TestUploadSessions(t *testing.T) {
	ctx := context.Background()
	sessions := NewMemoryUploadSessionStore()
	blobs := NewMemoryBlobStore()

	sess, err := sessions.Start(ctx, testScope, "acme/widgets/app")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	_, err = sessions.Append(ctx, sess.ID, []byte("layer-"))
	require.NoError(t, err)
	sess, err = sessions.Append(ctx, sess.ID, []byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("layer-bytes")), sess.Size)

	info, err := sessions.Commit(ctx, sess.ID, blobs)
	require.NoError(t, err)
	assert.Equal(t, ComputeChecksums([]byte("layer-bytes")), info.Checksums)

	// committed sessions are gone
	_, err = sessions.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadSessionSweep(t *testing.T) {
	ctx := context.Background()
	sessions := NewMemoryUploadSessionStore()

	stale, err := sessions.Start(ctx, testScope, "a/b")
	require.NoError(t, err)
	fresh, err := sessions.Start(ctx, testScope, "c/d")
	require.NoError(t, err)

	sessions.mu.Lock()
	sessions.sessions[stale.ID].UpdatedAt = time.Now().Add(-2 * time.Hour)
	sessions.mu.Unlock()

	removed, err := sessions.SweepStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = sessions.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sessions.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
