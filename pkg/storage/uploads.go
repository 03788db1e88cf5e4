package storage

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadSession is a chunked upload in progress (container registry blob
// uploads). Sessions are transient; abandoned ones are swept by the
// maintenance janitor.
type UploadSession struct {
	ID         string
	Scope      ScopeRef
	Repository string
	Size       int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UploadSessionStore tracks in-progress chunked uploads
type UploadSessionStore interface {
	Start(ctx context.Context, s ScopeRef, repository string) (*UploadSession, error)
	Get(ctx context.Context, id string) (*UploadSession, error)
	Append(ctx context.Context, id string, chunk []byte) (*UploadSession, error)
	// Commit finalizes the session into the blob store and removes it
	Commit(ctx context.Context, id string, blobs BlobStore) (*BlobInfo, error)
	Abort(ctx context.Context, id string) error
	// SweepStale removes sessions not touched since the cutoff, returning
	// how many were removed.
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryUploadSessionStore buffers chunks in memory
type MemoryUploadSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
}

type memorySession struct {
	UploadSession
	buf bytes.Buffer
}

// NewMemoryUploadSessionStore creates an empty session store
func NewMemoryUploadSessionStore() *MemoryUploadSessionStore {
	return &MemoryUploadSessionStore{sessions: make(map[string]*memorySession)}
}

// Start implements UploadSessionStore
func (s *MemoryUploadSessionStore) Start(_ context.Context, ref ScopeRef, repository string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &memorySession{
		UploadSession: UploadSession{
			ID:         uuid.NewString(),
			Scope:      ref,
			Repository: repository,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	s.sessions[sess.ID] = sess
	copied := sess.UploadSession
	return &copied, nil
}

// Get implements UploadSessionStore
func (s *MemoryUploadSessionStore) Get(_ context.Context, id string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := sess.UploadSession
	return &copied, nil
}

// Append implements UploadSessionStore
func (s *MemoryUploadSessionStore) Append(_ context.Context, id string, chunk []byte) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	sess.buf.Write(chunk)
	sess.Size = int64(sess.buf.Len())
	sess.UpdatedAt = time.Now()
	copied := sess.UploadSession
	return &copied, nil
}

// Commit implements UploadSessionStore
func (s *MemoryUploadSessionStore) Commit(ctx context.Context, id string, blobs BlobStore) (*BlobInfo, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return blobs.Put(ctx, bytes.NewReader(sess.buf.Bytes()))
}

// Abort implements UploadSessionStore
func (s *MemoryUploadSessionStore) Abort(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// SweepStale implements UploadSessionStore
func (s *MemoryUploadSessionStore) SweepStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}
