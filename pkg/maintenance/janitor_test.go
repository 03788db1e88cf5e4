package maintenance

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/storage"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestJanitorSweep(t *testing.T) {
	actors := auth.NewMemoryActorStore()
	actors.AddToken(auth.TokenRecord{
		Hash:      "live",
		Kind:      auth.KindPersonalAccessToken,
		Actor:     auth.Actor{ID: 1, Username: "alice", Kind: auth.ActorUser},
		ExpiresAt: time.Now().Add(time.Hour),
	})
	actors.AddToken(auth.TokenRecord{
		Hash:      "expired",
		Kind:      auth.KindPersonalAccessToken,
		Actor:     auth.Actor{ID: 2, Username: "bob", Kind: auth.ActorUser},
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	sessions := storage.NewMemoryUploadSessionStore()
	_, err := sessions.Start(context.Background(), storage.ScopeRef{}, "acme/widgets")
	require.NoError(t, err)

	j := NewJanitor(Config{SessionMaxAge: time.Hour}, actors, sessions, quietLogger())
	j.Sweep()

	// expired token gone, live token still resolvable
	_, err = actors.FindPersonalAccessToken(context.Background(), "expired")
	assert.ErrorIs(t, err, auth.ErrTokenNotFound)
	_, err = actors.FindPersonalAccessToken(context.Background(), "live")
	assert.NoError(t, err)

	// the fresh session survives a sweep with an hour of grace
	removed, err := sessions.SweepStale(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestJanitorTagsOwnLogger(t *testing.T) {
	// callers hand in a bare entry; the janitor itself claims the
	// component field
	j := NewJanitor(Config{}, nil, nil, quietLogger())
	assert.Equal(t, logrus.Fields{"component": "janitor"}, j.logger.Data)
}

func TestJanitorNilTargets(t *testing.T) {
	j := NewJanitor(Config{}, nil, nil, quietLogger())
	j.Sweep() // must not panic
}

func TestJanitorScheduleValidation(t *testing.T) {
	j := NewJanitor(Config{Schedule: "not a schedule"}, nil, nil, quietLogger())
	assert.Error(t, j.Start())

	j = NewJanitor(Config{Schedule: "@every 1h"}, nil, nil, quietLogger())
	require.NoError(t, j.Start())
	j.Stop()
}
