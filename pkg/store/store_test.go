package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/codec"
	"github.com/codelaboratoryltd/rfgw/pkg/session"
)

func newSession(callID string) *session.Session {
	return &session.Session{
		CallID:             callID,
		SessionID:          "rfgw;1;" + callID,
		RecordType:         session.RecordStart,
		RecordNumber:       1,
		InterimInterval:    300,
		SessionRefreshTime: time.Unix(1700000300, 0),
		TimerID:            "t1",
	}
}

func backends(t *testing.T) map[string]Backend {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sq,
	}
}

func TestSessionStoreCAS(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(b, codec.New(codec.JSON{}, codec.Binary{}), zap.NewNop())

			_, _, err := s.Get(ctx, "c1")
			require.ErrorIs(t, err, ErrNotFound)

			v1, err := s.Put(ctx, "c1", newSession("c1"), 0)
			require.NoError(t, err)
			assert.NotZero(t, v1)

			// Create again must conflict.
			_, err = s.Put(ctx, "c1", newSession("c1"), 0)
			require.ErrorIs(t, err, ErrVersionConflict)

			got, v, err := s.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, v1, v)
			assert.True(t, newSession("c1").Equal(got))

			next := got.Clone()
			next.RecordNumber = 2
			v2, err := s.Put(ctx, "c1", next, v1)
			require.NoError(t, err)
			assert.Greater(t, v2, v1)

			// Stale writer loses.
			_, err = s.Put(ctx, "c1", got, v1)
			require.ErrorIs(t, err, ErrVersionConflict)

			require.ErrorIs(t, s.Delete(ctx, "c1", v1), ErrVersionConflict)
			require.NoError(t, s.Delete(ctx, "c1", v2))
			require.ErrorIs(t, s.Delete(ctx, "c1", v2), ErrNotFound)

			// Recreating never reuses a version from the previous incarnation.
			v3, err := s.Put(ctx, "c1", newSession("c1"), 0)
			require.NoError(t, err)
			assert.Greater(t, v3, v2)
		})
	}
}

func TestSQLiteVersionsSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	a, err := OpenSQLite(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	defer b.Close()

	v1, err := a.Put(ctx, "c1", []byte("one"), 0)
	require.NoError(t, err)

	// A second process writing at the same moment must not mint v1 again.
	v2, err := b.Put(ctx, "c1", []byte("two"), v1)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	_, err = a.Put(ctx, "c1", []byte("stale"), v1)
	require.ErrorIs(t, err, ErrVersionConflict)

	v3, err := a.Put(ctx, "c1", []byte("three"), v2)
	require.NoError(t, err)
	assert.Greater(t, v3, v2)

	data, v, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, v3, v)
	assert.Equal(t, []byte("three"), data)

	// Reopening keeps counting from where the file left off.
	require.NoError(t, b.Delete(ctx, "c1", v3))
	c, err := OpenSQLite(path)
	require.NoError(t, err)
	defer c.Close()
	v4, err := c.Put(ctx, "c1", []byte("four"), 0)
	require.NoError(t, err)
	assert.Greater(t, v4, v3)
}

func TestSessionStoreCorruptRecord(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	v, err := b.Put(ctx, "c1", []byte("not a session"), 0)
	require.NoError(t, err)

	s := New(b, codec.New(codec.JSON{}, codec.Binary{}), zap.NewNop())
	_, got, err := s.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrCorruptRecord)
	assert.Equal(t, v, got)

	// The corrupt record can be replaced using its version.
	_, err = s.Put(ctx, "c1", newSession("c1"), got)
	require.NoError(t, err)
}

func TestSessionStoreReadsOldFormat(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	old := New(b, codec.New(codec.Binary{}, codec.JSON{}), zap.NewNop())
	_, err := old.Put(ctx, "c1", newSession("c1"), 0)
	require.NoError(t, err)

	upgraded := New(b, codec.New(codec.JSON{}, codec.Binary{}), zap.NewNop())
	got, _, err := upgraded.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, newSession("c1").Equal(got))
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, Version, error) {
	return nil, 0, errors.New("connection refused")
}
func (brokenBackend) Put(context.Context, string, []byte, Version) (Version, error) {
	return 0, errors.New("connection refused")
}
func (brokenBackend) Delete(context.Context, string, Version) error {
	return errors.New("connection refused")
}
func (brokenBackend) Close() error { return nil }

func TestSessionStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := New(brokenBackend{}, codec.New(codec.JSON{}), zap.NewNop())

	_, _, err := s.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Put(ctx, "c1", newSession("c1"), 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Delete(ctx, "c1", 1), ErrUnavailable)
}
