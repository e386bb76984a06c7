package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_NewAndGet(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New()
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	loaded, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestStore_NewSessionsHaveUniqueIDs(t *testing.T) {
	store := newTestStore(t)

	a, err := store.New()
	require.NoError(t, err)
	b, err := store.New()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestStore_PutRoundTripsState(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New()
	require.NoError(t, err)

	sess.CSRFToken = "deadbeef"
	sess.CSRFExpires = time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	sess.CaptchaHash = []byte("$2a$10$hash")
	sess.CaptchaIssued = time.Now().UTC().Truncate(time.Second)
	sess.Nonce = "abc123"
	require.NoError(t, store.Put(sess))

	loaded, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.CSRFToken, loaded.CSRFToken)
	assert.True(t, sess.CSRFExpires.Equal(loaded.CSRFExpires))
	assert.Equal(t, sess.CaptchaHash, loaded.CaptchaHash)
	assert.True(t, sess.CaptchaIssued.Equal(loaded.CaptchaIssued))
	assert.Equal(t, sess.Nonce, loaded.Nonce)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New()
	require.NoError(t, err)

	require.NoError(t, store.Delete(sess.ID))
	_, err = store.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, store.Delete(sess.ID))
}

func TestNewStore_RejectsBadLifetime(t *testing.T) {
	_, err := NewStore(0)
	assert.Error(t, err)
}
