package security

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// failingStore simulates an unreachable counter backend.
type failingStore struct{}

func (failingStore) Get(string) (Record, bool, error) { return Record{}, false, errStoreDown }

func (failingStore) Update(string, UpdateFunc) (Record, error) { return Record{}, errStoreDown }

func (failingStore) Compact(ExpireFunc) error { return errStoreDown }

func TestMemoryCounterStore_UpdateIsAtomic(t *testing.T) {
	store := NewMemoryCounterStore()

	const (
		goroutines = 50
		increments = 200
	)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				_, err := store.Update("attempts", func(rec Record, _ bool) (Record, bool) {
					rec.Attempts++
					return rec, true
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	rec, found, err := store.Get("attempts")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, goroutines*increments, rec.Attempts, "concurrent updates must not lose increments")
}

func TestMemoryCounterStore_UpdateDelete(t *testing.T) {
	store := NewMemoryCounterStore()

	_, err := store.Update("key", func(rec Record, found bool) (Record, bool) {
		assert.False(t, found)
		rec.Attempts = 3
		return rec, true
	})
	require.NoError(t, err)

	_, err = store.Update("key", func(rec Record, found bool) (Record, bool) {
		assert.True(t, found)
		assert.Equal(t, 3, rec.Attempts)
		return Record{}, false
	})
	require.NoError(t, err)

	_, found, err := store.Get("key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCounterStore_Compact(t *testing.T) {
	store := NewMemoryCounterStore()
	now := time.Now()

	for _, key := range []string{"old", "fresh"} {
		key := key
		_, err := store.Update(key, func(rec Record, _ bool) (Record, bool) {
			if key == "old" {
				rec.LastAttempt = now.Add(-time.Hour)
			} else {
				rec.LastAttempt = now
			}
			return rec, true
		})
		require.NoError(t, err)
	}

	err := store.Compact(func(_ string, rec Record) bool {
		return rec.LastAttempt.Before(now.Add(-time.Minute))
	})
	require.NoError(t, err)

	_, found, _ := store.Get("old")
	assert.False(t, found)
	_, found, _ = store.Get("fresh")
	assert.True(t, found)
	assert.Equal(t, 1, store.Len())
}
