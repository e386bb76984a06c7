package security

import (
	"sync"
	"time"
)

// Record is the unit of state kept in a CounterStore. The rate limiter
// uses Timestamps, the brute-force tracker uses Attempts/LastAttempt;
// both live in the same store keyed by a namespaced identity string.
type Record struct {
	Timestamps  []time.Time `json:"timestamps,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	LastAttempt time.Time   `json:"last_attempt,omitempty"`
}

// UpdateFunc transforms a record inside the store's critical section.
// found reports whether the key existed. Returning keep=false deletes
// the key.
type UpdateFunc func(rec Record, found bool) (updated Record, keep bool)

// ExpireFunc reports whether a record should be removed during compaction.
type ExpireFunc func(key string, rec Record) bool

// CounterStore is a persistent key->Record map with atomic
// read-modify-write semantics. Every logical operation (check-and-count,
// check-and-lock) runs as one critical section, never as separate
// unguarded read and write steps.
type CounterStore interface {
	// Get returns the current record for key, if any.
	Get(key string) (Record, bool, error)

	// Update applies fn to the record under key atomically and returns
	// the record fn produced.
	Update(key string, fn UpdateFunc) (Record, error)

	// Compact removes every record for which expired returns true.
	Compact(expired ExpireFunc) error
}

// MemoryCounterStore is the in-process CounterStore backend for
// single-instance deployments. A single mutex guards the map; all
// operations here are short and allocation-light, so per-key locking
// is not worth the bookkeeping.
type MemoryCounterStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryCounterStore) Get(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryCounterStore) Update(key string, fn UpdateFunc) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[key]
	updated, keep := fn(rec, found)
	if keep {
		s.records[key] = updated
	} else {
		delete(s.records, key)
	}
	return updated, nil
}

func (s *MemoryCounterStore) Compact(expired ExpireFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.records {
		if expired(key, rec) {
			delete(s.records, key)
		}
	}
	return nil
}

// Len returns the number of live records.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
