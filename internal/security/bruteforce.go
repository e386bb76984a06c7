package security

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LockStatus is the outcome of a lockout check.
type LockStatus struct {
	Locked    bool
	Remaining time.Duration
}

// BruteForce tracks failed attempts per (identity, subject) and locks
// the pair out once the attempt budget is spent. Lockouts expire on
// their own once the last failure falls outside the window.
type BruteForce struct {
	logger *zap.Logger
	store  CounterStore
	clock  func() time.Time
}

// NewBruteForce creates a lockout tracker backed by store.
func NewBruteForce(logger *zap.Logger, store CounterStore) *BruteForce {
	return &BruteForce{logger: logger, store: store, clock: time.Now}
}

func bruteKey(identity, subject string) string {
	return fmt.Sprintf("brute:%s:%s", identity, subject)
}

// IsLocked reports whether (identity, subject) has exhausted its
// attempt budget, and for how much longer. A record whose last failure
// predates the window is dropped and treated as absent. An unreachable
// store reports unlocked: availability checks fail open.
func (b *BruteForce) IsLocked(identity, subject string, maxAttempts int, lockout time.Duration) LockStatus {
	now := b.clock()
	var status LockStatus

	_, err := b.store.Update(bruteKey(identity, subject), func(rec Record, found bool) (Record, bool) {
		if !found {
			return rec, false
		}
		if rec.LastAttempt.Before(now.Add(-lockout)) {
			// Stale record, the lockout has expired on its own.
			return rec, false
		}
		if rec.Attempts >= maxAttempts {
			status = LockStatus{
				Locked:    true,
				Remaining: rec.LastAttempt.Add(lockout).Sub(now),
			}
		}
		return rec, true
	})
	if err != nil {
		b.logger.Error("lockout store unavailable, failing open",
			zap.String("identity", identity),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return LockStatus{}
	}
	return status
}

// RecordFailure increments the attempt counter and refreshes the last
// attempt time in one atomic step.
func (b *BruteForce) RecordFailure(identity, subject string) error {
	now := b.clock()
	_, err := b.store.Update(bruteKey(identity, subject), func(rec Record, _ bool) (Record, bool) {
		rec.Attempts++
		rec.LastAttempt = now
		return rec, true
	})
	if err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}
	return nil
}

// Reset clears the counter for (identity, subject). Called on
// successful authentication; a no-op when no record exists.
func (b *BruteForce) Reset(identity, subject string) error {
	_, err := b.store.Update(bruteKey(identity, subject), func(rec Record, _ bool) (Record, bool) {
		return Record{}, false
	})
	if err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}

// Compact drops every lockout record whose last failure is older than
// retention.
func (b *BruteForce) Compact(retention time.Duration) error {
	cutoff := b.clock().Add(-retention)
	return b.store.Compact(func(key string, rec Record) bool {
		return strings.HasPrefix(key, "brute:") && rec.LastAttempt.Before(cutoff)
	})
}
