package security

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RateLimiter bounds request frequency per (identity, action) with a
// true sliding window: the boundary moves continuously instead of
// resetting on aligned buckets, so a burst straddling a bucket edge
// cannot double its budget.
type RateLimiter struct {
	logger *zap.Logger
	store  CounterStore
	clock  func() time.Time
}

// NewRateLimiter creates a sliding-window rate limiter backed by store.
func NewRateLimiter(logger *zap.Logger, store CounterStore) *RateLimiter {
	return &RateLimiter{logger: logger, store: store, clock: time.Now}
}

func rateKey(identity, action string) string {
	return fmt.Sprintf("rate:%s:%s", identity, action)
}

// Allow records and admits the request when fewer than max accepted
// requests fall inside the window, and rejects without recording
// otherwise. Pruning, counting and recording happen in one atomic store
// operation. An unreachable store admits the request: a broken counter
// backend must not lock everyone out.
func (rl *RateLimiter) Allow(identity, action string, max int, window time.Duration) bool {
	now := rl.clock()
	cutoff := now.Add(-window)
	allowed := true

	_, err := rl.store.Update(rateKey(identity, action), func(rec Record, _ bool) (Record, bool) {
		// Entries at exactly the cutoff are expired; only strictly
		// newer ones count.
		live := rec.Timestamps[:0]
		for _, ts := range rec.Timestamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}

		if len(live) >= max {
			allowed = false
			rec.Timestamps = live
			return rec, len(live) > 0
		}

		rec.Timestamps = append(live, now)
		return rec, true
	})
	if err != nil {
		rl.logger.Error("rate limit store unavailable, failing open",
			zap.String("identity", identity),
			zap.String("action", action),
			zap.Error(err),
		)
		return true
	}
	return allowed
}

// Compact drops every bucket whose newest entry is older than retention.
// Callers run this periodically; the Allow path already prunes the
// buckets it touches.
func (rl *RateLimiter) Compact(retention time.Duration) error {
	cutoff := rl.clock().Add(-retention)
	return rl.store.Compact(func(key string, rec Record) bool {
		if !strings.HasPrefix(key, "rate:") {
			return false
		}
		if len(rec.Timestamps) == 0 {
			return true
		}
		newest := rec.Timestamps[len(rec.Timestamps)-1]
		return !newest.After(cutoff)
	})
}
