package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// floodGuard bounds raw request arrival per IP before any form-level
// check runs. It is a coarse token bucket, not the sliding-window
// limiter: that one budgets accepted submissions, this one keeps a
// hammering client from reaching the pipeline at all.
type floodGuard struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      rate.Limit
	burst    int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newFloodGuard(rps float64, burst int) *floodGuard {
	return &floodGuard{
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (f *floodGuard) allow(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cl, ok := f.limiters[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(f.rps, f.burst)}
		f.limiters[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter.Allow()
}

// prune drops limiters idle longer than expiry. Run periodically from
// the server's housekeeping loop.
func (f *floodGuard) prune(expiry time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-expiry)
	for ip, cl := range f.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(f.limiters, ip)
		}
	}
}
