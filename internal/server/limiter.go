package server

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// keyedLimiter throttles attempts per key. Keys are hashed so raw session
// tokens are never held in memory longer than the request.
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clock    func() time.Time
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(perMinute int, clock func() time.Time) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &keyedLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		clock:    clock,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow consumes one attempt for key.
func (l *keyedLimiter) Allow(key string) bool {
	hashed := cryptoutil.SHA256Hex([]byte(key))
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for candidate, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, candidate)
		}
	}
	entry, ok := l.limiters[hashed]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[hashed] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
