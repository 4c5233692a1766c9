// Package pace provides a keyed rate limiter: one token bucket per key,
// created lazily and evicted when idle. Used to throttle per-user
// notices so a rapid-fire poster does not get a wall of whispers.
package pace

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Keyed struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	m     map[int64]*entry
}

// NewKeyed allows one event per key per `every`, with the given burst.
func NewKeyed(every time.Duration, burst int) *Keyed {
	if burst < 1 {
		burst = 1
	}
	return &Keyed{every: every, burst: burst, m: map[int64]*entry{}}
}

// Allow reports whether the event for key fits its budget.
func (k *Keyed) Allow(key int64) bool {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(k.every), k.burst)}
		k.m[key] = e
	}
	e.lastSeen = now

	if len(k.m) > 1024 {
		k.evictLocked(now)
	}
	return e.lim.Allow()
}

func (k *Keyed) evictLocked(now time.Time) {
	idle := 10 * k.every
	for key, e := range k.m {
		if now.Sub(e.lastSeen) > idle {
			delete(k.m, key)
		}
	}
}
