package entitlement

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// limiterSet holds one token bucket per key. Buckets refill at the tier ceiling per minute and
// hold at most one minute of budget.
type limiterSet struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newLimiterSet() *limiterSet {
	return &limiterSet{entries: make(map[string]*limiterEntry)}
}

func (s *limiterSet) get(token string, perMinute int, now time.Time) *rate.Limiter {
	entry, ok := s.entries[token]
	if !ok || entry.perMin != perMinute {
		// 套餐额度变化时重建
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
			perMin:  perMinute,
		}
		s.entries[token] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// reserve takes one token. It returns nil and the wait until the next token when the bucket is empty.
func (s *limiterSet) reserve(token string, perMinute int, now time.Time) (*rate.Reservation, time.Duration) {
	s.mu.Lock()
	lim := s.get(token, perMinute, now)
	s.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, delay
	}
	return r, 0
}

// remaining reports whole tokens left for the key at now without consuming any
func (s *limiterSet) remaining(token string, perMinute int, now time.Time) int {
	s.mu.Lock()
	entry, ok := s.entries[token]
	s.mu.Unlock()
	if !ok || entry.perMin != perMinute {
		return perMinute
	}
	tokens := int(entry.limiter.TokensAt(now))
	if tokens < 0 {
		return 0
	}
	return tokens
}

// prune drops buckets idle for longer than idle and returns how many were removed
func (s *limiterSet) prune(idle time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, entry := range s.entries {
		if now.Sub(entry.lastSeen) > idle {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// negativeCache remembers tokens that were not found, for a short TTL
type negativeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

func newNegativeCache(ttl time.Duration, max int) *negativeCache {
	return &negativeCache{ttl: ttl, max: max, entries: make(map[string]time.Time)}
}

func (c *negativeCache) contains(token string, now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.entries[token]
	if !ok {
		return false
	}
	if !now.Before(expires) {
		delete(c.entries, token)
		return false
	}
	return true
}

func (c *negativeCache) add(token string, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.evictLocked(now)
		if len(c.entries) >= c.max {
			// 仍然满：清空，宁可多查一次存储
			c.entries = make(map[string]time.Time)
		}
	}
	c.entries[token] = now.Add(c.ttl)
}

func (c *negativeCache) forget(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

func (c *negativeCache) evictLocked(now time.Time) int {
	removed := 0
	for token, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, token)
			removed++
		}
	}
	return removed
}

func (c *negativeCache) prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(now)
}
