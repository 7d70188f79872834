package server

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	apiRateLimit  = 5.0             // mutating admin calls per second per key
	apiBurstLimit = 20.0            // max burst
	apiCleanupAge = 5 * time.Minute // evict idle buckets

	rateLimiterShards = 16
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// take refills b for the time elapsed since the last call and spends one
// token if one is available.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens = min(burst, b.tokens+now.Sub(b.lastCheck).Seconds()*rate)
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// rateLimiter is a per-key token bucket. Keys are spread over independent
// shards so unrelated API keys do not contend on one mutex.
type rateLimiter struct {
	rate   float64
	burst  float64
	now    func() time.Time
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newRateLimiter(rate, burst float64) *rateLimiter {
	rl := &rateLimiter{rate: rate, burst: burst, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &rl.shards[h.Sum32()%rateLimiterShards]
}

func (rl *rateLimiter) allow(key string) bool {
	s := rl.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastCheck: now}
		s.buckets[key] = b
	}
	return b.take(now, rl.rate, rl.burst)
}

// cleanup evicts buckets idle for longer than apiCleanupAge. The janitor
// calls it so allow never walks the maps.
func (rl *rateLimiter) cleanup() {
	cutoff := rl.now().Add(-apiCleanupAge)
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if b.lastCheck.Before(cutoff) {
				delete(s.buckets, k)
			}
		}
		s.mu.Unlock()
	}
}
