// Package ratelimit implements C2: a family of named sliding-window
// counters keyed by an arbitrary string (API key, client IP, principal id).
// The sharded-map-of-mutexes shape is grounded on the rate limiter in
// _examples/other_examples (zJUNAIDz's token-bucket limiter) — same
// sharding-by-hash idea to keep unrelated keys from contending on one lock —
// but the admission rule itself is sliding-window, not token-bucket, per
// spec.md §4.2: drop timestamps older than now-window, admit iff the
// remaining count is still under rate.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 64

// Policy is a single bucket's (rate, window) pair.
type Policy struct {
	Rate   int
	Window time.Duration
}

// Named policies from spec.md §4.2.
var (
	APIKey           = Policy{Rate: 50, Window: 60 * time.Second}
	IPDefault        = Policy{Rate: 25, Window: 30 * time.Second}
	IPRenderOne      = Policy{Rate: 15, Window: 30 * time.Second}
	IPCheckKey       = Policy{Rate: 10, Window: 40 * time.Second}
	IPMintIterRenew  = Policy{Rate: 10, Window: 60 * time.Second}
	Edit             = Policy{Rate: 5, Window: 25 * time.Second}
	ChatTokenIssuance = Policy{Rate: 3, Window: 120 * time.Second}
)

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// Limiter holds all named buckets' state. It is safe for concurrent use and
// unbounded in principal count (bounded only by live keys); idle keys are
// evicted lazily by Sweep.
type Limiter struct {
	buckets map[string]Policy
	shards  [numShards]*shard
}

// New constructs a Limiter pre-registered with the buckets named in
// spec.md §4.2. Additional buckets can be added with Register.
func New() *Limiter {
	l := &Limiter{buckets: make(map[string]Policy)}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	l.Register("api-key", APIKey)
	l.Register("ip", IPDefault)
	l.Register("ip:render-one", IPRenderOne)
	l.Register("ip:check-key", IPCheckKey)
	l.Register("ip:mint-iter-renew", IPMintIterRenew)
	l.Register("edit", Edit)
	l.Register("chat-token", ChatTokenIssuance)
	return l
}

// Register adds or replaces a named bucket's policy.
func (l *Limiter) Register(bucket string, p Policy) {
	l.buckets[bucket] = p
}

func (l *Limiter) shardFor(bucket, key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return l.shards[h.Sum32()%numShards]
}

// Admit applies the named bucket's sliding-window rule to key: timestamps
// older than now-window are dropped first, then admission succeeds iff the
// remaining count is still under rate. A denial records nothing.
func (l *Limiter) Admit(bucket, key string) bool {
	p, ok := l.buckets[bucket]
	if !ok {
		// Unknown buckets admit by default; callers must Register before use.
		return true
	}

	s := l.shardFor(bucket, key)
	mapKey := bucket + "\x00" + key

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-p.Window)

	window := s.windows[mapKey]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= p.Rate {
		s.windows[mapKey] = kept
		return false
	}

	s.windows[mapKey] = append(kept, now)
	return true
}

// Sweep drops any (bucket,key) window that is empty or whose newest
// timestamp is more than 24 hours old, bounding memory growth from one-shot
// or abandoned keys.
func (l *Limiter) Sweep() {
	now := time.Now()
	for _, s := range l.shards {
		s.mu.Lock()
		for k, window := range s.windows {
			if len(window) == 0 {
				delete(s.windows, k)
				continue
			}
			last := window[len(window)-1]
			if now.Sub(last) > 24*time.Hour {
				delete(s.windows, k)
			}
		}
		s.mu.Unlock()
	}
}
