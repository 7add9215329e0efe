// Package memory implements the in-memory bucket store: one token bucket
// per key, bounded by an LRU cap and an idle TTL.
package memory

import (
	"container/list"
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/AlexKimmel/RateLite/ratelimit"
)

const shardCount = 64

// Eviction reasons passed to the OnEvict hook.
const (
	EvictLRU  = "lru"
	EvictIdle = "idle"
)

type bucket struct {
	key        string
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
	elem       *list.Element
}

// shard owns a slice of the key space. The mutex covers the map and the
// LRU list together, so the refill-decide-consume sequence for a key is
// atomic while keys on other shards proceed in parallel.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	lru     *list.List // front = most recently used
}

// Store is a sharded, bounded token-bucket store. Buckets are created
// full on first reference, refilled lazily from elapsed wall-clock time,
// and forgotten again when the store is over its key budget (LRU) or the
// key has been idle past the TTL. A forgotten key starts over with a
// full bucket, which is the accepted approximation for idle callers.
type Store struct {
	shards      [shardCount]shard
	maxPerShard int
	ttl         time.Duration
	now         func() time.Time
	onEvict     func(key, reason string)

	stop      chan struct{}
	closeOnce sync.Once
}

type Option func(*Store)

// WithMaxKeys bounds the number of resident keys. The bound is applied
// per shard, so the effective total is rounded up to a multiple of the
// shard count. Default 65536.
func WithMaxKeys(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPerShard = (n + shardCount - 1) / shardCount
		}
	}
}

// WithTTL sets how long an untouched bucket stays resident. The idle
// timer is refreshed on every access. Default 10 minutes.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock overrides the time source, used by tests to drive refill
// and expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnEvict sets a hook called whenever a bucket is destroyed, with
// the key and the eviction reason (EvictLRU or EvictIdle). The hook
// runs under the shard lock and must not block.
func WithOnEvict(fn func(key, reason string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// New creates a Store and starts the background janitor that sweeps
// idle buckets. Call Close to stop it.
func New(opts ...Option) *Store {
	s := &Store{
		maxPerShard: 65536 / shardCount,
		ttl:         10 * time.Minute,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*bucket)
		s.shards[i].lru = list.New()
	}
	if s.ttl > 0 {
		go s.janitor()
	}
	return s
}

// TakeToken implements ratelimit.Store.
func (s *Store) TakeToken(_ context.Context, key string, capacity int, refillPerSec float64) (bool, error) {
	if key == "" {
		return false, ratelimit.ErrEmptyKey
	}
	if capacity <= 0 {
		return false, ratelimit.ErrInvalidCapacity
	}
	if refillPerSec < 0 {
		return false, ratelimit.ErrInvalidRate
	}

	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if ok && s.ttl > 0 && now.Sub(b.lastSeen) > s.ttl {
		// burst history expired, treat as first-ever call
		sh.remove(b)
		s.evicted(key, EvictIdle)
		ok = false
	}

	if !ok {
		if len(sh.buckets) >= s.maxPerShard {
			oldest := sh.lru.Back().Value.(*bucket)
			sh.remove(oldest)
			s.evicted(oldest.key, EvictLRU)
		}
		b = &bucket{key: key, tokens: float64(capacity), lastRefill: now}
		b.elem = sh.lru.PushFront(b)
		sh.buckets[key] = b
	} else {
		sh.lru.MoveToFront(b.elem)
		// capacity may have shrunk since the last call for this key
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		// elapsed <= 0 means the clock stalled or went backwards:
		// skip the refill, never regress tokens
		if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
			b.tokens = math.Min(float64(capacity), b.tokens+elapsed*refillPerSec)
			b.lastRefill = now
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len reports the number of resident keys across all shards.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the janitor. The store stays usable afterwards, idle
// buckets are then only collected opportunistically on access.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) evicted(key, reason string) {
	if s.onEvict != nil {
		s.onEvict(key, reason)
	}
}

// janitor sweeps idle buckets every TTL/2. It locks one shard at a
// time so foreground admission on the other shards never waits on the
// sweep.
func (s *Store) janitor() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			for i := range s.shards {
				s.sweepShard(&s.shards[i], now)
			}
		}
	}
}

// sweepShard walks the LRU list from the cold end. Every access moves a
// bucket to the front, so lastSeen is ordered along the list and the
// walk can stop at the first fresh entry.
func (s *Store) sweepShard(sh *shard, now time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for e := sh.lru.Back(); e != nil; {
		b := e.Value.(*bucket)
		if now.Sub(b.lastSeen) <= s.ttl {
			return
		}
		e = e.Prev()
		sh.remove(b)
		s.evicted(b.key, EvictIdle)
	}
}

func (sh *shard) remove(b *bucket) {
	sh.lru.Remove(b.elem)
	delete(sh.buckets, b.key)
}
