// Package redisstore implements the bucket store contract on Redis, so
// the limit can be shared across instances. The whole refill-and-consume
// step runs server-side in one Lua script, which gives the same per-key
// atomicity the in-memory store gets from its shard lock.
package redisstore

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/RateLite/ratelimit"
)

// Bucket state is stored as "<tokens>:<lastRefillUnixMicro>" under a
// per-key TTL, so idle keys expire on the Redis side and the next call
// starts a fresh full bucket.
var takeToken = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last = now

local state = redis.call('GET', key)
if state then
    local sep = string.find(state, ':')
    tokens = tonumber(string.sub(state, 1, sep - 1))
    last = tonumber(string.sub(state, sep + 1))
end

if tokens > capacity then
    tokens = capacity
end

local elapsed = (now - last) / 1000000
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SETEX', key, ttl, string.format('%.6f:%.0f', tokens, last))
return allowed
`)

// Store is a Redis-backed ratelimit.Store. It does not decide
// fail-open/fail-closed: transport errors are returned as-is and the
// admission layer maps them to its configured policy.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Store)

// WithPrefix namespaces all bucket keys. Default "ratelite:".
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithTTL sets the idle expiry applied to every bucket key.
// Default 10 minutes, minimum one second.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d >= time.Second {
			s.ttl = d
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an existing client. The caller keeps ownership of the
// client's lifecycle; Close here is a no-op.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "ratelite:",
		ttl:    10 * time.Minute,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TakeToken implements ratelimit.Store.
func (s *Store) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, error) {
	if key == "" {
		return false, ratelimit.ErrEmptyKey
	}
	if capacity <= 0 {
		return false, ratelimit.ErrInvalidCapacity
	}
	if refillPerSec < 0 || math.IsNaN(refillPerSec) || math.IsInf(refillPerSec, 0) {
		return false, ratelimit.ErrInvalidRate
	}

	res, err := takeToken.Run(ctx, s.client,
		[]string{s.prefix + key},
		capacity,
		refillPerSec,
		s.now().UnixMicro(),
		int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) Close() error { return nil }
