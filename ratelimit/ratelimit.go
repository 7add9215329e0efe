// Package ratelimit defines the token-bucket admission contract shared by
// every store backend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyKey is returned when a store is asked about an empty key.
	ErrEmptyKey = errors.New("ratelimit: empty key")
	// ErrInvalidCapacity is returned for a non-positive bucket capacity.
	ErrInvalidCapacity = errors.New("ratelimit: capacity must be positive")
	// ErrInvalidRate is returned for a negative refill rate.
	ErrInvalidRate = errors.New("ratelimit: refill rate must not be negative")
)

// Store holds one token bucket per key and answers admission queries.
//
// TakeToken reports whether one unit may be consumed for key right now.
// A bucket is created full on first reference; refill is computed lazily
// from elapsed wall-clock time on every call. Implementations must make
// the read-refill-decide-consume sequence atomic per key.
//
// The built-in in-memory store never returns an error beyond argument
// validation. Remote backends (e.g. Redis) surface transport failures
// through the error return; mapping that to fail-open or fail-closed is
// the caller's policy, not the store's.
type Store interface {
	TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, error)
	Close() error
}

// Policy is a caller-declared limit: at most Limit units per Window.
// The bucket capacity equals Limit, so a full window's worth of traffic
// may be spent as one burst.
type Policy struct {
	Limit  int           // max units per window, also the bucket capacity
	Window time.Duration // window length
}

// Validate rejects nonsensical policies eagerly, at configuration time,
// instead of letting a zero window turn into a division by zero on the
// first request.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", p.Window)
	}
	return nil
}

// RefillPerSecond derives the token regeneration rate from the policy.
func (p Policy) RefillPerSecond() float64 {
	return float64(p.Limit) / p.Window.Seconds()
}
