package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/RateLite/ratelimit"
	"github.com/AlexKimmel/RateLite/ratelimit/redisstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...redisstore.Option) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, opts...), mr
}

func TestBurstThenReject(t *testing.T) {
	clk := newFakeClock()
	s, _ := newTestStore(t, redisstore.WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := s.TakeToken(ctx, "k", 5, 1)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be admitted", i+1)
	}
	ok, err := s.TakeToken(ctx, "k", 5, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// one token regenerates per second
	clk.Advance(time.Second)
	ok, err = s.TakeToken(ctx, "k", 5, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TakeToken(ctx, "k", 5, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefillCapsAtCapacity(t *testing.T) {
	clk := newFakeClock()
	s, _ := newTestStore(t, redisstore.WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.TakeToken(ctx, "k", 3, 1)
		require.NoError(t, err)
	}

	clk.Advance(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		ok, err := s.TakeToken(ctx, "k", 3, 1)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted)
}

func TestIndependentKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.TakeToken(ctx, "noisy", 2, 0)
		require.NoError(t, err)
	}
	ok, err := s.TakeToken(ctx, "quiet", 2, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdleKeyExpiresServerSide(t *testing.T) {
	clk := newFakeClock()
	s, mr := newTestStore(t, redisstore.WithClock(clk.Now), redisstore.WithTTL(time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.TakeToken(ctx, "k", 2, 0)
		require.NoError(t, err)
	}
	ok, err := s.TakeToken(ctx, "k", 2, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Redis TTL drops the key; the next call starts a full bucket
	mr.FastForward(2 * time.Minute)
	clk.Advance(2 * time.Minute)
	ok, err = s.TakeToken(ctx, "k", 2, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClockRegressionNeverRefills(t *testing.T) {
	clk := newFakeClock()
	s, _ := newTestStore(t, redisstore.WithClock(clk.Now))
	ctx := context.Background()

	ok, err := s.TakeToken(ctx, "k", 1, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(-time.Minute)
	ok, err = s.TakeToken(ctx, "k", 1, 1000)
	require.NoError(t, err)
	assert.False(t, ok, "a backwards clock must not mint tokens")
}

func TestTransportErrorPropagates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := redisstore.New(client)

	mr.Close()

	_, err := s.TakeToken(context.Background(), "k", 5, 1)
	assert.Error(t, err, "backend failure must surface, not admit or reject silently")
}

func TestArgumentValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.TakeToken(ctx, "", 5, 1)
	assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)

	_, err = s.TakeToken(ctx, "k", 0, 1)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidCapacity)

	_, err = s.TakeToken(ctx, "k", 5, -1)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidRate)
}

func TestKeysAreNamespaced(t *testing.T) {
	s, mr := newTestStore(t, redisstore.WithPrefix("myapp:"))
	_, err := s.TakeToken(context.Background(), "k", 5, 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists("myapp:k"))
}
