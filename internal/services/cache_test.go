package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointCacheKey(t *testing.T) {
	assert.Equal(t, "games", EndpointCacheKey("games", nil))
	assert.Equal(t, "games", EndpointCacheKey("games", map[string]string{}))

	// Param order must not affect the key.
	a := EndpointCacheKey("games", map[string]string{"sport": "NFL", "status": "upcoming"})
	b := EndpointCacheKey("games", map[string]string{"status": "upcoming", "sport": "NFL"})
	assert.Equal(t, a, b)
	assert.Equal(t, "games?sport=NFL&status=upcoming", a)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	type payload struct {
		GameID string  `json:"game_id"`
		Score  float64 `json:"score"`
	}

	require.NoError(t, cache.Set(ctx, "k", payload{GameID: "g1", Score: 71.5}, time.Minute))

	var got payload
	require.NoError(t, cache.Get(ctx, "k", &got))
	assert.Equal(t, "g1", got.GameID)
	assert.Equal(t, 71.5, got.Score)
}

func TestMemoryCacheMiss(t *testing.T) {
	cache := NewMemoryCache()

	var dest string
	err := cache.Get(context.Background(), "absent", &dest)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiration(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", "v", 10*time.Millisecond))
	require.NoError(t, cache.Set(ctx, "forever", "v", 0))

	time.Sleep(25 * time.Millisecond)

	var dest string
	assert.ErrorIs(t, cache.Get(ctx, "short", &dest), ErrCacheMiss)
	require.NoError(t, cache.Get(ctx, "forever", &dest))
	assert.Equal(t, "v", dest)
}

func TestMemoryCacheDeleteAndFlush(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", 1, 0))
	require.NoError(t, cache.Set(ctx, "b", 2, 0))
	require.NoError(t, cache.Set(ctx, "c", 3, 0))

	require.NoError(t, cache.Delete(ctx, "a", "b"))

	var dest int
	assert.ErrorIs(t, cache.Get(ctx, "a", &dest), ErrCacheMiss)
	assert.ErrorIs(t, cache.Get(ctx, "b", &dest), ErrCacheMiss)
	require.NoError(t, cache.Get(ctx, "c", &dest))

	require.NoError(t, cache.Flush(ctx))
	assert.ErrorIs(t, cache.Get(ctx, "c", &dest), ErrCacheMiss)
}
