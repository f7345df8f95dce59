package ratelimit

import (
	"context"
	"testing"
	"time"

	"caresync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_Allow(t *testing.T) {
	k := NewKeyed(config.RateLimitConfig{RPS: 0.001, Burst: 1})

	assert.True(t, k.Allow("station-a"))
	assert.False(t, k.Allow("station-a"))
	assert.True(t, k.Allow("station-b"), "buckets are independent per key")
}

func TestKeyed_Wait(t *testing.T) {
	k := NewKeyed(config.RateLimitConfig{RPS: 1, Burst: 1})
	require.NoError(t, k.Wait(context.Background(), "schedule"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, k.Wait(ctx, "schedule"))
	assert.NoError(t, k.Wait(context.Background(), "residents"))
}

func TestKeyed_Disabled(t *testing.T) {
	k := NewKeyed(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, k.Allow("x"))
	}
	assert.NoError(t, k.Wait(context.Background(), "x"))

	var nilKeyed *Keyed
	assert.True(t, nilKeyed.Allow("x"))
}
