package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowTypingBurstThenThrottle(t *testing.T) {
	rl := NewRateLimiter()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	for i := 0; i < 30; i++ {
		ok, _ := rl.Allow("u2", ActionTyping)
		assert.True(t, ok, "event %d should pass", i)
	}

	ok, wait := rl.Allow("u2", ActionTyping)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// other receivers have their own bucket
	ok, _ = rl.Allow("u3", ActionTyping)
	assert.True(t, ok)
}

func TestAllowRefills(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 30; i++ {
		rl.Allow("u2", ActionTyping)
	}
	ok, _ := rl.Allow("u2", ActionTyping)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = rl.Allow("u2", ActionTyping)
	assert.True(t, ok)
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("u2", ActionTyping)
	rl.Allow("u3", "other")
	assert.Equal(t, 2, rl.size())

	now = now.Add(2 * time.Hour)
	rl.Allow("u3", "other")
	rl.Cleanup()

	assert.Equal(t, 1, rl.size())
}
