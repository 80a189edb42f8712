package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiterWithClock(3, time.Second, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "token %d", i)
	}
	assert.False(t, rl.allow())

	now = now.Add(time.Second / 3)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	// Refill never exceeds capacity.
	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow())
	}
	assert.False(t, rl.allow())
}

func TestRateLimiterDefaultsInvalidParameters(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
}
