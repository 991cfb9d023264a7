package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))
}

func TestRoomRateLimiter_ConfigureAndPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	rl.Configure(0, time.Second)
	assert.True(t, rl.Allow("a"), "zero limit disables limiting")

	rl.Configure(1, time.Second)
	now = now.Add(2 * time.Second)
	rl.Prune()
	assert.Empty(t, rl.history)
}
