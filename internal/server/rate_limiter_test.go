package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	start := time.Now()
	rl := newRateLimiterAt(3, time.Second, start)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allowAt(start), "burst frame %d", i)
	}
	assert.False(t, rl.allowAt(start))

	// One token refills every third of a second.
	assert.False(t, rl.allowAt(start.Add(100*time.Millisecond)))
	assert.True(t, rl.allowAt(start.Add(400*time.Millisecond)))
	assert.False(t, rl.allowAt(start.Add(400*time.Millisecond)))
}

func TestRateLimiterCapsAtCapacity(t *testing.T) {
	start := time.Now()
	rl := newRateLimiterAt(2, time.Second, start)

	later := start.Add(time.Hour)
	assert.True(t, rl.allowAt(later))
	assert.True(t, rl.allowAt(later))
	assert.False(t, rl.allowAt(later))
}

func TestRateLimiterSanitizesInput(t *testing.T) {
	start := time.Now()
	rl := newRateLimiterAt(0, 0, start)

	assert.True(t, rl.allowAt(start))
	assert.False(t, rl.allowAt(start))
	assert.True(t, rl.allowAt(start.Add(time.Second)))
}
