package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	current := time.Unix(1700000000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return current }

	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))

	// each key has its own budget
	require.True(t, rl.Allow("10.0.0.2"))

	// rejected attempts do not consume slots, so once the window slides the
	// key is usable again
	current = current.Add(time.Minute + time.Second)
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterPartialSlide(t *testing.T) {
	current := time.Unix(1700000000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return current }

	require.True(t, rl.Allow("k"))
	current = current.Add(40 * time.Second)
	require.True(t, rl.Allow("k"))
	require.False(t, rl.Allow("k"))

	// the first hit ages out, the second is still inside the window
	current = current.Add(30 * time.Second)
	require.True(t, rl.Allow("k"))
	require.False(t, rl.Allow("k"))
}
