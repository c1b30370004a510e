package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnRateLimiter_AllowsWithinPerIPBurst(t *testing.T) {
	l := newConnRateLimiter(3, 1, 100, 100)
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "attempt %d should fit within the burst", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "the attempt beyond the burst must be rejected")
}

func TestConnRateLimiter_TracksIPsIndependently(t *testing.T) {
	l := newConnRateLimiter(1, 0.1, 100, 100)
	defer l.Close()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"), "a different IP must have its own independent bucket")
}

func TestConnRateLimiter_GlobalLimitAppliesAcrossIPs(t *testing.T) {
	l := newConnRateLimiter(100, 100, 2, 0.001)
	defer l.Close()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
	assert.False(t, l.Allow("3.3.3.3"), "the global bucket must reject once its burst is exhausted regardless of per-IP headroom")
}
