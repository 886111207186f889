package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIPConnCap(t *testing.T) {
	cap := NewIPConnCap(2)

	assert.True(t, cap.Acquire("10.0.0.1"))
	assert.True(t, cap.Acquire("10.0.0.1"))
	assert.False(t, cap.Acquire("10.0.0.1"), "third connection from same ip must be rejected")
	assert.True(t, cap.Acquire("10.0.0.2"), "other ips are unaffected")

	cap.Release("10.0.0.1")
	assert.True(t, cap.Acquire("10.0.0.1"), "released slot is reusable")
	assert.Equal(t, 2, cap.Count("10.0.0.1"))
}

func TestIPConnCapReleaseUntracked(t *testing.T) {
	cap := NewIPConnCap(5)
	cap.Release("8.8.8.8")
	assert.Equal(t, 0, cap.Count("8.8.8.8"))
}

func TestRequestRateLimiterBurst(t *testing.T) {
	l := NewRequestRateLimiter(RequestRateLimiterConfig{
		IPBurst:     3,
		IPRate:      0.001,
		IPTTL:       time.Minute,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "burst request %d should pass", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "burst exhausted")
	assert.True(t, l.Allow("5.6.7.8"), "independent per-ip buckets")
}

func TestRequestRateLimiterGlobal(t *testing.T) {
	l := NewRequestRateLimiter(RequestRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
	assert.False(t, l.Allow("3.3.3.3"), "global bucket exhausted across ips")
}
