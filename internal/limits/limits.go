// Package limits holds the admission-control primitives: token-bucket rate
// limiting for API requests and a per-IP cap on concurrent WebSocket
// subscriptions.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RequestRateLimiter applies two-level token-bucket limiting: a global bucket
// first, then a per-IP bucket. Stale per-IP entries are evicted after a TTL.
type RequestRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger        zerolog.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RequestRateLimiterConfig configures a RequestRateLimiter. Zero values take
// the defaults: per-IP 10 burst / 5 rps / 5 min TTL, global 300 burst / 50 rps.
type RequestRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

func NewRequestRateLimiter(config RequestRateLimiterConfig) *RequestRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 5.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	l := &RequestRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from ip may proceed.
func (l *RequestRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("request rejected: global rate limit")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("request rejected: per-ip rate limit")
		return false
	}
	return true
}

func (l *RequestRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *RequestRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *RequestRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.ipLimiters)).Msg("evicted stale ip limiters")
	}
}

// Stop halts the cleanup goroutine. Safe to call more than once.
func (l *RequestRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// IPConnCap caps concurrent WebSocket subscriptions per client IP.
type IPConnCap struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

// NewIPConnCap builds a cap limiter; max <= 0 falls back to 5.
func NewIPConnCap(max int) *IPConnCap {
	if max <= 0 {
		max = 5
	}
	return &IPConnCap{counts: make(map[string]int), max: max}
}

// Acquire reserves one slot for ip; false when the cap is reached.
func (c *IPConnCap) Acquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

// Release frees one slot for ip. Releasing an untracked ip is a no-op.
func (c *IPConnCap) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.counts[ip]; n > 1 {
		c.counts[ip] = n - 1
	} else {
		delete(c.counts, ip)
	}
}

// Count returns the active subscriptions tracked for ip.
func (c *IPConnCap) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}
