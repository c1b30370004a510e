package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connRateLimiter gates new WebSocket upgrade attempts with a two-level
// token bucket: a per-IP limiter guards against one client flooding
// connections, and a global limiter caps system-wide connection churn
// regardless of IP spread.
type connRateLimiter struct {
	ipMu    sync.Mutex
	ipLimit map[string]*ipEntry
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	global *rate.Limiter

	stop chan struct{}
}

type ipEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

func newConnRateLimiter(ipBurst int, ipRate float64, globalBurst int, globalRate float64) *connRateLimiter {
	l := &connRateLimiter{
		ipLimit: make(map[string]*ipEntry),
		ipBurst: ipBurst,
		ipRate:  ipRate,
		ipTTL:   5 * time.Minute,
		global:  rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection from ip may proceed.
func (l *connRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}
	l.ipMu.Lock()
	entry, ok := l.ipLimit[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimit[ip] = entry
	}
	entry.lastUse = time.Now()
	ok2 := entry.limiter.Allow()
	l.ipMu.Unlock()
	return ok2
}

func (l *connRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.ipTTL)
			l.ipMu.Lock()
			for ip, e := range l.ipLimit {
				if e.lastUse.Before(cutoff) {
					delete(l.ipLimit, ip)
				}
			}
			l.ipMu.Unlock()
		}
	}
}

func (l *connRateLimiter) Close() {
	close(l.stop)
}
