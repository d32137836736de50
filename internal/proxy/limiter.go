package proxy

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters holds one token bucket per service, sized from the descriptor's
// max-QPS hint. A zero or negative hint disables limiting for that service.
type limiters struct {
	mu  sync.Mutex
	set map[string]*serviceLimiter
}

type serviceLimiter struct {
	qps int
	lim *rate.Limiter
}

func newLimiters() *limiters {
	return &limiters{set: make(map[string]*serviceLimiter)}
}

// allow reports whether serviceID may take one more request now. A changed
// qps replaces the bucket.
func (l *limiters) allow(serviceID string, qps int) bool {
	if qps <= 0 {
		return true
	}
	l.mu.Lock()
	sl, ok := l.set[serviceID]
	if !ok || sl.qps != qps {
		sl = &serviceLimiter{qps: qps, lim: rate.NewLimiter(rate.Limit(qps), qps)}
		l.set[serviceID] = sl
	}
	l.mu.Unlock()
	return sl.lim.Allow()
}
