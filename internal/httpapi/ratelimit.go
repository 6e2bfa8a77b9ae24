package httpapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	tierStrict  = "strict"
	tierGeneral = "general"

	visitorIdle   = 3 * time.Minute
	sweepInterval = time.Minute
)

// Limits configures the token buckets. Login uses the strict tier; every
// authenticated route uses the general one.
type Limits struct {
	General      rate.Limit
	GeneralBurst int
	Strict       rate.Limit
	StrictBurst  int
}

func DefaultLimits() Limits {
	return Limits{
		General:      rate.Limit(10),
		GeneralBurst: 20,
		Strict:       rate.Limit(2),
		StrictBurst:  5,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	limits    Limits
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newRateLimiter(limits Limits) *rateLimiter {
	defaults := DefaultLimits()
	if limits.General <= 0 {
		limits.General = defaults.General
	}
	if limits.GeneralBurst < 1 {
		limits.GeneralBurst = defaults.GeneralBurst
	}
	if limits.Strict <= 0 {
		limits.Strict = defaults.Strict
	}
	if limits.StrictBurst < 1 {
		limits.StrictBurst = defaults.StrictBurst
	}
	return &rateLimiter{
		limits:    limits,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// Allow spends one token from the bucket for identity in tier.
func (l *rateLimiter) Allow(identity string, tier string) bool {
	if l == nil {
		return true
	}
	return l.visitor(identity+":"+tier, tier).Allow()
}

func (l *rateLimiter) visitor(key string, tier string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > sweepInterval {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		limit, burst := l.limits.General, l.limits.GeneralBurst
		if tier == tierStrict {
			limit, burst = l.limits.Strict, l.limits.StrictBurst
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
