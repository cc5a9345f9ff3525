package platform

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Default rate limits per platform (requests per second).
var defaultRateLimits = map[Name]rate.Limit{
	NameSpotify:    10,
	NameAppleMusic: 5,
	NameTidal:      5,
	NameYTMusic:    2,
	NameDeezer:     5,
}

// RateLimiterMap holds one token bucket per platform, created once at
// startup and shared by that platform's client and its sync worker. Waiters
// for the same platform are served in arrival order.
type RateLimiterMap struct {
	mu       sync.RWMutex
	limiters map[Name]*rate.Limiter
}

// NewRateLimiterMap creates limiters for all platforms at their default
// rates. Overrides maps platform name to requests per second; zero or
// negative values keep the default.
func NewRateLimiterMap(overrides map[Name]float64) *RateLimiterMap {
	m := &RateLimiterMap{
		limiters: make(map[Name]*rate.Limiter, len(defaultRateLimits)),
	}
	for name, limit := range defaultRateLimits {
		if o, ok := overrides[name]; ok && o > 0 {
			limit = rate.Limit(o)
		}
		m.limiters[name] = rate.NewLimiter(limit, 1)
	}
	return m
}

// Wait blocks until the limiter for the given platform allows a request or
// the context is canceled. Cancellation while waiting abandons the request
// without consuming a token.
func (m *RateLimiterMap) Wait(ctx context.Context, name Name) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// SetLimit adjusts the rate for one platform at runtime. Unknown platforms
// get a fresh limiter.
func (m *RateLimiterMap) SetLimit(name Name, perSecond float64) {
	if perSecond <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[name]; ok {
		limiter.SetLimit(rate.Limit(perSecond))
		return
	}
	m.limiters[name] = rate.NewLimiter(rate.Limit(perSecond), 1)
}
