package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// RouteLimit is a token-bucket capacity/window pair for one route
// class (e.g. "execute" gets a tighter budget than "stream").
type RouteLimit struct {
	Capacity int
	Window   time.Duration
}

// RateLimiter enforces a per-subject, per-route-class budget, the same
// token-bucket shape as the teacher's middleware.RateLimiter,
// generalized two ways: the bucket lives in the state substrate
// (rl:{subject}:{class}, spec.md §6) so the limit holds cluster-wide
// rather than per-node, and a local golang.org/x/time/rate limiter
// sits in front of it as a fast path so a single abusive connection
// cannot drive a substrate round trip per request.
type RateLimiter struct {
	store  substrate.Store
	limits map[string]RouteLimit

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewRateLimiter(store substrate.Store, limits map[string]RouteLimit) *RateLimiter {
	return &RateLimiter{store: store, limits: limits, local: make(map[string]*rate.Limiter)}
}

// Allow reports whether subject may proceed under routeClass's budget.
// The local limiter is checked first (cheap, in-process); only a
// request it would allow goes on to the substrate-backed cluster-wide
// check, so the substrate is never consulted more often than the
// per-node allowance permits.
func (rl *RateLimiter) Allow(ctx context.Context, subject, routeClass string) (bool, error) {
	limit, ok := rl.limits[routeClass]
	if !ok {
		return true, nil
	}
	if !rl.localLimiter(subject, routeClass, limit).Allow() {
		return false, nil
	}

	key := substrate.RateLimitKey(subject, routeClass)
	count, err := rl.store.Incr(ctx, key, limit.Window)
	if err != nil {
		return false, coreerr.Wrap(coreerr.Unavailable, "rate limit check", err)
	}
	return count <= int64(limit.Capacity), nil
}

// LocalLimiterCount reports how many distinct (subject, routeClass)
// local limiters are currently held, so a periodic janitor can log
// growth in this map rather than it going unnoticed until memory
// pressure shows up elsewhere.
func (rl *RateLimiter) LocalLimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.local)
}

func (rl *RateLimiter) localLimiter(subject, routeClass string, limit RouteLimit) *rate.Limiter {
	key := subject + ":" + routeClass
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.local[key]; ok {
		return l
	}
	perSecond := rate.Limit(float64(limit.Capacity) / limit.Window.Seconds())
	l := rate.NewLimiter(perSecond, limit.Capacity)
	rl.local[key] = l
	return l
}
