package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func TestRateLimiter_AllowsWithinCapacity(t *testing.T) {
	store := substrate.NewMemStore()
	rl := NewRateLimiter(store, map[string]RouteLimit{
		"api": {Capacity: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "user-1", "api")
		if err != nil {
			t.Fatalf("allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
}

func TestRateLimiter_BlocksOverCapacityClusterWide(t *testing.T) {
	store := substrate.NewMemStore()
	rl := NewRateLimiter(store, map[string]RouteLimit{
		"api": {Capacity: 2, Window: time.Minute},
	})
	ctx := context.Background()

	rl.Allow(ctx, "user-1", "api")
	rl.Allow(ctx, "user-1", "api")
	ok, err := rl.Allow(ctx, "user-1", "api")
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	if ok {
		t.Fatalf("expected third request over capacity to be blocked")
	}
}

func TestRateLimiter_UnknownRouteClassAlwaysAllowed(t *testing.T) {
	store := substrate.NewMemStore()
	rl := NewRateLimiter(store, map[string]RouteLimit{})

	ok, err := rl.Allow(context.Background(), "user-1", "unconfigured")
	if err != nil || !ok {
		t.Fatalf("expected unconfigured route class to pass through, got ok=%v err=%v", ok, err)
	}
}

func TestRateLimiter_SeparatesSubjectsAndRouteClasses(t *testing.T) {
	store := substrate.NewMemStore()
	rl := NewRateLimiter(store, map[string]RouteLimit{
		"api": {Capacity: 1, Window: time.Minute},
	})
	ctx := context.Background()

	ok, _ := rl.Allow(ctx, "user-1", "api")
	if !ok {
		t.Fatalf("expected user-1 first call allowed")
	}
	ok, _ = rl.Allow(ctx, "user-2", "api")
	if !ok {
		t.Fatalf("expected user-2, a different subject, to have its own budget")
	}

	if got := rl.LocalLimiterCount(); got != 2 {
		t.Fatalf("expected 2 local limiters, got %d", got)
	}
}
