package gateway

import (
	"context"
	"time"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// ResponseCache caches small GET response bodies in the state
// substrate under cache:{route}:{key} (spec.md §6), so a hot polling
// route like simulation state doesn't hit the substrate's primary
// read path on every request across the whole cluster, not just this
// node.
type ResponseCache struct {
	store substrate.Store
	route string
	ttl   time.Duration
}

func NewResponseCache(store substrate.Store, route string, ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: store, route: route, ttl: ttl}
}

func (rc *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	body, err := rc.store.Get(ctx, substrate.CacheKey(rc.route, key))
	if err != nil {
		return nil, false
	}
	return body, true
}

func (rc *ResponseCache) Set(ctx context.Context, key string, body []byte) {
	_ = rc.store.Set(ctx, substrate.CacheKey(rc.route, key), body, rc.ttl)
}
