package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// Claims is the JWT payload the gateway expects: a subject identifying
// the authenticated user and the standard registered claims (exp, jti)
// needed for expiry and revocation checks.
type Claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub"`
}

// Authenticator validates bearer tokens presented on WS upgrade and
// REST calls: signature + expiry via golang-jwt, then a revocation
// check against revoked:{jti} in the state substrate. A short-TTL
// local cache absorbs the common case of one token driving many
// requests (a session's frame subscription on a slow WS pinging every
// few seconds) without a substrate round trip per request.
type Authenticator struct {
	signingKey []byte
	store      substrate.Store
	cacheTTL   time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	claims    *Claims
	expiresAt time.Time
}

func NewAuthenticator(signingKey string, store substrate.Store, cacheTTL time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		signingKey: []byte(signingKey),
		store:      store,
		cacheTTL:   cacheTTL,
		logger:     logger,
		cache:      make(map[string]cacheEntry),
	}
}

// Authenticate validates a raw bearer token string (without the
// "Bearer " prefix) and returns its claims, or Unauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, coreerr.New(coreerr.Unauthorized, "missing bearer token")
	}

	if claims, ok := a.cached(token); ok {
		return claims, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, coreerr.Wrap(coreerr.Unauthorized, "invalid token", err)
	}

	if claims.ID != "" {
		if _, err := a.store.Get(ctx, substrate.RevokedKey(claims.ID)); err == nil {
			return nil, coreerr.New(coreerr.Unauthorized, "token has been revoked")
		} else if coreerr.KindOf(err) != coreerr.NotFound {
			a.logger.Warn("revocation check failed open", zap.Error(err))
		}
	}

	a.remember(token, claims)
	return claims, nil
}

func (a *Authenticator) cached(token string) (*Claims, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[token]
	if !ok || time.Now().After(e.expiresAt) {
		delete(a.cache, token)
		return nil, false
	}
	return e.claims, true
}

// remember caches claims for min(remaining token lifetime, cacheTTL), so a
// token expiring sooner than the cache's usual TTL is never served from
// cache past its own expiry.
func (a *Authenticator) remember(token string, claims *Claims) {
	expiresAt := time.Now().Add(a.cacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiresAt) {
		expiresAt = claims.ExpiresAt.Time
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[token] = cacheEntry{claims: claims, expiresAt: expiresAt}
}

// SweepCache drops every local cache entry past its expiry. The cache
// also self-corrects lazily in cached(), but a token that is cached once
// and never presented again would otherwise sit in memory until the
// process restarts; a periodic sweep bounds that to one cron interval.
func (a *Authenticator) SweepCache() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	swept := 0
	for token, e := range a.cache {
		if now.After(e.expiresAt) {
			delete(a.cache, token)
			swept++
		}
	}
	return swept
}

// Revoke blacklists a token's jti until its natural expiry, used by a
// logout endpoint. ttl should be the remaining lifetime of the token;
// the caller derives it from claims.ExpiresAt.
func (a *Authenticator) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return a.store.Set(ctx, substrate.RevokedKey(jti), []byte("1"), ttl)
}
