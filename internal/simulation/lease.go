package simulation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// lease is the cluster-wide exclusive ownership right to run one
// session's control loop (spec.md §4.2). It generalizes the teacher's
// safety.OperationLock — a per-robot, in-process lease with a timeout —
// to a substrate-backed lease so any node in the cluster can win it,
// not just the one holding an in-memory map.
type lease struct {
	store    substrate.Store
	logger   *zap.Logger
	nodeID   string
	ttl      time.Duration
	renewEvery time.Duration

	mu      sync.Mutex
	held    map[string]context.CancelFunc // session_id -> renewal loop canceller
}

func newLease(store substrate.Store, nodeID string, ttl, renewEvery time.Duration, logger *zap.Logger) *lease {
	return &lease{
		store:      store,
		logger:     logger,
		nodeID:     nodeID,
		ttl:        ttl,
		renewEvery: renewEvery,
		held:       make(map[string]context.CancelFunc),
	}
}

// acquire attempts to win the lease for sessionID. onLost is invoked
// from the renewal goroutine if a renewal fails, so the caller can stop
// stepping and release its in-memory instance — exactly the
// spec.md §4.2 rule: "If lease renewal fails, the holder stops stepping
// and releases its in-memory instance."
func (l *lease) acquire(ctx context.Context, sessionID string, onLost func()) (bool, error) {
	key := substrate.SimLeaseKey(sessionID)
	won, err := l.store.SetNX(ctx, key, []byte(l.nodeID), l.ttl)
	if err != nil {
		return false, coreerr.Wrap(coreerr.Unavailable, "lease acquire", err)
	}
	if !won {
		return false, nil
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.held[sessionID] = cancel
	l.mu.Unlock()

	go l.renewLoop(renewCtx, sessionID, onLost)
	return true, nil
}

func (l *lease) renewLoop(ctx context.Context, sessionID string, onLost func()) {
	key := substrate.SimLeaseKey(sessionID)
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
			// Renewal re-asserts ownership with a fresh TTL. We only
			// overwrite the key if we still hold it; a bare Set would
			// also "renew" a lease we no longer own, which would be
			// wrong, so check current value first.
			val, err := l.store.Get(renewCtx, key)
			cancel()
			if err != nil || string(val) != l.nodeID {
				l.logger.Warn("lease renewal lost ownership", zap.String("session_id", sessionID))
				l.release(sessionID)
				onLost()
				return
			}
			setCtx, cancel2 := context.WithTimeout(context.Background(), l.renewEvery)
			err = l.store.Set(setCtx, key, []byte(l.nodeID), l.ttl)
			cancel2()
			if err != nil {
				l.logger.Warn("lease renewal failed", zap.String("session_id", sessionID), zap.Error(err))
				l.release(sessionID)
				onLost()
				return
			}
		}
	}
}

// release stops the renewal loop and deletes the lease key if we still
// own it. Safe to call more than once.
func (l *lease) release(sessionID string) {
	l.mu.Lock()
	cancel, ok := l.held[sessionID]
	if ok {
		delete(l.held, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	key := substrate.SimLeaseKey(sessionID)
	if val, err := l.store.Get(ctx, key); err == nil && string(val) == l.nodeID {
		_ = l.store.Del(ctx, key)
	}
}
