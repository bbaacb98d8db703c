package signaling

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// Heartbeat periodically publishes this node's liveness record to
// signaling:servers:{node_id} with a TTL, grounded on the teacher's
// safety.TimeoutWatchdog polling loop shape: a ticker-driven goroutine
// that writes a fresh deadline/value on every tick so the absence of
// writes (a crashed or partitioned node) is what lets the TTL expire
// the record (spec.md §4.3).
type Heartbeat struct {
	store    substrate.Store
	relay    *Relay
	nodeID   string
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger
}

func NewHeartbeat(store substrate.Store, relay *Relay, nodeID string, interval, ttl time.Duration, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{store: store, relay: relay, nodeID: nodeID, interval: interval, ttl: ttl, logger: logger}
}

// Run publishes on every tick until ctx is cancelled. Intended to run
// in its own goroutine for the lifetime of the node.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publishOnce(ctx)
		}
	}
}

func (h *Heartbeat) publishOnce(ctx context.Context) {
	metrics := h.relay.Metrics()
	payload := heartbeatPayload{
		Connections: metrics.connections,
		Rooms:       metrics.rooms,
		UpdatedAt:   time.Now(),
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		h.logger.Warn("heartbeat encode failed", zap.Error(err))
		return
	}
	if err := h.store.Set(ctx, substrate.SignalingServerKey(h.nodeID), body, h.ttl); err != nil {
		h.logger.Warn("heartbeat publish failed", zap.Error(coreerr.Wrap(coreerr.Unavailable, "heartbeat", err)))
	}
}
