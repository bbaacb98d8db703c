package simulation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// fanoutHub relays one substrate pub/sub channel (frames:{session_id})
// to a per-node set of local subscribers, generalizing the teacher's
// server.Hub broadcast loop: instead of every producer writing directly
// to every local client's Send channel, a single substrate subscription
// per session feeds a local broadcast, so nodes with zero local
// subscribers pay zero relay cost (reference-counted, spec.md §4.2).
type fanoutHub struct {
	store  substrate.Store
	logger *zap.Logger
	backpressure int

	mu      sync.Mutex
	rooms   map[string]*fanoutRoom // session_id -> room
}

type fanoutRoom struct {
	subs   map[*frameSubscriber]struct{}
	cancel context.CancelFunc
}

// frameSubscriber is one subscriber's outbound queue. When it fills past
// the configured backpressure depth the oldest frame is dropped — the
// control loop never blocks on a slow subscriber (spec.md §5).
type frameSubscriber struct {
	ch chan Frame
}

func newFanoutHub(store substrate.Store, backpressure int, logger *zap.Logger) *fanoutHub {
	return &fanoutHub{
		store:        store,
		logger:       logger,
		backpressure: backpressure,
		rooms:        make(map[string]*fanoutRoom),
	}
}

// subscribe returns a channel of frames for sessionID, restartable from
// any point since this call (no historical replay here; callers that
// need from_frame backfill should read substrate.Streamer first, see
// Service.SubscribeStream).
func (h *fanoutHub) subscribe(sessionID string) *frameSubscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		room = &fanoutRoom{subs: make(map[*frameSubscriber]struct{}), cancel: cancel}
		h.rooms[sessionID] = room
		go h.relay(ctx, sessionID, room)
	}
	sub := &frameSubscriber{ch: make(chan Frame, h.backpressure)}
	room.subs[sub] = struct{}{}
	return sub
}

// unsubscribe removes sub from sessionID's room. When the last local
// subscriber leaves, the node's substrate subscription is torn down
// (reference counted, spec.md §4.2's fan-out rule).
func (h *fanoutHub) unsubscribe(sessionID string, sub *frameSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room.subs, sub)
	if len(room.subs) == 0 {
		room.cancel()
		delete(h.rooms, sessionID)
	}
}

// publish is called by the local control loop after encoding a frame.
// It both writes to the substrate channel (so remote nodes' relays see
// it) and, since the local relay goroutine is itself a subscriber to
// that same channel, local delivery happens via the same path — keeping
// one code path for local and cross-node fan-out, matching the
// teacher's single-hub-does-everything design.
func (h *fanoutHub) publish(ctx context.Context, sessionID string, frame Frame) error {
	payload, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return h.store.Publish(ctx, substrate.FramesChannel(sessionID), payload)
}

func (h *fanoutHub) relay(ctx context.Context, sessionID string, room *fanoutRoom) {
	sub, err := h.store.Subscribe(ctx, substrate.FramesChannel(sessionID))
	if err != nil {
		h.logger.Warn("fanout relay subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			frame, err := decodeFrame(msg.Payload)
			if err != nil {
				h.logger.Warn("fanout relay decode failed", zap.Error(err))
				continue
			}
			h.mu.Lock()
			subs := make([]*frameSubscriber, 0, len(room.subs))
			for s := range room.subs {
				subs = append(subs, s)
			}
			h.mu.Unlock()
			for _, s := range subs {
				deliverDropOldest(s.ch, frame)
			}
		}
	}
}

// deliverDropOldest implements the spec.md §5/§9 backpressure policy:
// when a subscriber's queue is full, drop the oldest buffered frame to
// make room for the new one rather than ever blocking the publisher.
func deliverDropOldest(ch chan Frame, frame Frame) {
	select {
	case ch <- frame:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- frame:
	default:
	}
}
