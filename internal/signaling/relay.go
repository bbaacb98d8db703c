package signaling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// Relay is C3: one per node, owning every locally-connected client's
// routing state in a single goroutine, the same register/unregister/
// broadcast-via-channel shape as the teacher's server.Hub, generalized
// from "all clients see all messages" to "route one message to one
// addressed client, locally or across the cluster" (spec.md §4.3).
type Relay struct {
	store  substrate.Store
	nodeID string
	logger *zap.Logger

	joinCh     chan joinRequest
	leaveCh    chan string
	routeCh    chan routeRequest
	inboundCh  chan relayEnvelope
	metricsCh  chan chan relayMetrics

	stop chan struct{}
	done chan struct{}

	// Owned exclusively by run(); every other method communicates with
	// it only through the channels above.
	clients map[string]*client
	rooms   map[string]map[string]struct{} // room_id -> client_id set
}

type joinRequest struct {
	clientID string
	roomID   string
	role     string
	reply    chan joinResult
}

type joinResult struct {
	members []string
	outbox  <-chan SignalMessage
	err     error
}

type routeRequest struct {
	msg   SignalMessage
	reply chan error
}

type relayMetrics struct {
	connections int
	rooms       int
}

func NewRelay(store substrate.Store, nodeID string, logger *zap.Logger) *Relay {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Relay{
		store:     store,
		nodeID:    nodeID,
		logger:    logger,
		joinCh:    make(chan joinRequest),
		leaveCh:   make(chan string),
		routeCh:   make(chan routeRequest),
		inboundCh: make(chan relayEnvelope, 256),
		metricsCh: make(chan chan relayMetrics),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		clients:   make(map[string]*client),
		rooms:     make(map[string]map[string]struct{}),
	}
}

// Start subscribes to the cross-node relay channel and begins the
// owner goroutine. Must be called once before Join/Leave/Route.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.store.Subscribe(ctx, substrate.SignalingRelayChannel())
	if err != nil {
		return coreerr.Wrap(coreerr.Unavailable, "signaling relay subscribe", err)
	}
	go r.pumpInbound(ctx, sub)
	go r.run(ctx)
	return nil
}

func (r *Relay) pumpInbound(ctx context.Context, sub substrate.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				r.logger.Warn("signaling relay: bad envelope", zap.Error(err))
				continue
			}
			select {
			case r.inboundCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Join registers a new local client in roomID, mirroring spec.md
// §4.3's join contract: write the client hash, add to the room's
// member set and the room index, and return the current participant
// list so the caller can notify local peers.
func (r *Relay) Join(ctx context.Context, clientID, roomID, role string) ([]string, <-chan SignalMessage, error) {
	if roomID == "" || role == "" {
		return nil, nil, coreerr.New(coreerr.InvalidInput, "join requires both roomId and role")
	}
	if err := r.store.Transact(ctx,
		substrate.TxOp{Kind: substrate.TxHSet, Key: substrate.SignalingClientKey(clientID), Fields: map[string]string{
			"room_id":      roomID,
			"role":         role,
			"home_node_id": r.nodeID,
		}},
		substrate.TxOp{Kind: substrate.TxSAdd, Key: substrate.SignalingRoomMembersKey(roomID), Members: []string{clientID}},
		substrate.TxOp{Kind: substrate.TxSAdd, Key: substrate.SignalingRoomsKey(), Members: []string{roomID}},
	); err != nil {
		return nil, nil, err
	}

	reply := make(chan joinResult, 1)
	select {
	case r.joinCh <- joinRequest{clientID: clientID, roomID: roomID, role: role, reply: reply}:
	case <-ctx.Done():
		return nil, nil, coreerr.Wrap(coreerr.DeadlineExceeded, "join", ctx.Err())
	}
	res := <-reply
	return res.members, res.outbox, res.err
}

// Leave implements spec.md §4.3's best-effort disconnect: remove from
// the room set and client hash, broadcast peer-left locally, and
// garbage-collect the room index entry if it is now empty.
func (r *Relay) Leave(ctx context.Context, clientID string) {
	select {
	case r.leaveCh <- clientID:
	case <-ctx.Done():
	}
}

// Route implements spec.md §4.3's message routing: local delivery when
// the target is connected to this node, cross-node relay publish
// otherwise, and TargetMissing for non-silent message types whose
// target cannot be found anywhere.
func (r *Relay) Route(ctx context.Context, msg SignalMessage) error {
	reply := make(chan error, 1)
	select {
	case r.routeCh <- routeRequest{msg: msg, reply: reply}:
	case <-ctx.Done():
		return coreerr.Wrap(coreerr.DeadlineExceeded, "route", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return coreerr.Wrap(coreerr.DeadlineExceeded, "route", ctx.Err())
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return

		case req := <-r.joinCh:
			c := &client{id: req.clientID, roomID: req.roomID, role: req.role, homeNodeID: r.nodeID, outbox: make(chan SignalMessage, 64)}
			r.clients[req.clientID] = c
			room, ok := r.rooms[req.roomID]
			if !ok {
				room = make(map[string]struct{})
				r.rooms[req.roomID] = room
			}
			room[req.clientID] = struct{}{}
			members := r.roomMembers(req.roomID)
			req.reply <- joinResult{members: members, outbox: c.outbox}

		case clientID := <-r.leaveCh:
			r.handleLeave(clientID)

		case req := <-r.routeCh:
			req.reply <- r.handleRoute(ctx, req.msg)

		case env := <-r.inboundCh:
			r.handleInbound(env)

		case reply := <-r.metricsCh:
			reply <- relayMetrics{connections: len(r.clients), rooms: len(r.rooms)}
		}
	}
}

func (r *Relay) roomMembers(roomID string) []string {
	room := r.rooms[roomID]
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	return members
}

func (r *Relay) handleLeave(clientID string) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(r.clients, clientID)
	close(c.outbox)

	room := r.rooms[c.roomID]
	if room != nil {
		delete(room, clientID)
		for peerID := range room {
			if peer, ok := r.clients[peerID]; ok {
				deliverNonBlocking(peer.outbox, SignalMessage{Type: MessagePeerLeft, FromClientID: clientID})
			}
		}
		if len(room) == 0 {
			delete(r.rooms, c.roomID)
			_ = r.store.SRem(context.Background(), substrate.SignalingRoomsKey(), c.roomID)
		}
	}

	_ = r.store.SRem(context.Background(), substrate.SignalingRoomMembersKey(c.roomID), clientID)
	_ = r.store.HDel(context.Background(), substrate.SignalingClientKey(clientID), "room_id", "role", "home_node_id")
}

func (r *Relay) handleRoute(ctx context.Context, msg SignalMessage) error {
	if target, ok := r.clients[msg.TargetClientID]; ok {
		deliverNonBlocking(target.outbox, msg)
		return nil
	}

	homeNode, err := r.store.HGet(ctx, substrate.SignalingClientKey(msg.TargetClientID), "home_node_id")
	if err != nil || homeNode == "" {
		if msg.Type.silent() {
			return nil
		}
		return &errTargetMissing{targetClientID: msg.TargetClientID}
	}

	env := relayEnvelope{
		OriginNode:     r.nodeID,
		TargetNode:     homeNode,
		TargetClientID: msg.TargetClientID,
		Type:           msg.Type,
		FromClientID:   msg.FromClientID,
		Payload:        msg.Payload,
	}
	return r.publish(ctx, env)
}

func (r *Relay) handleInbound(env relayEnvelope) {
	if env.TargetNode != r.nodeID {
		return
	}
	target, ok := r.clients[env.TargetClientID]
	if !ok {
		if !env.Type.silent() && env.Type != MessageTargetMissing {
			notice := relayEnvelope{
				OriginNode:     r.nodeID,
				TargetNode:     env.OriginNode,
				TargetClientID: env.FromClientID,
				Type:           MessageTargetMissing,
				Payload:        []byte(env.TargetClientID),
			}
			_ = r.publish(context.Background(), notice)
		}
		return
	}
	deliverNonBlocking(target.outbox, SignalMessage{
		Type:           env.Type,
		FromClientID:   env.FromClientID,
		TargetClientID: env.TargetClientID,
		Payload:        env.Payload,
	})
}

func (r *Relay) publish(ctx context.Context, env relayEnvelope) error {
	payload, err := json.Marshal(&env)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "encode relay envelope", err)
	}
	return r.store.Publish(ctx, substrate.SignalingRelayChannel(), payload)
}

// deliverNonBlocking never blocks the owner goroutine on a slow or
// stalled client; a full outbox means the client's reader is behind,
// and the message is dropped rather than stalling every other client's
// routing (spec.md §9 backpressure policy, generalized from frames to
// signaling messages).
func deliverNonBlocking(ch chan SignalMessage, msg SignalMessage) {
	select {
	case ch <- msg:
	default:
	}
}

// Metrics returns the current local connection/room counts, consumed
// by the heartbeat publisher (heartbeat.go).
func (r *Relay) Metrics() relayMetrics {
	reply := make(chan relayMetrics, 1)
	r.metricsCh <- reply
	return <-reply
}
