package signaling

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func newTestRelay(t *testing.T, store substrate.Store, nodeID string) *Relay {
	t.Helper()
	r := NewRelay(store, nodeID, zap.NewNop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("relay start failed: %v", err)
	}
	return r
}

func TestRelay_JoinReturnsExistingMembers(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	members, _, err := r.Join(ctx, "c1", "room-1", "broadcaster")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(members) != 1 || members[0] != "c1" {
		t.Fatalf("expected [c1], got %v", members)
	}

	members, _, err = r.Join(ctx, "c2", "room-1", "viewer")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members after second join, got %d", len(members))
	}
}

func TestRelay_RouteLocalDelivery(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	_, _, err := r.Join(ctx, "c1", "room-1", "broadcaster")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	_, outbox2, err := r.Join(ctx, "c2", "room-1", "viewer")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := r.Route(ctx, SignalMessage{Type: MessageOffer, FromClientID: "c1", TargetClientID: "c2", Payload: []byte("sdp")}); err != nil {
		t.Fatalf("route failed: %v", err)
	}

	select {
	case msg := <-outbox2:
		if msg.FromClientID != "c1" || string(msg.Payload) != "sdp" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for locally-routed message")
	}
}

func TestRelay_JoinRejectsMissingRoomIDOrRole(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	if _, _, err := r.Join(ctx, "c1", "", "viewer"); coreerr.KindOf(err) != coreerr.InvalidInput {
		t.Fatalf("expected InvalidInput for missing roomId, got %v", err)
	}
	if _, _, err := r.Join(ctx, "c1", "room-1", ""); coreerr.KindOf(err) != coreerr.InvalidInput {
		t.Fatalf("expected InvalidInput for missing role, got %v", err)
	}

	if members, err := store.SMembers(ctx, substrate.SignalingRoomsKey()); err != nil || len(members) != 0 {
		t.Fatalf("expected no room to have been created by the rejected joins, got %v (err=%v)", members, err)
	}
	if fields, err := store.HGetAll(ctx, substrate.SignalingClientKey("c1")); err != nil || len(fields) != 0 {
		t.Fatalf("expected no client hash to have been written by the rejected joins, got %v (err=%v)", fields, err)
	}
}

func TestRelay_RouteMissingTargetIsTargetMissingForOffer(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	err := r.Route(ctx, SignalMessage{Type: MessageOffer, FromClientID: "c1", TargetClientID: "ghost"})
	if _, ok := err.(*errTargetMissing); !ok {
		t.Fatalf("expected a target-missing error for a nonexistent target, got %v", err)
	}
}

func TestRelay_RouteMissingTargetIsSilentForICE(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	err := r.Route(ctx, SignalMessage{Type: MessageICE, FromClientID: "c1", TargetClientID: "ghost"})
	if err != nil {
		t.Fatalf("expected ICE routing to a missing target to be silent, got %v", err)
	}
}

func TestRelay_CrossNodeRouting(t *testing.T) {
	store := substrate.NewMemStore() // single shared substrate, two "nodes"
	nodeA := newTestRelay(t, store, "node-a")
	nodeB := newTestRelay(t, store, "node-b")
	ctx := context.Background()

	if _, _, err := nodeA.Join(ctx, "alice", "room-1", "broadcaster"); err != nil {
		t.Fatalf("join on node A failed: %v", err)
	}
	_, bobOutbox, err := nodeB.Join(ctx, "bob", "room-1", "viewer")
	if err != nil {
		t.Fatalf("join on node B failed: %v", err)
	}

	if err := nodeA.Route(ctx, SignalMessage{Type: MessageAnswer, FromClientID: "alice", TargetClientID: "bob", Payload: []byte("answer-sdp")}); err != nil {
		t.Fatalf("route failed: %v", err)
	}

	select {
	case msg := <-bobOutbox:
		if msg.FromClientID != "alice" || string(msg.Payload) != "answer-sdp" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-node relayed message")
	}
}

func TestRelay_LeaveNotifiesRoomPeersAndGCsEmptyRoom(t *testing.T) {
	store := substrate.NewMemStore()
	r := newTestRelay(t, store, "node-a")
	ctx := context.Background()

	_, outbox1, err := r.Join(ctx, "c1", "room-1", "broadcaster")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, _, err := r.Join(ctx, "c2", "room-1", "viewer"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	r.Leave(ctx, "c2")

	select {
	case msg := <-outbox1:
		if msg.Type != MessagePeerLeft || msg.FromClientID != "c2" {
			t.Fatalf("expected peer-left from c2, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-left notification")
	}

	r.Leave(ctx, "c1")
	time.Sleep(20 * time.Millisecond) // let the owner goroutine process the GC

	if members, err := store.SMembers(ctx, substrate.SignalingRoomsKey()); err != nil || len(members) != 0 {
		t.Fatalf("expected room index to be empty after last member left, got %v (err=%v)", members, err)
	}
}
