package document

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/document/rga"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func newTestService(nodeID string) (*Service, substrate.Store) {
	store := substrate.NewMemStore()
	return NewService(store, nodeID, 5*time.Millisecond, zap.NewNop()), store
}

func TestService_ConnectLoadsEmptyDocumentThenInsertBuildsText(t *testing.T) {
	svc, _ := newTestService("node-a")
	ctx := context.Background()

	ops, awareness, events, err := svc.Connect(ctx, "ws1", "main.py", "c1")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(ops) != 0 || len(awareness) != 0 {
		t.Fatalf("expected an empty new document, got ops=%v awareness=%v", ops, awareness)
	}
	_ = events

	op1, err := svc.Insert(ctx, "ws1", "main.py", "c1", rga.Zero, 'h')
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := svc.Insert(ctx, "ws1", "main.py", "c1", op1.ID, 'i'); err != nil {
		t.Fatalf("second insert failed: %v", err)
	}

	// A second client connecting now should see the merged text via its
	// seeded op log.
	ops2, _, _, err := svc.Connect(ctx, "ws1", "main.py", "c2")
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if len(ops2) != 2 {
		t.Fatalf("expected c2 to be seeded with 2 ops, got %d", len(ops2))
	}
}

func TestService_InsertFansOutToOtherLocalClients(t *testing.T) {
	svc, _ := newTestService("node-a")
	ctx := context.Background()

	_, _, events1, err := svc.Connect(ctx, "ws1", "main.py", "c1")
	if err != nil {
		t.Fatalf("connect c1: %v", err)
	}
	_, _, _, err = svc.Connect(ctx, "ws1", "main.py", "c2")
	if err != nil {
		t.Fatalf("connect c2: %v", err)
	}

	if _, err := svc.Insert(ctx, "ws1", "main.py", "c2", rga.Zero, 'x'); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-events1:
		if ev.Type != EventOp || ev.ClientID != "c2" || ev.Op.Char != 'x' {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out insert event")
	}
}

func TestService_PersistsAcrossSessionTeardown(t *testing.T) {
	svc, store := newTestService("node-a")
	ctx := context.Background()

	_, _, _, err := svc.Connect(ctx, "ws1", "readme.md", "c1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := svc.Insert(ctx, "ws1", "readme.md", "c1", rga.Zero, 'y'); err != nil {
		t.Fatalf("insert: %v", err)
	}
	svc.Disconnect(ctx, "ws1", "readme.md", "c1")

	payload, err := store.Get(ctx, substrate.DocKey(DocID("ws1", "readme.md")))
	if err != nil {
		t.Fatalf("expected persisted document, got err: %v", err)
	}
	ops, err := decodeDoc(payload)
	if err != nil {
		t.Fatalf("decode persisted document: %v", err)
	}
	if len(ops) != 1 || ops[0].Char != 'y' {
		t.Fatalf("expected persisted snapshot with 1 op 'y', got %+v", ops)
	}

	// Reconnecting should rehydrate from the persisted snapshot.
	ops2, _, _, err := svc.Connect(ctx, "ws1", "readme.md", "c2")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(ops2) != 1 {
		t.Fatalf("expected the reconnecting client to see the persisted op, got %v", ops2)
	}
}

func TestService_SetAwarenessRelaysAcrossNodesIgnoringOwnEcho(t *testing.T) {
	store := substrate.NewMemStore()
	svcA := NewService(store, "node-a", 5*time.Millisecond, zap.NewNop())
	svcB := NewService(store, "node-b", 5*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	_, _, eventsA, err := svcA.Connect(ctx, "ws1", "doc.txt", "alice")
	if err != nil {
		t.Fatalf("connect on node A: %v", err)
	}
	_, _, eventsB, err := svcB.Connect(ctx, "ws1", "doc.txt", "bob")
	if err != nil {
		t.Fatalf("connect on node B: %v", err)
	}

	state := AwarenessState{Cursor: 3, UserMeta: map[string]string{"name": "alice"}}
	if err := svcA.SetAwareness(ctx, "ws1", "doc.txt", "alice", state); err != nil {
		t.Fatalf("set awareness: %v", err)
	}

	select {
	case ev := <-eventsB:
		if ev.Type != EventAwareness || ev.ClientID != "alice" || ev.Awareness.Cursor != 3 {
			t.Fatalf("unexpected cross-node awareness event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-node awareness relay")
	}

	// Node A must not re-deliver its own publish back to its local
	// clients as a second event; only the local SetAwareness broadcast
	// (already consumed indirectly — alice has no peers on node A here)
	// should apply. Assert the channel stays empty.
	select {
	case ev := <-eventsA:
		t.Fatalf("node A should not echo its own awareness publish, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_DisconnectNotifiesPeersAndTearsDownEmptySession(t *testing.T) {
	svc, _ := newTestService("node-a")
	ctx := context.Background()

	_, _, events1, err := svc.Connect(ctx, "ws1", "a.txt", "c1")
	if err != nil {
		t.Fatalf("connect c1: %v", err)
	}
	if _, _, _, err := svc.Connect(ctx, "ws1", "a.txt", "c2"); err != nil {
		t.Fatalf("connect c2: %v", err)
	}

	svc.Disconnect(ctx, "ws1", "a.txt", "c2")

	select {
	case ev := <-events1:
		if ev.Type != EventPeerGone || ev.ClientID != "c2" {
			t.Fatalf("expected peer-gone for c2, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-gone notification")
	}

	svc.Disconnect(ctx, "ws1", "a.txt", "c1")
	svc.mu.Lock()
	_, stillOpen := svc.sessions[DocID("ws1", "a.txt")]
	svc.mu.Unlock()
	if stillOpen {
		t.Fatal("expected the session to be torn down once the last client disconnected")
	}
}
