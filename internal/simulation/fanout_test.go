package simulation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func TestFanoutHub_DeliversToLocalSubscriber(t *testing.T) {
	store := substrate.NewMemStore()
	hub := newFanoutHub(store, 4, zap.NewNop())
	ctx := context.Background()

	sub := hub.subscribe("s1")
	defer hub.unsubscribe("s1", sub)

	// Give the relay goroutine a moment to establish its subscription
	// before publishing, the same race every pub/sub fan-out test has
	// to account for.
	time.Sleep(10 * time.Millisecond)

	if err := hub.publish(ctx, "s1", Frame{SessionID: "s1", FrameIndex: 1, SimTime: 0.1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case f := <-sub.ch:
		if f.FrameIndex != 1 {
			t.Fatalf("expected frame_index 1, got %d", f.FrameIndex)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestFanoutHub_DropsOldestWhenFull(t *testing.T) {
	ch := make(chan Frame, 2)
	deliverDropOldest(ch, Frame{FrameIndex: 1})
	deliverDropOldest(ch, Frame{FrameIndex: 2})
	deliverDropOldest(ch, Frame{FrameIndex: 3}) // queue full, should drop FrameIndex 1

	first := <-ch
	second := <-ch
	if first.FrameIndex != 2 || second.FrameIndex != 3 {
		t.Fatalf("expected frames [2,3], got [%d,%d]", first.FrameIndex, second.FrameIndex)
	}
}

func TestFanoutHub_UnsubscribeTearsDownEmptyRoom(t *testing.T) {
	store := substrate.NewMemStore()
	hub := newFanoutHub(store, 4, zap.NewNop())

	sub := hub.subscribe("s1")
	hub.unsubscribe("s1", sub)

	hub.mu.Lock()
	_, exists := hub.rooms["s1"]
	hub.mu.Unlock()
	if exists {
		t.Fatal("expected room to be removed after last subscriber left")
	}
}
