package simulation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func TestLease_AcquireExcludesSecondNode(t *testing.T) {
	store := substrate.NewMemStore()
	logger := zap.NewNop()
	nodeA := newLease(store, "node-a", 200*time.Millisecond, 50*time.Millisecond, logger)
	nodeB := newLease(store, "node-b", 200*time.Millisecond, 50*time.Millisecond, logger)

	ctx := context.Background()
	won, err := nodeA.acquire(ctx, "s1", func() {})
	if err != nil || !won {
		t.Fatalf("node A expected to win lease, got won=%v err=%v", won, err)
	}

	won, err = nodeB.acquire(ctx, "s1", func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Fatal("node B should not win a lease already held by node A")
	}

	nodeA.release("s1")
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	store := substrate.NewMemStore()
	l := newLease(store, "node-a", 200*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	won, err := l.acquire(ctx, "s1", func() {})
	if err != nil || !won {
		t.Fatalf("expected to win lease, got won=%v err=%v", won, err)
	}
	l.release("s1")
	l.release("s1") // must not panic or block

	if _, err := store.Get(ctx, substrate.SimLeaseKey("s1")); err == nil {
		t.Fatal("expected lease key to be deleted after release")
	}
}

func TestLease_TakeoverAfterTTLExpiry(t *testing.T) {
	store := substrate.NewMemStore()
	ctx := context.Background()
	nodeA := newLease(store, "node-a", 30*time.Millisecond, 10*time.Millisecond, zap.NewNop())

	lost := make(chan struct{}, 1)
	won, err := nodeA.acquire(ctx, "s2", func() { lost <- struct{}{} })
	if err != nil || !won {
		t.Fatalf("expected node A to win, got won=%v err=%v", won, err)
	}

	// Simulate node A vanishing: cancel its renewal loop without
	// releasing the key, the same as a killed process leaving its TTL
	// to do the work (spec.md §4.2's lease-takeover scenario).
	nodeA.mu.Lock()
	cancel := nodeA.held["s2"]
	nodeA.mu.Unlock()
	cancel()

	time.Sleep(60 * time.Millisecond) // well past the 30ms TTL

	nodeB := newLease(store, "node-b", 30*time.Millisecond, 10*time.Millisecond, zap.NewNop())
	won, err = nodeB.acquire(ctx, "s2", func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatal("expected node B to win the lease after TTL expiry")
	}
	nodeB.release("s2")
}
