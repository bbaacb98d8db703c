package rga

import "testing"

func TestDoc_LocalInsertBuildsText(t *testing.T) {
	d := NewDoc("node-a")
	op1 := d.LocalInsert(Zero, 'h')
	op2 := d.LocalInsert(op1.ID, 'i')
	_ = op2
	if got := d.Text(); got != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
}

func TestDoc_DeleteTombstonesRatherThanRemoves(t *testing.T) {
	d := NewDoc("node-a")
	op1 := d.LocalInsert(Zero, 'h')
	d.LocalInsert(op1.ID, 'i')
	d.LocalDelete(op1.ID)
	if got := d.Text(); got != "i" {
		t.Fatalf("expected %q after deleting the first char, got %q", "i", got)
	}
}

func TestDoc_ApplyIsIdempotent(t *testing.T) {
	d := NewDoc("node-a")
	op := d.LocalInsert(Zero, 'x')
	remote := Op{ID: op.ID, InsertAfter: op.InsertAfter, Char: 'x'}
	d.Apply(remote)
	d.Apply(remote)
	d.Apply(remote)
	if got := d.Text(); got != "x" {
		t.Fatalf("expected applying the same op repeatedly to be a no-op, got %q", got)
	}
}

// TestDoc_ConcurrentInsertsConvergeAcrossReplicas is the core CRDT
// property test: two replicas insert at the same anchor concurrently,
// exchange their ops, and must land on the identical final text.
func TestDoc_ConcurrentInsertsConvergeAcrossReplicas(t *testing.T) {
	base := NewDoc("seed")
	root := base.LocalInsert(Zero, 'a')

	replicaA := NewDoc("replica-a")
	replicaB := NewDoc("replica-b")
	replicaA.Apply(root)
	replicaB.Apply(root)

	opA := replicaA.LocalInsert(root.ID, 'b') // replica A inserts "ab"
	opB := replicaB.LocalInsert(root.ID, 'c') // replica B concurrently inserts "ac"

	// Exchange: each replica applies the other's op.
	replicaA.Apply(opB)
	replicaB.Apply(opA)

	textA := replicaA.Text()
	textB := replicaB.Text()
	if textA != textB {
		t.Fatalf("replicas diverged: A=%q B=%q", textA, textB)
	}
	if len(textA) != 3 {
		t.Fatalf("expected 3 visible characters, got %q", textA)
	}
}

func TestDoc_SnapshotRoundTripsThroughLoadSnapshot(t *testing.T) {
	d := NewDoc("node-a")
	op1 := d.LocalInsert(Zero, 'h')
	op2 := d.LocalInsert(op1.ID, 'i')
	d.LocalDelete(op2.ID)

	snap := d.Snapshot()

	restored := NewDoc("node-a")
	restored.LoadSnapshot(snap)
	if got, want := restored.Text(), d.Text(); got != want {
		t.Fatalf("restored doc text %q does not match original %q", got, want)
	}

	// The restored replica must continue minting non-colliding IDs.
	op3 := restored.LocalInsert(op1.ID, 'o')
	if op3.ID.Seq <= op1.ID.Seq && op3.ID.NodeID == op1.ID.NodeID {
		t.Fatalf("expected restored doc's seq counter to continue past persisted ops, got %+v after %+v", op3.ID, op1.ID)
	}
}

func TestDoc_IDAtFindsVisibleCharacterAnchor(t *testing.T) {
	d := NewDoc("node-a")
	op1 := d.LocalInsert(Zero, 'h')
	op2 := d.LocalInsert(op1.ID, 'i')
	d.LocalInsert(op2.ID, '!')

	id, ok := d.IDAt(1)
	if !ok || id != op2.ID {
		t.Fatalf("expected IDAt(1) to return the 'i' node id %+v, got %+v (ok=%v)", op2.ID, id, ok)
	}
}
