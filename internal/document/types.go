// Package document is C4: hosts collaborative CRDT documents keyed by
// (workspace_id, path), persists encoded state to the state substrate,
// and relays cursor/selection awareness across nodes (spec.md §4.4).
package document

import (
	"fmt"

	"github.com/cosim-robotics/coreplane/internal/document/rga"
)

// DocID derives the substrate/session key for a document from its
// (workspace_id, path) pair. Centralized so every caller formats it
// identically.
func DocID(workspaceID, path string) string {
	return fmt.Sprintf("%s:%s", workspaceID, path)
}

// IDOf reconstructs an rga.ID from its wire fields, used by the
// gateway when decoding a client's insert/delete envelope back into
// the anchor the CRDT layer expects.
func IDOf(seq uint64, nodeID string) rga.ID {
	return rga.ID{Seq: seq, NodeID: nodeID}
}

// AwarenessState is one client's presence data: cursor/selection
// position plus arbitrary user metadata (name, color) the editor wants
// to render for peers.
type AwarenessState struct {
	Cursor    int               `msgpack:"cursor" json:"cursor"`
	Selection [2]int            `msgpack:"selection" json:"selection"`
	UserMeta  map[string]string `msgpack:"user_meta" json:"user_meta"`
}

// EventType distinguishes the kinds of update a connected client's
// event stream can carry.
type EventType string

const (
	EventOp        EventType = "op"
	EventAwareness EventType = "awareness"
	EventPeerGone  EventType = "peer_gone"
)

// Event is delivered to every other locally-connected client whenever
// one client mutates the document or its awareness state.
type Event struct {
	Type      EventType
	Op        rga.Op
	ClientID  string
	Awareness AwarenessState
}

type docClient struct {
	id     string
	events chan Event
}
