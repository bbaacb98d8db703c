// Package signaling implements C3, the WebRTC-style signaling relay:
// it tracks which node a client is connected to and forwards
// session-scoped control messages (offer/answer/ICE candidates/app
// messages) between clients regardless of which node holds the
// receiving end (spec.md §4.3).
package signaling

import "time"

// MessageType is one of the signaling payload kinds spec.md §4.3 names.
// Offer and Answer are non-silent: routing failure is reported back to
// the sender as TargetMissing. IceCandidate and App are silent: routing
// failure is simply dropped, matching real ICE trickle semantics where
// late candidates for an abandoned peer are expected and harmless.
type MessageType string

const (
	MessageOffer         MessageType = "offer"
	MessageAnswer        MessageType = "answer"
	MessageICE           MessageType = "ice-candidate"
	MessageApp           MessageType = "app-defined"
	MessagePeerLeft      MessageType = "peer-left"
	MessageTargetMissing MessageType = "target-missing"
)

func (t MessageType) silent() bool {
	return t == MessageICE || t == MessageApp
}

// SignalMessage is one routed message, addressed by target client.
type SignalMessage struct {
	Type           MessageType
	FromClientID   string
	TargetClientID string
	Payload        []byte
}

// client is the relay's local view of one connected peer. Its fields
// are unexported and only ever touched on the relay's owner goroutine.
type client struct {
	id         string
	roomID     string
	role       string
	homeNodeID string
	outbox     chan SignalMessage
}

// relayEnvelope is the cross-node wire shape published on
// signaling:relay (spec.md §4.3). JSON, not msgpack: this channel also
// needs to be readable by an operator tailing pub/sub during an
// incident, the same reasoning that keeps the teacher's WS frames JSON
// at the browser boundary.
type relayEnvelope struct {
	OriginNode     string      `json:"origin_node"`
	TargetNode     string      `json:"target_node"`
	TargetClientID string      `json:"target_client_id"`
	Type           MessageType `json:"type"`
	FromClientID   string      `json:"from_client_id"`
	Payload        []byte      `json:"payload"`
}

// heartbeatPayload is what each node publishes to
// signaling:servers:{node_id} (spec.md §4.3).
type heartbeatPayload struct {
	Connections int       `json:"connections"`
	Rooms       int       `json:"rooms"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// errTargetMissing is returned by Route for a non-silent message whose
// target cannot be found anywhere in the cluster.
type errTargetMissing struct {
	targetClientID string
}

func (e *errTargetMissing) Error() string {
	return "signaling: target client missing: " + e.targetClientID
}
