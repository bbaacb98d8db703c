package document

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// awarenessEnvelope is published to awareness:{doc_id} on every local
// awareness change. OriginNode is the marker spec.md §9 requires:
// every node subscribes to the channel it also publishes on, so each
// subscriber must recognize and discard its own echo rather than
// re-applying (harmlessly idempotent, but wasted work and a potential
// feedback amplifier under load) a change it already holds locally.
type awarenessEnvelope struct {
	OriginNode string         `json:"origin_node"`
	DocID      string         `json:"doc_id"`
	ClientID   string         `json:"client_id"`
	State      AwarenessState `json:"state"`
	Removed    bool           `json:"removed"`
}

func (s *Service) publishAwareness(ctx context.Context, docID, clientID string, state AwarenessState, removed bool) error {
	env := awarenessEnvelope{OriginNode: s.nodeID, DocID: docID, ClientID: clientID, State: state, Removed: removed}
	payload, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return s.store.Publish(ctx, substrate.AwarenessChannel(docID), payload)
}

// subscribeAwareness starts the per-document inbound relay goroutine.
// It runs for the lifetime of the in-memory session and is torn down
// alongside it when the last local client disconnects.
func (s *Service) subscribeAwareness(ctx context.Context, sess *docSession) error {
	sub, err := s.store.Subscribe(ctx, substrate.AwarenessChannel(sess.docID))
	if err != nil {
		return err
	}
	sess.awarenessSub = sub
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var env awarenessEnvelope
				if err := json.Unmarshal(msg.Payload, &env); err != nil {
					s.logger.Warn("awareness: bad envelope", zap.Error(err))
					continue
				}
				if env.OriginNode == s.nodeID {
					continue // our own publish, already applied locally
				}
				s.applyInboundAwareness(sess, env)
			}
		}
	}()
	return nil
}

func (s *Service) applyInboundAwareness(sess *docSession, env awarenessEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.docID]; !ok {
		return // session was torn down while the message was in flight
	}
	if env.Removed {
		delete(sess.awareness, env.ClientID)
	} else {
		sess.awareness[env.ClientID] = env.State
	}
	s.broadcastLocked(sess, "", Event{Type: EventAwareness, ClientID: env.ClientID, Awareness: env.State})
}
