package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/document/rga"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// docSession is one document's in-memory state on this node: zero or
// more connected clients sharing a single rga.Doc replica, a
// write-behind persister, and the awareness relay subscription feeding
// it. Torn down when the last local client disconnects (spec.md §4.4's
// garbage collection rule); the persisted state in the substrate
// outlives it.
type docSession struct {
	docID        string
	doc          *rga.Doc
	clients      map[string]*docClient
	awareness    map[string]AwarenessState
	persister    *persister
	awarenessSub substrate.Subscription
	cancel       context.CancelFunc
}

// Service is C4's public surface: document connect/disconnect, applying
// local edits, and broadcasting awareness, backed by the state
// substrate for persistence and cross-node awareness fan-out.
type Service struct {
	store           substrate.Store
	nodeID          string
	persistCoalesce time.Duration
	logger          *zap.Logger

	mu       sync.Mutex
	sessions map[string]*docSession
}

func NewService(store substrate.Store, nodeID string, persistCoalesce time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:           store,
		nodeID:          nodeID,
		persistCoalesce: persistCoalesce,
		logger:          logger,
		sessions:        make(map[string]*docSession),
	}
}

// Connect attaches a new local client to the document at
// (workspaceID, path), loading persisted state on first connect.
// Returns the current op log (for the client to seed its own replica),
// the current awareness table, and a channel of subsequent events.
func (s *Service) Connect(ctx context.Context, workspaceID, path, clientID string) ([]rga.Op, map[string]AwarenessState, <-chan Event, error) {
	docID := DocID(workspaceID, path)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[docID]
	if !ok {
		var err error
		sess, err = s.openSessionLocked(ctx, docID)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if _, exists := sess.clients[clientID]; exists {
		return nil, nil, nil, coreerr.AlreadyExistsf("client %s already connected to %s", clientID, docID)
	}
	c := &docClient{id: clientID, events: make(chan Event, 64)}
	sess.clients[clientID] = c

	awareness := make(map[string]AwarenessState, len(sess.awareness))
	for k, v := range sess.awareness {
		awareness[k] = v
	}
	return sess.doc.Snapshot(), awareness, c.events, nil
}

func (s *Service) openSessionLocked(ctx context.Context, docID string) (*docSession, error) {
	payload, err := s.store.Get(ctx, substrate.DocKey(docID))
	if err != nil && coreerr.KindOf(err) != coreerr.NotFound {
		return nil, err
	}
	ops, decodeErr := decodeDoc(payload)
	if decodeErr != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "load document", decodeErr)
	}

	doc := rga.NewDoc(s.nodeID)
	doc.LoadSnapshot(ops)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &docSession{
		docID:     docID,
		doc:       doc,
		clients:   make(map[string]*docClient),
		awareness: make(map[string]AwarenessState),
		persister: newPersister(s.store, docID, doc, s.persistCoalesce, s.logger),
		cancel:    cancel,
	}
	go sess.persister.run(sessCtx)
	if err := s.subscribeAwareness(sessCtx, sess); err != nil {
		cancel()
		return nil, coreerr.Wrap(coreerr.Unavailable, "subscribe awareness", err)
	}
	s.sessions[docID] = sess
	return sess, nil
}

// Disconnect removes clientID from docID, tearing down the whole
// in-memory session (flushing a final persist) once the last local
// client has left.
func (s *Service) Disconnect(ctx context.Context, workspaceID, path, clientID string) {
	docID := DocID(workspaceID, path)

	s.mu.Lock()
	sess, ok := s.sessions[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if c, ok := sess.clients[clientID]; ok {
		delete(sess.clients, clientID)
		close(c.events)
	}
	delete(sess.awareness, clientID)
	s.broadcastLocked(sess, clientID, Event{Type: EventPeerGone, ClientID: clientID})
	empty := len(sess.clients) == 0
	if empty {
		delete(s.sessions, docID)
	}
	s.mu.Unlock()

	if empty {
		if sess.awarenessSub != nil {
			sess.awarenessSub.Close()
		}
		sess.persister.stopAndFlush(ctx)
		sess.cancel()
		_ = s.publishAwareness(ctx, docID, clientID, AwarenessState{}, true)
	}
}

// Insert applies a local character insertion on behalf of clientID,
// generating the authoritative Op and fanning it out to every other
// locally-connected client.
func (s *Service) Insert(ctx context.Context, workspaceID, path, clientID string, after rga.ID, ch rune) (rga.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupLocked(workspaceID, path)
	if err != nil {
		return rga.Op{}, err
	}
	op := sess.doc.LocalInsert(after, ch)
	sess.persister.markDirty()
	s.broadcastLocked(sess, clientID, Event{Type: EventOp, Op: op, ClientID: clientID})
	return op, nil
}

// Delete tombstones id on behalf of clientID and fans the delete out
// to local peers.
func (s *Service) Delete(ctx context.Context, workspaceID, path, clientID string, id rga.ID) (rga.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookupLocked(workspaceID, path)
	if err != nil {
		return rga.Op{}, err
	}
	op := sess.doc.LocalDelete(id)
	sess.persister.markDirty()
	s.broadcastLocked(sess, clientID, Event{Type: EventOp, Op: op, ClientID: clientID})
	return op, nil
}

// SetAwareness updates clientID's presence within the document and
// relays it to peers on this node and, via the awareness channel,
// every other node hosting the same document.
func (s *Service) SetAwareness(ctx context.Context, workspaceID, path, clientID string, state AwarenessState) error {
	s.mu.Lock()
	sess, err := s.lookupLocked(workspaceID, path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sess.awareness[clientID] = state
	s.broadcastLocked(sess, clientID, Event{Type: EventAwareness, ClientID: clientID, Awareness: state})
	docID := sess.docID
	s.mu.Unlock()

	return s.publishAwareness(ctx, docID, clientID, state, false)
}

func (s *Service) lookupLocked(workspaceID, path string) (*docSession, error) {
	docID := DocID(workspaceID, path)
	sess, ok := s.sessions[docID]
	if !ok {
		return nil, coreerr.NotFoundf("document %s has no active session on this node", docID)
	}
	return sess, nil
}

// broadcastLocked delivers ev to every client in sess except
// exceptClientID (typically the originator, which already applied the
// change locally before calling this). Caller must hold s.mu.
func (s *Service) broadcastLocked(sess *docSession, exceptClientID string, ev Event) {
	for id, c := range sess.clients {
		if id == exceptClientID {
			continue
		}
		select {
		case c.events <- ev:
		default:
			// Slow reader: drop rather than stall every other client's
			// delivery, consistent with the frame/signaling backpressure
			// policy elsewhere in the coordination plane.
		}
	}
}
