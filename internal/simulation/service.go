package simulation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// Service is the public C2 contract (spec.md §4.2's table), implemented
// by *service below. Exported as an interface so the gateway depends on
// behavior, not construction details — the same shape the teacher's
// robot.Manager exposes to server.Hub.
type Service interface {
	Create(ctx context.Context, session Session) error
	Delete(ctx context.Context, sessionID string) error
	Execute(ctx context.Context, sessionID string, req ExecutionRequest) (ExecutionResult, error)
	GetState(ctx context.Context, sessionID string) (Snapshot, error)
	SubscribeStream(ctx context.Context, sessionID string, fromFrame int64) (Subscription, error)
	SendControl(ctx context.Context, sessionID string, msg ControlMessage) error
}

// Subscription is a caller's live view into a session's frame stream:
// Backfill delivers any buffered frames since fromFrame, then Frames
// delivers the live tail. Unsubscribe must be called exactly once.
type Subscription interface {
	Backfill() []Frame
	Frames() <-chan Frame
	Unsubscribe()
}

// DriverFactory resolves an Engine to a concrete Driver, deferring the
// mujoco/pybullet/mock choice to the caller (cmd/coreplane/main.go)
// rather than hard-coding it in the service, matching the teacher's
// adapter.Registry indirection.
type DriverFactory func(Engine) (Driver, error)

type service struct {
	store     substrate.Store
	fanout    *fanoutHub
	lease     *lease
	drivers   DriverFactory
	wallClock time.Duration
	ringSize  int64
	logger    *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// Config bundles the tunables Service needs from internal/config without
// importing that package directly, avoiding an import cycle.
type Config struct {
	NodeID            string
	LeaseTTL          time.Duration
	LeaseRenewEvery   time.Duration
	FrameBackpressure int
	ExecWallClock     time.Duration
	FrameRingSize     int64
}

func NewService(store substrate.Store, drivers DriverFactory, cfg Config, logger *zap.Logger) Service {
	return &service{
		store:     store,
		fanout:    newFanoutHub(store, cfg.FrameBackpressure, logger),
		lease:     newLease(store, cfg.NodeID, cfg.LeaseTTL, cfg.LeaseRenewEvery, logger),
		drivers:   drivers,
		wallClock: cfg.ExecWallClock,
		ringSize:  cfg.FrameRingSize,
		logger:    logger,
		instances: make(map[string]*instance),
	}
}

// Create implements spec.md §4.2 create(): acquire the cluster-wide
// lease, load the driver, and start the control loop. A session that
// already has a live local instance is AlreadyExists; a session whose
// lease is held elsewhere in the cluster is also AlreadyExists, since
// from the caller's perspective both look identical (a running session
// it did not just create).
func (s *service) Create(ctx context.Context, session Session) error {
	if session.FPS <= 0 {
		return coreerr.InvalidInputf("fps must be positive, got %d", session.FPS)
	}
	s.mu.Lock()
	if _, exists := s.instances[session.ID]; exists {
		s.mu.Unlock()
		return coreerr.AlreadyExistsf("session %q", session.ID)
	}
	s.mu.Unlock()

	won, err := s.lease.acquire(ctx, session.ID, func() { s.onLeaseLost(session.ID) })
	if err != nil {
		return err
	}
	if !won {
		return coreerr.AlreadyExistsf("session %q: lease held elsewhere", session.ID)
	}

	driver, err := s.drivers(session.Engine)
	if err != nil {
		s.lease.release(session.ID)
		return coreerr.InvalidInputf("unknown engine %q: %v", session.Engine, err)
	}
	handle, err := driver.Load(ctx, session.ModelRef, session.Width, session.Height, session.Headless)
	if err != nil {
		s.lease.release(session.ID)
		return coreerr.Wrap(coreerr.Unavailable, "load model", err)
	}

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if err := s.persistSession(ctx, session); err != nil {
		s.lease.release(session.ID)
		return err
	}

	in := newInstance(session, driver, handle, s.store, s.fanout, s.wallClock, s.ringSize, s.logger.Named("instance").With(zap.String("session_id", session.ID)))

	s.mu.Lock()
	s.instances[session.ID] = in
	s.mu.Unlock()

	go in.run(context.Background())
	return nil
}

func (s *service) persistSession(ctx context.Context, session Session) error {
	payload, err := encodeSession(session)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "encode session", err)
	}
	if err := s.store.Set(ctx, substrate.SimConfigKey(session.ID), payload, 0); err != nil {
		return err
	}
	return nil
}

func (s *service) onLeaseLost(sessionID string) {
	s.logger.Warn("lease lost, tearing down local instance", zap.String("session_id", sessionID))
	s.mu.Lock()
	in, ok := s.instances[sessionID]
	if ok {
		delete(s.instances, sessionID)
	}
	s.mu.Unlock()
	if ok {
		close(in.stop)
		<-in.done
		_ = in.driver.Dispose(context.Background(), in.handle)
	}
}

// Delete implements spec.md §4.2 delete(): idempotent, releases the
// lease, stops the control loop, and removes the durable descriptor.
func (s *service) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	in, ok := s.instances[sessionID]
	if ok {
		delete(s.instances, sessionID)
	}
	s.mu.Unlock()

	if ok {
		close(in.stop)
		<-in.done
		_ = in.driver.Dispose(ctx, in.handle)
	}
	s.lease.release(sessionID)

	_ = s.store.Del(ctx, substrate.SimConfigKey(sessionID))
	_ = s.store.Del(ctx, substrate.SimStateKey(sessionID))
	return nil
}

// Execute implements spec.md §4.2 execute(): the session's single
// user-code slot. Busy means an execute is already in flight for this
// session, guarded by the instance's execBusy flag for the whole
// duration of the run — not merely until the control loop picks the job
// off its channel — so a second Execute arriving while the first is
// still sandboxed correctly gets Busy instead of queuing behind it.
func (s *service) Execute(ctx context.Context, sessionID string, req ExecutionRequest) (ExecutionResult, error) {
	in, err := s.lookup(sessionID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !in.tryAcquireExec() {
		return ExecutionResult{}, coreerr.Busyf("session %q: execution slot occupied", sessionID)
	}
	job := execJob{req: req, result: make(chan ExecutionResult, 1)}
	select {
	case in.execReq <- job:
	case <-ctx.Done():
		in.releaseExec()
		return ExecutionResult{}, coreerr.Wrap(coreerr.DeadlineExceeded, "execute", ctx.Err())
	}
	select {
	case res := <-job.result:
		return res, nil
	case <-ctx.Done():
		return ExecutionResult{}, coreerr.Wrap(coreerr.DeadlineExceeded, "execute", ctx.Err())
	}
}

// GetState implements spec.md §4.2 get_state() by reading the most
// recently persisted snapshot from the substrate — this works whether
// or not the calling node holds the instance locally.
func (s *service) GetState(ctx context.Context, sessionID string) (Snapshot, error) {
	payload, err := s.store.Get(ctx, substrate.SimStateKey(sessionID))
	if err != nil {
		if coreerr.KindOf(err) == coreerr.NotFound {
			if _, lerr := s.store.Get(ctx, substrate.SimConfigKey(sessionID)); lerr == nil {
				return Snapshot{SessionID: sessionID, State: StateCreated}, nil
			}
			return Snapshot{}, coreerr.NotFoundf("session %q", sessionID)
		}
		return Snapshot{}, err
	}
	snap, err := decodeSnapshot(payload)
	if err != nil {
		return Snapshot{}, coreerr.Wrap(coreerr.Internal, "decode snapshot", err)
	}
	return snap, nil
}

// SubscribeStream implements spec.md §4.2 subscribe_stream(): backfill
// from the frame ring since fromFrame, then live frames via the fan-out
// hub. fromFrame == 0 means "from the beginning of the retained ring".
func (s *service) SubscribeStream(ctx context.Context, sessionID string, fromFrame int64) (Subscription, error) {
	if _, err := s.store.Get(ctx, substrate.SimConfigKey(sessionID)); err != nil {
		return nil, coreerr.NotFoundf("session %q", sessionID)
	}
	sub := s.fanout.subscribe(sessionID)

	var backfill []Frame
	entries, err := s.store.StreamRange(ctx, substrate.FramesStream(sessionID), "", 1000)
	if err == nil {
		for _, e := range entries {
			f, derr := decodeStreamFrame(e)
			if derr == nil && f.FrameIndex > fromFrame {
				backfill = append(backfill, f)
			}
		}
	}

	return &serviceSubscription{hub: s.fanout, sessionID: sessionID, sub: sub, backfill: backfill}, nil
}

type serviceSubscription struct {
	hub       *fanoutHub
	sessionID string
	sub       *frameSubscriber
	backfill  []Frame
}

func (s *serviceSubscription) Backfill() []Frame        { return s.backfill }
func (s *serviceSubscription) Frames() <-chan Frame     { return s.sub.ch }
func (s *serviceSubscription) Unsubscribe()             { s.hub.unsubscribe(s.sessionID, s.sub) }

// SendControl implements spec.md §4.2 send_control(). It only checks
// that the session's control loop runs on this node (NotFound otherwise)
// and enqueues msg; it never returns InvalidTransition, and the control
// loop applies every verb whatever the session's current state.
func (s *service) SendControl(ctx context.Context, sessionID string, msg ControlMessage) error {
	in, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	select {
	case in.control <- msg:
		return nil
	case <-ctx.Done():
		return coreerr.Wrap(coreerr.DeadlineExceeded, "send control", ctx.Err())
	}
}

func (s *service) lookup(sessionID string) (*instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[sessionID]
	if !ok {
		return nil, coreerr.NotFoundf("session %q", sessionID)
	}
	return in, nil
}

// NewNodeID generates a random node identity when NODE_ID is unset,
// matching the teacher's fallback for unset robot/client identifiers.
func NewNodeID() string {
	return uuid.NewString()
}
