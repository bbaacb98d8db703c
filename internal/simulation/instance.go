package simulation

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// instance is a session's live control loop. It owns the Driver Handle;
// other goroutines talk to it only through the control and exec
// channels, mirroring the teacher's single-goroutine-per-robot FSM
// (robot.Manager owns one robot.FSM per robot, accessed only through its
// command channel) generalized to one physics engine per session. The
// one exception is an exec job: runSandboxed drives the Handle from a
// worker goroutine while the control loop blocks waiting for it.
type instance struct {
	session Session
	driver  Driver
	handle  Handle

	store  substrate.Store
	fanout *fanoutHub
	logger *zap.Logger

	control chan ControlMessage
	execReq chan execJob
	stop    chan struct{}
	done    chan struct{}

	// execBusy guards the session's single user-code slot for the
	// entire duration of an execution, not just until the control loop
	// picks the job off execReq. 0 is idle, 1 is in flight; tryAcquireExec
	// CASes it and run() clears it only once runSandboxed has returned
	// and the result has been published (spec.md §8 invariant 3).
	execBusy int32

	lastAction []float64
	lastState  EngineState
	wallClock  time.Duration
	ringSize   int64
}

// tryAcquireExec claims the execution slot, returning false if an
// execution is already in flight.
func (in *instance) tryAcquireExec() bool {
	return atomic.CompareAndSwapInt32(&in.execBusy, 0, 1)
}

func (in *instance) releaseExec() {
	atomic.StoreInt32(&in.execBusy, 0)
}

type execJob struct {
	req    ExecutionRequest
	result chan ExecutionResult
}

func newInstance(session Session, driver Driver, handle Handle, store substrate.Store, fanout *fanoutHub, wallClock time.Duration, ringSize int64, logger *zap.Logger) *instance {
	if ringSize <= 0 {
		ringSize = 64
	}
	return &instance{
		session:   session,
		driver:    driver,
		handle:    handle,
		store:     store,
		fanout:    fanout,
		logger:    logger,
		wallClock: wallClock,
		ringSize:  ringSize,
		control:   make(chan ControlMessage, 16),
		execReq:   make(chan execJob, 1), // spec.md §4.2: a session has a single user-code slot
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// run is the control loop body, started in its own goroutine by
// Service.Create once the session's lease is won. It steps the engine
// at the session's configured FPS while State is running, applies
// control messages and exec jobs in between steps, and persists a
// snapshot after every successful reset or step issued by the loop
// itself so a fresh node can resume after a crash. Steps taken by an
// exec job are not persisted until the loop's next step or reset.
func (in *instance) run(ctx context.Context) {
	defer close(in.done)

	state := StateCreated
	degraded := false
	var frameIndex int64
	fps := in.session.FPS
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(tickInterval(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stop:
			return

		case msg := <-in.control:
			switch msg.Verb {
			case ControlPlay:
				state = StateRunning
			case ControlPause:
				state = StatePaused
			case ControlReset:
				if es, err := in.driver.Reset(ctx, in.handle); err != nil {
					in.logger.Warn("reset failed", zap.String("session_id", in.session.ID), zap.Error(err))
					degraded = true
				} else {
					degraded = false
					frameIndex = 0
					in.lastState = es
					in.persistState(ctx, state, degraded, frameIndex, es)
				}
			case ControlStep:
				in.lastAction = msg.Action
				if es, err := in.driver.Step(ctx, in.handle, msg.Action); err != nil {
					in.logger.Warn("step failed", zap.String("session_id", in.session.ID), zap.Error(err))
					degraded = true
				} else {
					frameIndex++
					in.lastState = es
					in.renderAndPublish(ctx, frameIndex, es)
					in.persistState(ctx, state, degraded, frameIndex, es)
				}
			case ControlSetFPS:
				if msg.FPS > 0 {
					fps = msg.FPS
					ticker.Reset(tickInterval(fps))
				}
			}

		case job := <-in.execReq:
			res := runSandboxed(ctx, in, job.req)
			if res.Status == ExecError {
				degraded = true
			}
			in.publishExecResult(ctx, res)
			in.releaseExec()
			select {
			case job.result <- res:
			default:
			}

		case <-ticker.C:
			if state != StateRunning {
				continue
			}
			es, err := in.driver.Step(ctx, in.handle, in.lastAction)
			if err != nil {
				in.logger.Warn("autostep failed", zap.String("session_id", in.session.ID), zap.Error(err))
				degraded = true
				continue
			}
			frameIndex++
			in.lastState = es
			in.renderAndPublish(ctx, frameIndex, es)
			in.persistState(ctx, state, degraded, frameIndex, es)
		}
	}
}

func tickInterval(fps int) time.Duration {
	return time.Second / time.Duration(fps)
}

func (in *instance) renderAndPublish(ctx context.Context, frameIndex int64, es EngineState) {
	img, err := in.driver.Render(ctx, in.handle)
	if err != nil {
		in.logger.Warn("render failed", zap.String("session_id", in.session.ID), zap.Error(err))
		return
	}
	if len(img) == 0 {
		return
	}
	frame := Frame{
		SessionID:  in.session.ID,
		FrameIndex: frameIndex,
		SimTime:    es.SimTime,
		ProducedAt: time.Now(),
		Image:      img,
	}
	if err := in.fanout.publish(ctx, in.session.ID, frame); err != nil {
		in.logger.Warn("frame publish failed", zap.String("session_id", in.session.ID), zap.Error(err))
	}
	values := map[string]any{
		"session_id":  frame.SessionID,
		"frame_index": frame.FrameIndex,
		"sim_time":    frame.SimTime,
		"image":       frame.Image,
	}
	if err := in.store.StreamAdd(ctx, substrate.FramesStream(in.session.ID), in.ringSize, values); err != nil {
		in.logger.Warn("frame ring append failed", zap.String("session_id", in.session.ID), zap.Error(err))
	}
}

func (in *instance) persistState(ctx context.Context, state State, degraded bool, frameIndex int64, es EngineState) {
	snap := Snapshot{
		SessionID:  in.session.ID,
		State:      state,
		Degraded:   degraded,
		FrameIndex: frameIndex,
		SimTime:    es.SimTime,
		EngineVars: es.Vars,
	}
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return
	}
	_ = in.store.Set(ctx, substrate.SimStateKey(in.session.ID), payload, 0)
}

func (in *instance) publishExecResult(ctx context.Context, res ExecutionResult) {
	payload, err := encodeExecResult(res)
	if err != nil {
		return
	}
	_ = in.store.Publish(ctx, substrate.ExecChannel(in.session.ID), payload)
}
