package simulation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/simulation/drivers/mock"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

func newTestService(t *testing.T) (*service, substrate.Store) {
	t.Helper()
	store := substrate.NewMemStore()
	drivers := func(Engine) (Driver, error) { return mock.NewDriver(), nil }
	svc := NewService(store, drivers, Config{
		NodeID:            "node-test",
		LeaseTTL:          500 * time.Millisecond,
		LeaseRenewEvery:   100 * time.Millisecond,
		FrameBackpressure: 4,
		ExecWallClock:     time.Second,
		FrameRingSize:     16,
	}, zap.NewNop())
	return svc.(*service), store
}

func TestService_CreateThenGetStateThenDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	session := Session{ID: "s1", Engine: EngineMuJoCo, ModelRef: "cartpole", Width: 64, Height: 64, FPS: 30}

	if err := svc.Create(ctx, session); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.Create(ctx, session); coreerr.KindOf(err) != coreerr.AlreadyExists {
		t.Fatalf("expected AlreadyExists on duplicate create, got %v", err)
	}

	if err := svc.SendControl(ctx, "s1", ControlMessage{Verb: ControlPlay}); err != nil {
		t.Fatalf("send_control play failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // let the control loop step a few frames

	snap, err := svc.GetState(ctx, "s1")
	if err != nil {
		t.Fatalf("get_state failed: %v", err)
	}
	if snap.FrameIndex <= 0 {
		t.Fatalf("expected frame_index to have advanced while running, got %d", snap.FrameIndex)
	}

	if err := svc.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := svc.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete must be idempotent, got: %v", err)
	}

	if _, err := svc.GetState(ctx, "s1"); coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestService_CreateRejectsNonPositiveFPS(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Create(context.Background(), Session{ID: "s2", Engine: EngineMuJoCo, FPS: 0})
	if coreerr.KindOf(err) != coreerr.InvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

// blockingDriver is a Driver whose Step doesn't return until the test
// says so, letting a test put a real Execute genuinely in flight on the
// control-loop goroutine instead of faking the busy state by hand.
type blockingDriver struct {
	release chan struct{}
	entered chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{release: make(chan struct{}), entered: make(chan struct{}, 1)}
}

func (d *blockingDriver) Load(context.Context, string, int, int, bool) (Handle, error) { return struct{}{}, nil }
func (d *blockingDriver) Reset(context.Context, Handle) (EngineState, error)            { return EngineState{}, nil }

func (d *blockingDriver) Step(ctx context.Context, _ Handle, _ []float64) (EngineState, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return EngineState{}, nil
}

func (d *blockingDriver) Render(context.Context, Handle) ([]byte, error) { return []byte{0}, nil }
func (d *blockingDriver) Dispose(context.Context, Handle) error          { return nil }

// TestService_ExecuteWhileBusyReturnsBusy starts a genuinely slow
// execute (a "step" instruction whose underlying driver call blocks
// until released) and asserts a concurrent Execute against the same
// session observes Busy while the first one is actually running,
// exercising the real concurrent path rather than a hand-filled channel
// buffer (spec.md §8 invariant 3, §9 scenario 4).
func TestService_ExecuteWhileBusyReturnsBusy(t *testing.T) {
	store := substrate.NewMemStore()
	driver := newBlockingDriver()
	drivers := func(Engine) (Driver, error) { return driver, nil }
	svc := NewService(store, drivers, Config{
		NodeID:            "node-test",
		LeaseTTL:          500 * time.Millisecond,
		LeaseRenewEvery:   100 * time.Millisecond,
		FrameBackpressure: 4,
		ExecWallClock:     5 * time.Second,
		FrameRingSize:     16,
	}, zap.NewNop())

	ctx := context.Background()
	session := Session{ID: "s3", Engine: EnginePyBullet, FPS: 30}
	if err := svc.Create(ctx, session); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	firstDone := make(chan ExecutionResult, 1)
	go func() {
		res, err := svc.Execute(ctx, "s3", ExecutionRequest{Code: "step 1.0"})
		if err != nil {
			t.Errorf("first execute failed: %v", err)
			return
		}
		firstDone <- res
	}()

	select {
	case <-driver.entered:
	case <-time.After(time.Second):
		t.Fatal("first execute never reached the blocking driver call")
	}

	_, err := svc.Execute(ctx, "s3", ExecutionRequest{Code: "reset"})
	if coreerr.KindOf(err) != coreerr.Busy {
		t.Fatalf("expected Busy while first execute is in flight, got %v", err)
	}

	close(driver.release)
	select {
	case res := <-firstDone:
		if res.Status != ExecSuccess {
			t.Fatalf("expected first execute to succeed once unblocked, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("first execute never completed after release")
	}

	if _, err := svc.Execute(ctx, "s3", ExecutionRequest{Code: "reset"}); err != nil {
		t.Fatalf("expected slot to be free again after first execute completed, got %v", err)
	}
}

func TestService_SendControlUnknownSessionIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.SendControl(context.Background(), "missing", ControlMessage{Verb: ControlPlay})
	if coreerr.KindOf(err) != coreerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
