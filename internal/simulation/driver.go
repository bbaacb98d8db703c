package simulation

import "context"

// EngineState is what Reset/Step return: the minimal observable state
// of the underlying physics world after advancing it one step.
type EngineState struct {
	SimTime float64
	Vars    map[string]float64
}

// Driver is the minimal capability set the simulation service depends
// on, generalizing the teacher's adapter.RobotAdapter (an adapter
// pattern over heterogeneous robots) to an adapter over heterogeneous
// physics engines: MuJoCo, PyBullet, or a mock for tests. Implementers
// live under internal/simulation/drivers/*; the engines themselves are
// out of scope (spec.md §1) — these are thin process-boundary shims.
type Driver interface {
	Load(ctx context.Context, modelRef string, width, height int, headless bool) (Handle, error)
	Reset(ctx context.Context, h Handle) (EngineState, error)
	Step(ctx context.Context, h Handle, action []float64) (EngineState, error)
	Render(ctx context.Context, h Handle) ([]byte, error)
	Dispose(ctx context.Context, h Handle) error
}

// Handle is an opaque reference to a loaded engine instance. It is
// exclusively owned by the control-loop goroutine (spec.md §9); no
// other package should retain one.
type Handle interface{}
