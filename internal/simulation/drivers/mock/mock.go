// Package mock is a test/development physics Driver, mirroring the
// teacher's adapter/mock package: it lets the simulation service run
// end to end without a real MuJoCo or PyBullet process, generating a
// small deterministic cartpole-like state so control-loop and
// fan-out tests have something real to observe.
package mock

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cosim-robotics/coreplane/internal/simulation"
)

// Driver is a fully in-process simulation.Driver.
type Driver struct {
	mu      sync.Mutex
	handles map[*handle]struct{}
}

func NewDriver() *Driver {
	return &Driver{handles: make(map[*handle]struct{})}
}

type handle struct {
	modelRef string
	width    int
	height   int
	headless bool

	step    int64
	simTime float64
	theta   float64 // pole angle, the one "interesting" state variable
	omega   float64 // angular velocity
}

func (d *Driver) Load(_ context.Context, modelRef string, width, height int, headless bool) (simulation.Handle, error) {
	h := &handle{modelRef: modelRef, width: width, height: height, headless: headless}
	d.mu.Lock()
	d.handles[h] = struct{}{}
	d.mu.Unlock()
	return h, nil
}

func (d *Driver) Reset(_ context.Context, hv simulation.Handle) (simulation.EngineState, error) {
	h, err := d.cast(hv)
	if err != nil {
		return simulation.EngineState{}, err
	}
	h.step = 0
	h.simTime = 0
	h.theta = 0.05
	h.omega = 0
	return h.state(), nil
}

const dt = 1.0 / 240.0

// Step advances the pole one physics tick under a simplified inverted
// pendulum model, applying action[0] as a horizontal force on the cart.
func (d *Driver) Step(_ context.Context, hv simulation.Handle, action []float64) (simulation.EngineState, error) {
	h, err := d.cast(hv)
	if err != nil {
		return simulation.EngineState{}, err
	}
	force := 0.0
	if len(action) > 0 {
		force = action[0]
	}
	const gravity = 9.81
	angularAccel := gravity*math.Sin(h.theta) - force*math.Cos(h.theta)
	h.omega += angularAccel * dt
	h.theta += h.omega * dt
	h.step++
	h.simTime += dt
	return h.state(), nil
}

func (d *Driver) Render(_ context.Context, hv simulation.Handle) ([]byte, error) {
	h, err := d.cast(hv)
	if err != nil {
		return nil, err
	}
	// A minimal non-empty payload representing a rendered frame; real
	// drivers return engine-produced pixel buffers. Size is
	// deterministic so fan-out/backpressure tests are reproducible.
	size := h.width * h.height
	if size <= 0 {
		size = 1
	}
	buf := make([]byte, size%4096+1)
	buf[0] = byte(h.step % 256)
	return buf, nil
}

func (d *Driver) Dispose(_ context.Context, hv simulation.Handle) error {
	h, err := d.cast(hv)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.handles, h)
	d.mu.Unlock()
	return nil
}

func (d *Driver) cast(hv simulation.Handle) (*handle, error) {
	h, ok := hv.(*handle)
	if !ok {
		return nil, fmt.Errorf("mock driver: foreign handle")
	}
	return h, nil
}

func (h *handle) state() simulation.EngineState {
	return simulation.EngineState{
		SimTime: h.simTime,
		Vars: map[string]float64{
			"theta": h.theta,
			"omega": h.omega,
		},
	}
}
