// Package mujoco adapts the MuJoCo engine sidecar to simulation.Driver.
// MuJoCo itself is out of scope (spec.md §1); this package is the
// driver-interface boundary named there, nothing more.
package mujoco

import (
	"github.com/cosim-robotics/coreplane/internal/simulation"
	"github.com/cosim-robotics/coreplane/internal/simulation/drivers/sidecar"
)

// New returns a simulation.Driver backed by a local MuJoCo sidecar
// process listening at baseURL.
func New(baseURL string) simulation.Driver {
	return sidecar.New("mujoco", baseURL)
}
