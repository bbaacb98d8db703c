// Package sidecar is the shared HTTP-adapter base for physics-engine
// drivers. MuJoCo and PyBullet are Python libraries; rather than cgo
// bindings, each runs as a small per-node sidecar process exposing a
// REST API, and this driver talks to it the way the teacher's
// adapter.RESTAdapter talks to a robot's onboard REST API: load/reset
// /step/render/dispose become POST/GET calls with a bounded client
// timeout. Engine internals are out of scope (spec.md §1); this is
// strictly the driver-interface boundary named there.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cosim-robotics/coreplane/internal/simulation"
)

// Driver adapts simulation.Driver to a sidecar's REST surface.
type Driver struct {
	engineName string
	baseURL    string
	client     *http.Client
}

// New builds a sidecar driver. engineName is purely for logging/error
// messages ("mujoco" or "pybullet").
func New(engineName, baseURL string) *Driver {
	return &Driver{
		engineName: engineName,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

type sidecarHandle struct {
	id string
}

type loadRequest struct {
	ModelRef string `json:"model_ref"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Headless bool   `json:"headless"`
}

type loadResponse struct {
	HandleID string `json:"handle_id"`
}

func (d *Driver) Load(ctx context.Context, modelRef string, width, height int, headless bool) (simulation.Handle, error) {
	var resp loadResponse
	if err := d.post(ctx, "/load", loadRequest{ModelRef: modelRef, Width: width, Height: height, Headless: headless}, &resp); err != nil {
		return nil, fmt.Errorf("%s sidecar load: %w", d.engineName, err)
	}
	return &sidecarHandle{id: resp.HandleID}, nil
}

type stateResponse struct {
	SimTime float64            `json:"sim_time"`
	Vars    map[string]float64 `json:"vars"`
}

func (r stateResponse) toEngineState() simulation.EngineState {
	return simulation.EngineState{SimTime: r.SimTime, Vars: r.Vars}
}

func (d *Driver) Reset(ctx context.Context, hv simulation.Handle) (simulation.EngineState, error) {
	h, err := d.cast(hv)
	if err != nil {
		return simulation.EngineState{}, err
	}
	var resp stateResponse
	if err := d.post(ctx, "/handles/"+h.id+"/reset", nil, &resp); err != nil {
		return simulation.EngineState{}, fmt.Errorf("%s sidecar reset: %w", d.engineName, err)
	}
	return resp.toEngineState(), nil
}

type stepRequest struct {
	Action []float64 `json:"action"`
}

func (d *Driver) Step(ctx context.Context, hv simulation.Handle, action []float64) (simulation.EngineState, error) {
	h, err := d.cast(hv)
	if err != nil {
		return simulation.EngineState{}, err
	}
	var resp stateResponse
	if err := d.post(ctx, "/handles/"+h.id+"/step", stepRequest{Action: action}, &resp); err != nil {
		return simulation.EngineState{}, fmt.Errorf("%s sidecar step: %w", d.engineName, err)
	}
	return resp.toEngineState(), nil
}

func (d *Driver) Render(ctx context.Context, hv simulation.Handle) ([]byte, error) {
	h, err := d.cast(hv)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/handles/"+h.id+"/render", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s sidecar render: %w", d.engineName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s sidecar render: status %d: %s", d.engineName, resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}

func (d *Driver) Dispose(ctx context.Context, hv simulation.Handle) error {
	h, err := d.cast(hv)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/handles/"+h.id, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s sidecar dispose: %w", d.engineName, err)
	}
	defer resp.Body.Close()
	return nil
}

func (d *Driver) cast(hv simulation.Handle) (*sidecarHandle, error) {
	h, ok := hv.(*sidecarHandle)
	if !ok {
		return nil, fmt.Errorf("%s sidecar: foreign handle", d.engineName)
	}
	return h, nil
}

func (d *Driver) post(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
