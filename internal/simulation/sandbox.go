package simulation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Simulation is the capability object handed to user-submitted code
// (spec.md §9): Reset/Step/GetState and nothing else — no filesystem,
// no network, no host process spawning. It is a thin façade that calls
// the owning instance's driver directly, from runSandboxed's worker
// goroutine, while the control loop waits for the job to finish.
type Simulation interface {
	Reset(ctx context.Context) (EngineState, error)
	Step(ctx context.Context, action []float64) (EngineState, error)
	GetState(ctx context.Context) (EngineState, error)
}

type instanceSimulation struct {
	in *instance
}

func (s *instanceSimulation) Reset(ctx context.Context) (EngineState, error) {
	es, err := s.in.driver.Reset(ctx, s.in.handle)
	if err == nil {
		s.in.lastState = es
	}
	return es, err
}

func (s *instanceSimulation) Step(ctx context.Context, action []float64) (EngineState, error) {
	es, err := s.in.driver.Step(ctx, s.in.handle, action)
	if err == nil {
		s.in.lastAction = action
		s.in.lastState = es
	}
	return es, err
}

// GetState returns the most recently observed state without advancing
// the engine — sandboxed code must be able to inspect state freely
// without that inspection itself counting as a physics step.
func (s *instanceSimulation) GetState(_ context.Context) (EngineState, error) {
	return s.in.lastState, nil
}

// runSandboxed parses req.Code as a small restricted instruction set —
// one verb per line, no arbitrary host execution — and runs it against
// the owning instance's Simulation capability on a deadline-bound
// worker goroutine so a pathological script (infinite loop in its own
// interpretation) cannot wedge the control loop past the wall-clock
// budget.
func runSandboxed(ctx context.Context, in *instance, req ExecutionRequest) ExecutionResult {
	deadline := in.wallClock
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		stdout string
		err    error
	}
	done := make(chan outcome, 1)
	sim := &instanceSimulation{in: in}

	go func() {
		out, err := interpret(execCtx, sim, req.Code)
		done <- outcome{stdout: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return ExecutionResult{Status: ExecError, Stdout: o.stdout, Error: o.err.Error(), FinishedAt: time.Now()}
		}
		return ExecutionResult{Status: ExecSuccess, Stdout: o.stdout, FinishedAt: time.Now()}
	case <-execCtx.Done():
		return ExecutionResult{Status: ExecError, Error: "execution exceeded wall clock budget", FinishedAt: time.Now()}
	}
}

// interpret runs one instruction per non-empty line:
//
//	reset
//	step <a0> <a1> ...
//	get_state
//
// Lines starting with # are comments and are skipped.
// Anything else is a syntax error — there is deliberately no
// arithmetic, no loop, no variable: user code only ever drives the
// Simulation capability, never the host.
func interpret(ctx context.Context, sim Simulation, code string) (string, error) {
	var out strings.Builder
	for lineNo, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		verb := fields[0]
		switch verb {
		case "reset":
			es, err := sim.Reset(ctx)
			if err != nil {
				return out.String(), fmt.Errorf("line %d: reset: %w", lineNo+1, err)
			}
			fmt.Fprintf(&out, "reset sim_time=%.4f\n", es.SimTime)
		case "step":
			action, err := parseFloats(fields[1:])
			if err != nil {
				return out.String(), fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			es, err := sim.Step(ctx, action)
			if err != nil {
				return out.String(), fmt.Errorf("line %d: step: %w", lineNo+1, err)
			}
			fmt.Fprintf(&out, "step sim_time=%.4f\n", es.SimTime)
		case "get_state":
			es, err := sim.GetState(ctx)
			if err != nil {
				return out.String(), fmt.Errorf("line %d: get_state: %w", lineNo+1, err)
			}
			fmt.Fprintf(&out, "state sim_time=%.4f vars=%v\n", es.SimTime, es.Vars)
		default:
			return out.String(), fmt.Errorf("line %d: unknown instruction %q", lineNo+1, verb)
		}
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
	}
	return out.String(), nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad numeric argument %q", f)
		}
		out[i] = v
	}
	return out, nil
}
