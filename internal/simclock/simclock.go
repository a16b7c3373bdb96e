// Package simclock provides the Workflow Runner's simulation timebase
// (spec §4.4.5, §9). A workflow executor's SimPy-style generator has no
// direct Go equivalent; this package re-expresses it as a small event
// loop driven by a Clock: each dwell the executor's stepping loop wants
// to wait becomes one call to Wait, which either sleeps the wall clock
// (real-time mode, one simulated second per wall-clock second) or
// advances the simulated clock immediately (discrete-event mode, process
// events as fast as possible). Either way, Wait re-checks the stop
// switch at the boundary of the wait, which is what bounds
// stop_workflow's latency to one inter-event wait (spec §5).
package simclock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/control"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
)

// Mode selects how Wait advances the simulated clock.
type Mode int

const (
	// RealTime maps one simulated second to one wall-clock second.
	// Missed ticks continue rather than erroring (spec §4.4.5).
	RealTime Mode = iota
	// Discrete processes events as fast as possible; Wait returns
	// immediately after advancing the simulated clock.
	Discrete
)

// Env is the simulation environment one workflow execution runs against.
// It tracks elapsed simulated time and a monotonically increasing
// simulation_tick, the value carried on every broadcast (spec §6).
type Env struct {
	mode  Mode
	clock core.Clock
	stop  *control.StopSwitch

	elapsed time.Duration
	tick    int64
}

// New creates an Env in the given mode. stop is the cooperative stop
// switch the runner's stop_workflow handler triggers; clock is injected
// so real-time mode can be tested without wall-clock waits.
func New(mode Mode, stop *control.StopSwitch, clock core.Clock) *Env {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Env{mode: mode, clock: clock, stop: stop}
}

// Now returns elapsed simulated time since the Env was created.
func (e *Env) Now() time.Duration {
	return e.elapsed
}

// Tick returns the current simulation_tick, incremented once per Wait
// call regardless of mode.
func (e *Env) Tick() int64 {
	return atomic.LoadInt64(&e.tick)
}

// Wait advances the simulated clock by d, one simulation event. In
// RealTime mode it sleeps the wall clock for d (or until ctx is done or
// the stop switch fires, whichever comes first); in Discrete mode it
// returns immediately. It returns control.ErrStopped if the stop switch
// fired during the wait, ctx.Err() if the context was cancelled, and nil
// on an ordinary completed wait.
func (e *Env) Wait(ctx context.Context, d time.Duration) error {
	if err := e.stop.CheckStopped(); err != nil {
		return err
	}

	if e.mode == RealTime && d > 0 {
		select {
		case <-e.clock.After(d):
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop.Done():
			return control.ErrStopped
		}
	}

	e.elapsed += d
	atomic.AddInt64(&e.tick, 1)

	return e.stop.CheckStopped()
}

// Stopped reports whether the Env's stop switch has fired.
func (e *Env) Stopped() bool {
	return e.stop.Stopped()
}
