// Package control provides the cooperative stop mechanism that lets a
// Workflow Runner honor `stop_workflow` without a hard kill (spec §4.4.5,
// §5's cancellation model).
package control

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by CheckStopped once Stop has been called. The
// simulation driver treats it as a request to end the stepping loop and
// mark the execution "terminated", not as a failure.
var ErrStopped = errors.New("workflow stopped by request")

// StopSwitch is checked by the simulation driver between events. Setting
// it does not interrupt an in-flight event; the driver observes it at the
// next iteration of the stepping loop, bounding stop latency by the
// inter-event wait (§5).
type StopSwitch struct {
	mu        sync.RWMutex
	stopped   atomic.Bool
	stoppedCh chan struct{}
}

// New creates a StopSwitch in the running state.
func New() *StopSwitch {
	return &StopSwitch{stoppedCh: make(chan struct{})}
}

// Stop requests a cooperative stop. Idempotent.
func (s *StopSwitch) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped.Load() {
		s.stopped.Store(true)
		close(s.stoppedCh)
	}
}

// Stopped reports whether Stop has been called.
func (s *StopSwitch) Stopped() bool {
	return s.stopped.Load()
}

// Done returns a channel closed once Stop has been called, for use in a
// select alongside the driver's per-event wait.
func (s *StopSwitch) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stoppedCh
}

// CheckStopped returns ErrStopped once Stop has been called, nil otherwise.
func (s *StopSwitch) CheckStopped() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	return nil
}
