package control

import (
	"errors"
	"testing"
	"time"
)

func TestStopSwitch_StopIsIdempotentAndObservable(t *testing.T) {
	s := New()

	if s.Stopped() {
		t.Fatalf("expected not stopped initially")
	}
	if err := s.CheckStopped(); err != nil {
		t.Fatalf("expected nil error before stop, got %v", err)
	}

	s.Stop()
	s.Stop() // idempotent, must not panic on double-close

	if !s.Stopped() {
		t.Fatalf("expected stopped after Stop()")
	}
	if !errors.Is(s.CheckStopped(), ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop()")
	}

	select {
	case <-s.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("expected Done() channel to be closed")
	}
}
