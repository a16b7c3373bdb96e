package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/transport"
)

func TestAgent_SetStateTransitions(t *testing.T) {
	a := New(Config{AgentType: "workflow_runner", InstanceName: "wr-1", Namespace: "ns1"}, nil, nil, nil, logging.NewNop())

	if a.State() != core.StateInit {
		t.Fatalf("initial state = %v, want INIT", a.State())
	}
	a.SetState(context.Background(), core.StateReady)
	if a.State() != core.StateReady {
		t.Fatalf("state = %v, want READY", a.State())
	}
}

func TestAgent_DispatchInvokesRegisteredHandler(t *testing.T) {
	a := New(Config{AgentType: "workflow_runner", InstanceName: "wr-1", Namespace: "ns1"}, nil, nil, nil, logging.NewNop())

	received := make(chan events.Frame, 1)
	a.RegisterHandler("/queue/workflow_control", events.TypeRunWorkflow, func(ctx context.Context, f events.Frame) error {
		received <- f
		return nil
	})

	body, _ := json.Marshal(core.MessageEnvelope{MsgType: events.TypeRunWorkflow, Namespace: "ns1"})
	a.dispatch(context.Background(), transport.Message{Destination: "/queue/workflow_control", Body: body})

	select {
	case f := <-received:
		if f.MsgType != events.TypeRunWorkflow {
			t.Fatalf("MsgType = %q, want %q", f.MsgType, events.TypeRunWorkflow)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestAgent_DispatchDropsMismatchedNamespace(t *testing.T) {
	a := New(Config{AgentType: "workflow_runner", InstanceName: "wr-1", Namespace: "ns1"}, nil, nil, nil, logging.NewNop())

	invoked := false
	a.RegisterHandler("/queue/workflow_control", events.TypeRunWorkflow, func(ctx context.Context, f events.Frame) error {
		invoked = true
		return nil
	})

	body, _ := json.Marshal(core.MessageEnvelope{MsgType: events.TypeRunWorkflow, Namespace: "other-ns"})
	a.dispatch(context.Background(), transport.Message{Destination: "/queue/workflow_control", Body: body})

	if invoked {
		t.Fatal("handler should not run for a mismatched namespace")
	}
}

func TestAgent_DispatchIgnoresUnknownMsgType(t *testing.T) {
	a := New(Config{AgentType: "workflow_runner", InstanceName: "wr-1", Namespace: "ns1"}, nil, nil, nil, logging.NewNop())

	body, _ := json.Marshal(core.MessageEnvelope{MsgType: "unknown_type", Namespace: "ns1"})
	// Should not panic even with no handlers registered at all.
	a.dispatch(context.Background(), transport.Message{Destination: "/queue/workflow_control", Body: body})
}

func TestAgent_DispatchDropsUndecodableBody(t *testing.T) {
	a := New(Config{AgentType: "workflow_runner", InstanceName: "wr-1", Namespace: "ns1"}, nil, nil, nil, logging.NewNop())
	a.dispatch(context.Background(), transport.Message{Destination: "/queue/workflow_control", Body: []byte("not json")})
}
