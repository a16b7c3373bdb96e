package useragentmgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/agent"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/supervisor"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []struct {
		destination string
		body        []byte
	}
}

func (f *fakeSender) Send(destination string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		destination string
		body        []byte
	}{destination, body})
	return nil
}

func newTestManager(t *testing.T, testbedTOML string) (*Manager, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "testbed.toml")
	if err := os.WriteFile(path, []byte(testbedTOML), 0o644); err != nil {
		t.Fatalf("writing testbed config: %v", err)
	}

	agt := agent.New(agent.Config{AgentType: "agent_manager", InstanceName: InstanceName("alice"), Namespace: "ns1"},
		nil, monitorclient.New(monitorclient.Config{BaseURL: "http://127.0.0.1:0"}), nil, logging.NewNop())
	sender := &fakeSender{}
	// supervisorctl is not installed in the test environment; commands
	// are expected to fail and be logged, never to panic or propagate.
	m := New(agt, "alice", path, supervisor.New(""), sender)
	return m, sender
}

func TestManager_HandlePing_RepliesAlive(t *testing.T) {
	m, sender := newTestManager(t, "[testbed]\nnamespace = \"ns1\"\n")

	body, _ := json.Marshal(replyRequest{ReplyTo: "/temp-queue/reply-1"})
	if err := m.handlePing(context.Background(), events.NewFrame(ControlQueue("alice"), "ping", "ns1", body)); err != nil {
		t.Fatalf("handlePing() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sender.sent))
	}
	if sender.sent[0].destination != "/temp-queue/reply-1" {
		t.Fatalf("reply destination = %q, want /temp-queue/reply-1", sender.sent[0].destination)
	}
	var reply map[string]any
	if err := json.Unmarshal(sender.sent[0].body, &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if reply["status"] != "alive" || reply["username"] != "alice" {
		t.Fatalf("reply = %v, want status=alive username=alice", reply)
	}
}

func TestManager_HandlePing_DropsWithoutReplyTo(t *testing.T) {
	m, sender := newTestManager(t, "[testbed]\nnamespace = \"ns1\"\n")

	if err := m.handlePing(context.Background(), events.NewFrame(ControlQueue("alice"), "ping", "ns1", []byte("{}"))); err != nil {
		t.Fatalf("handlePing() error = %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 0 {
		t.Fatalf("sent messages = %d, want 0 (dropped)", len(sender.sent))
	}
}

func TestManager_HandleStartTestbed_SkipsUnmappedAndDisabledAgents(t *testing.T) {
	m, _ := newTestManager(t, `[testbed]
namespace = "ns1"

[agents.data]
enabled = true

[agents.processing]
enabled = false

[agents.unknown_agent]
enabled = true
`)

	body, _ := json.Marshal(startTestbedRequest{})
	// supervisorctl isn't installed in this environment, so every start
	// call fails; handleStartTestbed must log and return nil regardless.
	if err := m.handleStartTestbed(context.Background(), events.NewFrame(ControlQueue("alice"), "start_testbed", "ns1", body)); err != nil {
		t.Fatalf("handleStartTestbed() error = %v", err)
	}
}

func TestManager_HandleStopTestbed_NeverReturnsError(t *testing.T) {
	m, _ := newTestManager(t, "[testbed]\nnamespace = \"ns1\"\n")
	if err := m.handleStopTestbed(context.Background(), events.NewFrame(ControlQueue("alice"), "stop_testbed", "ns1", nil)); err != nil {
		t.Fatalf("handleStopTestbed() error = %v, want nil (best-effort)", err)
	}
}

func TestManager_HandleRestart_StopsSwitch(t *testing.T) {
	m, _ := newTestManager(t, "[testbed]\nnamespace = \"ns1\"\n")
	restarted := false
	m.Restart = func() error { restarted = true; return nil }

	if err := m.handleRestart(context.Background(), events.NewFrame(ControlQueue("alice"), "restart", "ns1", nil)); err != nil {
		t.Fatalf("handleRestart() error = %v", err)
	}
	if !restarted {
		t.Fatal("Restart callback was not invoked")
	}
	if !m.Agent.Stop.Stopped() {
		t.Fatal("expected agent's StopSwitch to be stopped after restart")
	}
}
