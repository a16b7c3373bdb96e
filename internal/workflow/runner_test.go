package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/agent"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(destination string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, destination)
	return nil
}

type headerCapturingSender struct {
	headers map[string]string
}

func (h *headerCapturingSender) Send(destination string, body []byte, headers map[string]string) error {
	h.headers = headers
	return nil
}

func TestRunBroadcaster_BroadcastSetsNamespaceAndRunIDHeaders(t *testing.T) {
	sender := &headerCapturingSender{}
	b := &runBroadcaster{sender: sender, namespace: "eic-test", executionID: "exec-1"}

	if err := b.Broadcast(context.Background(), "/topic/epictopic", events.TypeRunImminent, 42, nil); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	want := map[string]string{
		"persistent": "false",
		"msg_type":   events.TypeRunImminent,
		"namespace":  "eic-test",
		"run_id":     "42",
	}
	for k, v := range want {
		if got := sender.headers[k]; got != v {
			t.Errorf("header %q = %q, want %q", k, got, v)
		}
	}
}

// testExecutor lets each test control Initialize/Execute behavior
// directly, standing in for a real stepping-loop executor.
type testExecutor struct {
	initErr    error
	executeFn  func(ctx context.Context, rc *executor.RunContext) error
	rc         *executor.RunContext
}

func (e *testExecutor) Initialize(rc *executor.RunContext) error {
	e.rc = rc
	return e.initErr
}

func (e *testExecutor) Execute(ctx context.Context) error {
	if e.executeFn == nil {
		return nil
	}
	return e.executeFn(ctx, e.rc)
}

func writeWorkflowConfig(t *testing.T, dir, workflowName string) {
	t.Helper()
	content := "[workflow]\nname = \"" + workflowName + "\"\nversion = \"1\"\nincludes = []\n\n[demo]\nkey = \"value\"\n"
	if err := os.WriteFile(filepath.Join(dir, workflowName+"_default.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
}

type monitorState struct {
	mu               sync.Mutex
	patches          []map[string]any
	patchedCh        chan map[string]any
	executionCreates int
	definitionFound  bool
	sequenceFails    bool
	countFails       bool
}

func newTestMonitor(t *testing.T, st *monitorState) *monitorclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/state/next-workflow-execution-id/":
			if st.sequenceFails {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"sequence": 1})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/workflow-executions/") && strings.Contains(r.URL.RawQuery, "workflow_name"):
			if st.countFails {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode([]monitorclient.WorkflowExecutionDTO{})
		case r.Method == http.MethodGet && r.URL.Path == "/api/workflow-definitions/":
			if st.definitionFound {
				json.NewEncoder(w).Encode([]monitorclient.WorkflowDefinitionDTO{{WorkflowName: "test_wf", Version: "1"}})
				return
			}
			json.NewEncoder(w).Encode([]monitorclient.WorkflowDefinitionDTO{})
		case r.Method == http.MethodPost && r.URL.Path == "/api/workflow-definitions/":
			json.NewEncoder(w).Encode(monitorclient.WorkflowDefinitionDTO{})
		case r.Method == http.MethodPost && r.URL.Path == "/api/namespaces/":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/workflow-executions/":
			st.mu.Lock()
			st.executionCreates++
			st.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/api/workflow-executions/"):
			var fields map[string]any
			json.NewDecoder(r.Body).Decode(&fields)
			st.mu.Lock()
			st.patches = append(st.patches, fields)
			st.mu.Unlock()
			if st.patchedCh != nil {
				st.patchedCh <- fields
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return monitorclient.New(monitorclient.Config{BaseURL: srv.URL})
}

func newTestRunner(t *testing.T, monitor *monitorclient.Client, reg *executor.Registry) (*Runner, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	writeWorkflowConfig(t, dir, "test_wf")

	agt := agent.New(agent.Config{AgentType: "workflow-runner", InstanceName: "test-runner", Namespace: "ns1"}, nil, monitor, nil, logging.NewNop())
	sender := &fakeSender{}
	r := New(agt, monitor, sender, Config{
		ConfigDir: dir,
		Registry:  reg,
		Namespace: "ns1",
		Username:  "tester",
	})
	return r, sender
}

func runWorkflowFrame(workflowName string) events.Frame {
	body, _ := json.Marshal(runWorkflowRequest{WorkflowName: workflowName, ConfigName: "default"})
	return events.NewFrame(ControlQueue, events.TypeRunWorkflow, "ns1", body)
}

func TestRunner_HandleRunWorkflow_CompletesAndPatchesStatus(t *testing.T) {
	st := &monitorState{patchedCh: make(chan map[string]any, 4)}
	monitor := newTestMonitor(t, st)

	reg := executor.NewRegistry()
	reg.Register("test_wf", func() executor.Executor {
		return &testExecutor{executeFn: func(ctx context.Context, rc *executor.RunContext) error { return nil }}
	})

	r, _ := newTestRunner(t, monitor, reg)

	if err := r.handleRunWorkflow(context.Background(), runWorkflowFrame("test_wf")); err != nil {
		t.Fatalf("handleRunWorkflow() error = %v", err)
	}

	select {
	case fields := <-st.patchedCh:
		if fields["status"] != "completed" {
			t.Fatalf("status = %v, want completed", fields["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution status patch")
	}
}

func TestRunner_HandleRunWorkflow_StopWorkflowTerminates(t *testing.T) {
	st := &monitorState{patchedCh: make(chan map[string]any, 4)}
	monitor := newTestMonitor(t, st)

	reg := executor.NewRegistry()
	reg.Register("test_wf", func() executor.Executor {
		return &testExecutor{executeFn: func(ctx context.Context, rc *executor.RunContext) error {
			for {
				if err := rc.Env.Wait(ctx, 5*time.Millisecond); err != nil {
					return err
				}
			}
		}}
	})

	r, _ := newTestRunner(t, monitor, reg)

	if err := r.handleRunWorkflow(context.Background(), runWorkflowFrame("test_wf")); err != nil {
		t.Fatalf("handleRunWorkflow() error = %v", err)
	}

	// Give the goroutine a moment to register itself as active, then stop it.
	time.Sleep(20 * time.Millisecond)
	if err := r.handleStopWorkflow(context.Background(), events.NewFrame(ControlQueue, events.TypeStopWorkflow, "ns1", []byte("{}"))); err != nil {
		t.Fatalf("handleStopWorkflow() error = %v", err)
	}

	select {
	case fields := <-st.patchedCh:
		if fields["status"] != "terminated" {
			t.Fatalf("status = %v, want terminated", fields["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution status patch")
	}
}

func TestRunner_HandleRunWorkflow_RefusesConcurrentExecution(t *testing.T) {
	st := &monitorState{patchedCh: make(chan map[string]any, 4)}
	monitor := newTestMonitor(t, st)

	release := make(chan struct{})
	reg := executor.NewRegistry()
	reg.Register("test_wf", func() executor.Executor {
		return &testExecutor{executeFn: func(ctx context.Context, rc *executor.RunContext) error {
			<-release
			return nil
		}}
	})

	r, _ := newTestRunner(t, monitor, reg)

	if err := r.handleRunWorkflow(context.Background(), runWorkflowFrame("test_wf")); err != nil {
		t.Fatalf("first handleRunWorkflow() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the first run register as active

	if err := r.handleRunWorkflow(context.Background(), runWorkflowFrame("test_wf")); err != nil {
		t.Fatalf("second handleRunWorkflow() error = %v", err)
	}

	close(release)
	select {
	case <-st.patchedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first execution to finish")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.executionCreates != 1 {
		t.Fatalf("execution creates = %d, want 1 (second run_workflow must be dropped)", st.executionCreates)
	}
}

func TestRunner_Execute_AbortsWhenSequenceAllocationFails(t *testing.T) {
	st := &monitorState{sequenceFails: true, countFails: true, patchedCh: make(chan map[string]any, 4)}
	monitor := newTestMonitor(t, st)

	reg := executor.NewRegistry()
	reg.Register("test_wf", func() executor.Executor {
		return &testExecutor{}
	})

	r, _ := newTestRunner(t, monitor, reg)

	if err := r.handleRunWorkflow(context.Background(), runWorkflowFrame("test_wf")); err != nil {
		t.Fatalf("handleRunWorkflow() error = %v", err)
	}

	// Allow the goroutine to run and abort; then confirm no execution was
	// ever created and the runner is idle again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		idle := r.active == nil
		r.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.executionCreates != 0 {
		t.Fatalf("execution creates = %d, want 0 (abort before execution record)", st.executionCreates)
	}
}

