package monitorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "test-token"})
}

func TestHeartbeat_SendsAuthHeader(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.Heartbeat(context.Background(), instanceFixture()); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if gotAuth != "Token test-token" {
		t.Fatalf("Authorization header = %q, want %q", gotAuth, "Token test-token")
	}
}

func TestHeartbeat_FailureIsBestEffort(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Heartbeat(context.Background(), instanceFixture())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDo_RateLimitedCallsBlockUntilContextDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	c.limiter = resilience.NewRateLimiter(resilience.RateLimiterConfig{MaxTokens: 1, RefillRate: 0.001})

	if err := c.Heartbeat(context.Background(), instanceFixture()); err != nil {
		t.Fatalf("first Heartbeat() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Heartbeat(ctx, instanceFixture()); err == nil {
		t.Fatal("expected second Heartbeat() to block on an exhausted bucket and return a context error")
	}
}

func TestGetWorkflowDefinition_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	})

	def, found, err := c.GetWorkflowDefinition(context.Background(), "stf_datataking", "0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected not found, got %+v", def)
	}
}

func TestGetWorkflowDefinition_FoundPaginated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []WorkflowDefinitionDTO{{WorkflowName: "stf_datataking", Version: "0.1"}},
		})
	})

	def, found, err := c.GetWorkflowDefinition(context.Background(), "stf_datataking", "0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected found")
	}
	if def.WorkflowName != "stf_datataking" {
		t.Fatalf("WorkflowName = %q", def.WorkflowName)
	}
}

func TestNextWorkflowExecutionID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sequence": 7})
	})

	seq, err := c.NextWorkflowExecutionID(context.Background(), "stf_datataking")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 7 {
		t.Fatalf("sequence = %d, want 7", seq)
	}
}

func TestFindTFSlice_BareListResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]TFSliceDTO{{ID: 42, RunNumber: 100, SliceID: 2}})
	})

	slice, found, err := c.FindTFSlice(context.Background(), 100, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || slice.ID != 42 {
		t.Fatalf("expected slice id 42, got %+v found=%v", slice, found)
	}
}

func instanceFixture() core.AgentInstance {
	return core.AgentInstance{AgentType: "workflow_runner", InstanceName: "workflow_runner-agent-1"}
}
