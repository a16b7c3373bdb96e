package fastprocessing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	destination string
	body        []byte
	headers     map[string]string
}

func (f *fakeSender) Send(destination string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{destination: destination, body: body, headers: headers})
	return nil
}

func (f *fakeSender) count(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.destination == destination {
			n++
		}
	}
	return n
}

func newTestMonitor(t *testing.T, extra http.HandlerFunc) *monitorclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if extra != nil {
			extra(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return monitorclient.New(monitorclient.Config{BaseURL: srv.URL})
}

func TestPipeline_TfFileRegistered_CreatesExpectedSliceCount(t *testing.T) {
	createCount := 0
	monitor := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/tf-slices/":
			createCount++
			json.NewEncoder(w).Encode(monitorclient.TFSliceDTO{ID: createCount})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/run-states/"):
			json.NewEncoder(w).Encode(monitorclient.RunStateDTO{RunNumber: 1, Counters: map[string]int{}})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/workflow-executions/"):
			json.NewEncoder(w).Encode(monitorclient.WorkflowExecutionDTO{ExecutionID: "fast_processing-1"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	sender := &fakeSender{}
	p := New(monitor, sender, logging.NewNop(), "ns1")

	body, _ := json.Marshal(struct {
		core.MessageEnvelope
		STFFilename string `json:"stf_filename"`
		RunNumber   int    `json:"run_number"`
	}{
		MessageEnvelope: core.MessageEnvelope{MsgType: events.TypeTFFileRegistered, Namespace: "ns1", RunID: 1, ExecutionID: "fast_processing-1"},
		STFFilename:     "swf.1.000001.stf",
		RunNumber:       1,
	})

	f := events.NewFrame(EpicTopic, events.TypeTFFileRegistered, "ns1", body)
	if err := p.HandleTfFileRegistered(context.Background(), f); err != nil {
		t.Fatalf("HandleTfFileRegistered() error = %v", err)
	}

	if createCount != 15 {
		t.Fatalf("tf-slice create calls = %d, want 15 (default slices_per_sample)", createCount)
	}
	if got := sender.count(SlicesTopic); got != 15 {
		t.Fatalf("slice messages sent = %d, want 15", got)
	}
}

func TestPipeline_SliceResult_CompletedOnProcessedTrue(t *testing.T) {
	var patchedFields map[string]any
	monitor := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]monitorclient.TFSliceDTO{{ID: 7, RunNumber: 1, SliceID: 3}})
		case r.Method == http.MethodPatch:
			json.NewDecoder(r.Body).Decode(&patchedFields)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	p := New(monitor, &fakeSender{}, logging.NewNop(), "ns1")

	sliceID := 3
	payload := map[string]any{
		"content": map[string]any{
			"hostname": "worker-1",
			"state":    "done",
			"result": map[string]any{
				"result": map[string]any{
					"slice_id":  sliceID,
					"processed": true,
				},
			},
		},
	}
	body, _ := json.Marshal(payload)
	f := events.NewFrame(ResultsQueue, events.TypeSliceResult, "ns1", body)

	if err := p.HandleSliceResult(context.Background(), f); err != nil {
		t.Fatalf("HandleSliceResult() error = %v", err)
	}
	if patchedFields["status"] != "completed" {
		t.Fatalf("status = %v, want completed", patchedFields["status"])
	}
	if p.resultsDone != 1 {
		t.Fatalf("resultsDone = %d, want 1", p.resultsDone)
	}
}

func TestPipeline_SliceResult_DropsWhenSliceIDMissing(t *testing.T) {
	monitor := newTestMonitor(t, nil)
	p := New(monitor, &fakeSender{}, logging.NewNop(), "ns1")

	body, _ := json.Marshal(map[string]any{"content": map[string]any{"state": "done"}})
	f := events.NewFrame(ResultsQueue, events.TypeSliceResult, "ns1", body)

	if err := p.HandleSliceResult(context.Background(), f); err != nil {
		t.Fatalf("HandleSliceResult() error = %v, want nil (dropped)", err)
	}
}

func TestPipeline_EndRun_ClearsContextAndSignalsOnRunEnded(t *testing.T) {
	monitor := newTestMonitor(t, nil)
	sender := &fakeSender{}
	p := New(monitor, sender, logging.NewNop(), "ns1")

	ended := false
	p.OnRunEnded = func() { ended = true }

	body, _ := json.Marshal(core.MessageEnvelope{MsgType: events.TypeEndRun, Namespace: "ns1", RunID: 1, ExecutionID: "fast_processing-1"})
	f := events.NewFrame(EpicTopic, events.TypeEndRun, "ns1", body)

	if err := p.HandleEndRun(context.Background(), f); err != nil {
		t.Fatalf("HandleEndRun() error = %v", err)
	}
	if !ended {
		t.Fatal("OnRunEnded callback was not invoked")
	}
	if got := sender.count(WorkersTopic); got != 1 {
		t.Fatalf("end_run rebroadcast count = %d, want 1", got)
	}
}
