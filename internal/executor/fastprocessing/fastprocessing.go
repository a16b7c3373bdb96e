// Package fastprocessing implements the fast_processing workflow (spec
// §4.5.2): a message-driven pipeline, not a stepping-loop executor. It
// subscribes to /topic/epictopic and /queue/panda.results.fastprocessing,
// slices every registered TF file into tf-slices rows plus slice
// messages for external transformers, and folds worker results back
// into run-state counters.
package fastprocessing

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

// Sender is the subset of *transport.Client this pipeline needs,
// narrowed to an interface so it can be exercised with a fake in tests.
type Sender interface {
	Send(destination string, body []byte, headers map[string]string) error
}

const (
	// EpicTopic carries lifecycle broadcasts this pipeline consumes.
	EpicTopic = "/topic/epictopic"
	// ResultsQueue carries worker results this pipeline consumes.
	ResultsQueue = "/queue/panda.results.fastprocessing"
	// WorkersTopic is where this pipeline rebroadcasts lifecycle events
	// for external workers.
	WorkersTopic = "/topic/panda.workers"
	// SlicesTopic is where TF slice work items are published.
	SlicesTopic = "/topic/panda.slices"

	tfsPerSTF = 1000
)

type params struct {
	slicesPerSample     int
	targetWorkerCount   int
	workerRampupTime    time.Duration
	workerRampdownTime  time.Duration
	sliceProcessingTime time.Duration
}

// Pipeline is the fast_processing executor. One instance per agent
// process; it is safe for concurrent Handle* calls because the broker
// transport already serializes delivery per destination and Pipeline
// guards its run context with a mutex.
type Pipeline struct {
	monitor   *monitorclient.Client
	broker    Sender
	logger    *logging.Logger
	namespace string

	// OnRunEnded is called once end_run processing completes, so the
	// owning agent can transition back to READY.
	OnRunEnded func()
	// OnRunStarted is called once start_run processing completes, so the
	// owning agent can transition to PROCESSING.
	OnRunStarted func()

	mu          sync.Mutex
	runID       int
	executionID string
	params      params

	tfFilesReceived    int
	slicesCreatedTotal int
	resultsDone        int
}

// New creates a Pipeline bound to a Monitor client, a broker client for
// outgoing worker/slice traffic, and the agent's namespace.
func New(monitor *monitorclient.Client, broker Sender, logger *logging.Logger, namespace string) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		monitor:   monitor,
		broker:    broker,
		logger:    logger,
		namespace: namespace,
		params:    params{slicesPerSample: 15, targetWorkerCount: 10, workerRampupTime: 30 * time.Second, workerRampdownTime: 30 * time.Second, sliceProcessingTime: 5 * time.Second},
	}
}

// Destinations lists the broker subscriptions this pipeline needs.
func (p *Pipeline) Destinations() []string {
	return []string{EpicTopic, ResultsQueue}
}

// ensureContext resets per-run counters and refetches workflow
// parameters when the observed (run_id, execution_id) pair changes,
// which also covers mid-run agent startup (spec §4.5.2).
func (p *Pipeline) ensureContext(ctx context.Context, runID int, executionID string) {
	p.mu.Lock()
	changed := runID != p.runID || executionID != p.executionID
	if changed {
		p.runID = runID
		p.executionID = executionID
		p.tfFilesReceived = 0
		p.slicesCreatedTotal = 0
		p.resultsDone = 0
	}
	p.mu.Unlock()

	if !changed || executionID == "" {
		return
	}

	exec, err := p.monitor.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		p.logger.Warn("failed to fetch workflow execution on context change", "execution_id", executionID, "error", err)
		return
	}
	p.applyParams(exec)
}

func (p *Pipeline) applyParams(exec *monitorclient.WorkflowExecutionDTO) {
	section, _ := exec.ParameterValues["fast_processing"].(map[string]any)
	pp := executor.Params(section)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params{
		slicesPerSample:     pp.Int("slices_per_sample", 15),
		targetWorkerCount:   pp.Int("target_worker_count", 10),
		workerRampupTime:    pp.Seconds("worker_rampup_time", 30*time.Second),
		workerRampdownTime:  pp.Seconds("worker_rampdown_time", 30*time.Second),
		sliceProcessingTime: pp.Seconds("slice_processing_time", 5*time.Second),
	}
}

// HandleRunImminent logs an audit event and rebroadcasts run_imminent to
// the external-worker topic with this workflow's worker-sizing params.
func (p *Pipeline) HandleRunImminent(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return fmt.Errorf("decoding run_imminent: %w", err)
	}
	p.ensureContext(ctx, env.RunID, env.ExecutionID)

	if err := p.monitor.PostSystemStateEvent(ctx, map[string]any{
		"namespace": p.namespace, "event": "run_imminent_observed", "run_id": env.RunID, "execution_id": env.ExecutionID,
	}); err != nil {
		p.logger.Warn("system-state-event log failed", "error", err)
	}

	p.mu.Lock()
	params := p.params
	p.mu.Unlock()

	return p.publish(WorkersTopic, events.TypeRunImminent, map[string]any{
		"run_id":                 env.RunID,
		"execution_id":           env.ExecutionID,
		"target_worker_count":    params.targetWorkerCount,
		"slice_processing_time":  params.sliceProcessingTime.Seconds(),
		"worker_rampup_time":     params.workerRampupTime.Seconds(),
		"worker_rampdown_time":   params.workerRampdownTime.Seconds(),
	}, nil)
}

// HandleStartRun marks run-state physics/running and signals the owning
// agent to move to PROCESSING.
func (p *Pipeline) HandleStartRun(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return fmt.Errorf("decoding start_run: %w", err)
	}
	p.ensureContext(ctx, env.RunID, env.ExecutionID)

	if err := p.monitor.PatchRunState(ctx, env.RunID, map[string]any{
		"phase": "physics", "state": "running", "substate": "physics",
	}); err != nil {
		p.logger.Warn("run-state patch failed on start_run", "error", err)
	}

	if p.OnRunStarted != nil {
		p.OnRunStarted()
	}
	return nil
}

type tfFileRegisteredPayload struct {
	core.MessageEnvelope
	TFFileID      int    `json:"tf_file_id"`
	TFFilename    string `json:"tf_filename"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	STFFilename   string `json:"stf_filename"`
	RunNumber     int    `json:"run_number"`
	Status        string `json:"status"`
}

// HandleTfFileRegistered slices the newly-registered STF file per
// _create_tf_slices (spec §4.5.2) and updates run-state counters.
func (p *Pipeline) HandleTfFileRegistered(ctx context.Context, f events.Frame) error {
	var payload tfFileRegisteredPayload
	if err := json.Unmarshal(f.Body, &payload); err != nil {
		return fmt.Errorf("decoding tf_file_registered: %w", err)
	}
	runID := payload.RunID
	if runID == 0 {
		runID = payload.RunNumber
	}
	p.ensureContext(ctx, runID, payload.ExecutionID)

	created := p.createTFSlices(ctx, runID, payload.STFFilename)

	p.mu.Lock()
	p.tfFilesReceived++
	p.slicesCreatedTotal += created
	p.mu.Unlock()

	p.incrementRunStateCounters(ctx, runID, created)
	return nil
}

func (p *Pipeline) createTFSlices(ctx context.Context, runID int, stfFilename string) int {
	p.mu.Lock()
	slicesPerSample := p.params.slicesPerSample
	p.mu.Unlock()
	if slicesPerSample <= 0 {
		slicesPerSample = 1
	}

	tfsPerSlice := tfsPerSTF / slicesPerSample
	base := strings.TrimSuffix(stfFilename, filepath.Ext(stfFilename))

	created := 0
	for i := 0; i < slicesPerSample; i++ {
		tfFirst := i * tfsPerSlice
		tfLast := (i+1)*tfsPerSlice - 1
		if i == slicesPerSample-1 {
			tfLast = tfsPerSTF - 1
		}
		tfCount := tfLast - tfFirst + 1
		tfFilename := fmt.Sprintf("%s_slice_%03d.tf", base, i)

		slice := monitorclient.TFSliceDTO{
			RunNumber:   runID,
			SliceID:     i,
			TFFirst:     tfFirst,
			TFLast:      tfLast,
			TFCount:     tfCount,
			TFFilename:  tfFilename,
			STFFilename: stfFilename,
			Status:      "queued",
		}
		if _, err := p.monitor.CreateTFSlice(ctx, slice); err != nil {
			p.logger.Warn("tf-slice creation failed, skipping its slice message", "slice_id", i, "error", err)
			continue
		}
		created++

		if err := p.publishSliceMessage(runID, i, tfFirst, tfLast, tfCount, tfFilename, stfFilename); err != nil {
			p.logger.Warn("slice message publish failed", "slice_id", i, "error", err)
		}
	}
	return created
}

func (p *Pipeline) publishSliceMessage(runID, sliceID, tfFirst, tfLast, tfCount int, tfFilename, stfFilename string) error {
	body, err := json.Marshal(map[string]any{
		"msg_type":  events.TypeSlice,
		"namespace": p.namespace,
		"timestamp": time.Now().UTC(),
		"content": map[string]any{
			"run_id":       runID,
			"execution_id": p.currentExecutionID(),
			"req_id":       uuid.NewString(),
			"filename":     stfFilename,
			"tf_filename":  tfFilename,
			"slice_id":     sliceID,
			"start":        tfFirst,
			"end":          tfLast,
			"tf_count":     tfCount,
			"state":        "queued",
			"substate":     "new",
		},
	})
	if err != nil {
		return err
	}
	return p.broker.Send(SlicesTopic, body, map[string]string{
		"persistent": "true",
		"ttl":        "43200000",
		"msg_type":   events.TypeSlice,
		"run_id":     fmt.Sprint(runID),
	})
}

func (p *Pipeline) incrementRunStateCounters(ctx context.Context, runID, slicesAdded int) {
	rs, err := p.monitor.GetRunState(ctx, runID)
	if err != nil {
		p.logger.Warn("run-state read failed, skipping counter update", "error", err)
		return
	}
	counters := rs.Counters
	if counters == nil {
		counters = map[string]int{}
	}
	counters["stf_samples_received"]++
	counters["slices_created"] += slicesAdded
	counters["slices_queued"] += slicesAdded

	if err := p.monitor.PatchRunState(ctx, runID, map[string]any{"counters": counters}); err != nil {
		p.logger.Warn("run-state counter patch failed", "error", err)
	}
}

// HandlePauseRun marks run-state substate=standby.
func (p *Pipeline) HandlePauseRun(ctx context.Context, f events.Frame) error {
	return p.patchSubstate(ctx, f, "standby")
}

// HandleResumeRun marks run-state substate=physics.
func (p *Pipeline) HandleResumeRun(ctx context.Context, f events.Frame) error {
	return p.patchSubstate(ctx, f, "physics")
}

func (p *Pipeline) patchSubstate(ctx context.Context, f events.Frame, substate string) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	p.ensureContext(ctx, env.RunID, env.ExecutionID)
	if err := p.monitor.PatchRunState(ctx, env.RunID, map[string]any{"substate": substate}); err != nil {
		p.logger.Warn("run-state substate patch failed", "substate", substate, "error", err)
	}
	return nil
}

// HandleEndRun finalizes run-state, rebroadcasts end_run to workers with
// totals, clears the per-run context, and signals the owning agent to
// return to READY.
func (p *Pipeline) HandleEndRun(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return fmt.Errorf("decoding end_run: %w", err)
	}
	p.ensureContext(ctx, env.RunID, env.ExecutionID)

	if err := p.monitor.PatchRunState(ctx, env.RunID, map[string]any{
		"phase": "completed", "state": "ended", "substate": nil,
	}); err != nil {
		p.logger.Warn("run-state finalize patch failed", "error", err)
	}

	p.mu.Lock()
	totalTF := p.tfFilesReceived
	totalSlices := p.slicesCreatedTotal
	totalResultsDone := p.resultsDone
	p.runID = 0
	p.executionID = ""
	p.mu.Unlock()

	if err := p.publish(WorkersTopic, events.TypeEndRun, map[string]any{
		"run_id":                  env.RunID,
		"execution_id":            env.ExecutionID,
		"total_tf_files_received": totalTF,
		"total_slices_created":    totalSlices,
		"results_done":            totalResultsDone,
	}, nil); err != nil {
		p.logger.Warn("end_run rebroadcast failed", "error", err)
	}

	if p.OnRunEnded != nil {
		p.OnRunEnded()
	}
	return nil
}

type sliceResultPayload struct {
	Content struct {
		Hostname         string `json:"hostname"`
		PandaTaskID      any    `json:"panda_task_id"`
		PandaID          any    `json:"panda_id"`
		HarvesterID      any    `json:"harvester_id"`
		ProcessingStartAt any   `json:"processing_start_at"`
		ProcessedAt      any    `json:"processed_at"`
		State            string `json:"state"`
		Result           struct {
			Result struct {
				SliceID    *int   `json:"slice_id"`
				TFFilename string `json:"tf_filename"`
				Processed  bool   `json:"processed"`
			} `json:"result"`
		} `json:"result"`
	} `json:"content"`
}

// HandleSliceResult ingests a worker's outcome for one slice. A missing
// slice_id is RunContextMissing (spec §7): logged at debug and dropped.
func (p *Pipeline) HandleSliceResult(ctx context.Context, f events.Frame) error {
	var payload sliceResultPayload
	if err := json.Unmarshal(f.Body, &payload); err != nil {
		return fmt.Errorf("decoding slice_result: %w", err)
	}

	sliceID := payload.Content.Result.Result.SliceID
	if sliceID == nil {
		p.logger.Debug("dropping slice_result with no extractable slice_id", "error", core.ErrRunContextMissing(""))
		return nil
	}

	p.mu.Lock()
	runID := p.runID
	p.mu.Unlock()

	slice, found, err := p.monitor.FindTFSlice(ctx, runID, *sliceID)
	if err != nil {
		p.logger.Warn("tf-slice lookup failed for slice_result", "slice_id", *sliceID, "error", err)
		return nil
	}
	if !found {
		p.logger.Debug("dropping slice_result for unknown slice", "slice_id", *sliceID)
		return nil
	}

	status := "failed"
	completed := payload.Content.State == "done" || payload.Content.Result.Result.Processed
	if completed {
		status = "completed"
	}

	fields := map[string]any{
		"status":       status,
		"processed_at": time.Now().UTC(),
		"metadata": map[string]any{
			"worker_hostname":     payload.Content.Hostname,
			"panda_task_id":       payload.Content.PandaTaskID,
			"panda_id":            payload.Content.PandaID,
			"harvester_id":        payload.Content.HarvesterID,
			"processing_start_at": payload.Content.ProcessingStartAt,
			"result":              payload.Content.Result,
		},
	}
	if err := p.monitor.PatchTFSlice(ctx, slice.ID, fields); err != nil {
		p.logger.Warn("tf-slice patch failed for slice_result", "slice_id", *sliceID, "error", err)
	}

	if completed {
		p.mu.Lock()
		p.resultsDone++
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipeline) currentExecutionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executionID
}

func (p *Pipeline) publish(destination, msgType string, fields map[string]any, headers map[string]string) error {
	envelope := map[string]any{
		"msg_type":  msgType,
		"namespace": p.namespace,
		"timestamp": time.Now().UTC(),
	}
	for k, v := range fields {
		envelope[k] = v
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return p.broker.Send(destination, body, headers)
}
