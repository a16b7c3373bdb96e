// Package demoagent implements the generic peripheral agent template
// shown by original_source/example_agents/example_processing_agent.py:
// a consumer of the lifecycle broadcast that tracks run context, flips
// the owning agent between READY/PROCESSING, and reports final status
// through the Monitor's system-state-event log (spec §9's
// peripheral-agent supplement). The User Agent Manager's "data" and
// "processing" supervisord programs are both instances of this agent,
// distinguished only by instance name and subscription queue, matching
// how the original script described itself as simulating "the role of
// the Processing Agent" rather than a bespoke implementation per role.
package demoagent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
)

// Observer tracks one run's lifecycle on behalf of a peripheral agent
// that has no real processing work of its own in this testbed.
type Observer struct {
	monitor   *monitorclient.Client
	logger    *logging.Logger
	namespace string
	agentName string

	// OnRunStarted/OnRunEnded let the owning agent drive its own
	// operational-state transitions (spec §4.3).
	OnRunStarted func()
	OnRunEnded   func()

	mu          sync.Mutex
	runID       int
	executionID string
	stfsSeen    int
}

// New creates an Observer bound to a Monitor client and namespace.
func New(monitor *monitorclient.Client, logger *logging.Logger, namespace, agentName string) *Observer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Observer{monitor: monitor, logger: logger, namespace: namespace, agentName: agentName}
}

// HandleRunImminent just logs the upcoming run; no monitor call needed.
func (o *Observer) HandleRunImminent(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return err
	}
	o.setRun(env.RunID, env.ExecutionID)
	o.logger.Info("run imminent", "run_id", env.RunID, "execution_id", env.ExecutionID)
	return nil
}

// HandleStartRun marks the agent processing, mirroring set_processing()
// in the original script.
func (o *Observer) HandleStartRun(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return err
	}
	o.setRun(env.RunID, env.ExecutionID)
	if o.OnRunStarted != nil {
		o.OnRunStarted()
	}
	o.logger.Info("ready to process data for run", "run_id", env.RunID)
	return nil
}

type stfPayload struct {
	core.MessageEnvelope
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// HandleSTFReady counts the observed STF and logs it, mirroring
// handle_stf_ready's role in the original script (it has no monitor
// resource of its own to patch: the FastMon/TF-slice records already
// cover file-level tracking in this testbed).
func (o *Observer) HandleSTFReady(ctx context.Context, f events.Frame) error {
	var payload stfPayload
	if err := json.Unmarshal(f.Body, &payload); err != nil {
		return err
	}
	o.mu.Lock()
	o.stfsSeen++
	seen := o.stfsSeen
	o.mu.Unlock()
	o.logger.Info("observed STF data", "filename", payload.Filename, "size_bytes", payload.SizeBytes, "stfs_seen", seen)
	return nil
}

// HandleEndRun reports final status via a system-state-event and resets
// for the next run, mirroring handle_end_run's report_agent_status call.
func (o *Observer) HandleEndRun(ctx context.Context, f events.Frame) error {
	var env core.MessageEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return err
	}

	o.mu.Lock()
	seen := o.stfsSeen
	o.runID = 0
	o.executionID = ""
	o.stfsSeen = 0
	o.mu.Unlock()

	if err := o.monitor.PostSystemStateEvent(ctx, map[string]any{
		"namespace": o.namespace, "event": "processing_complete", "agent": o.agentName,
		"run_id": env.RunID, "stfs_seen": seen,
	}); err != nil {
		o.logger.Warn("system-state-event log failed", "error", err)
	}

	if o.OnRunEnded != nil {
		o.OnRunEnded()
	}
	o.logger.Info("processing complete for run, waiting for next run", "run_id", env.RunID)
	return nil
}

func (o *Observer) setRun(runID int, executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = runID
	o.executionID = executionID
}
