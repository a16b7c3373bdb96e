// Package workflow implements the Workflow Runner agent (spec.md §4.4):
// it owns `/queue/workflow_control`, resolves a workflow's layered
// configuration, allocates an execution id, registers the workflow
// definition, creates the execution record, and drives the chosen
// executor to completion, honoring `stop_workflow` cooperatively. Built
// on top of the Base Agent runtime in internal/agent.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os/user"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/agent"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/config"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/control"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/simclock"
)

// ControlQueue is the Workflow Runner's command destination.
const ControlQueue = "/queue/workflow_control"

// Sender is the narrow broker-publish capability a run's broadcaster
// needs, matching transport.Client.Send's signature.
type Sender interface {
	Send(destination string, body []byte, headers map[string]string) error
}

// Runner drives workflow executions on behalf of one Base Agent. At most
// one execution runs at a time per Runner (spec §4.4.5's concurrency
// note): a second run_workflow while one is active is logged and
// dropped, matching the original's single-slot work channel.
type Runner struct {
	Agent *agent.Agent

	configDir string
	testbed   *config.TestbedConfig
	registry  *executor.Registry
	monitor   *monitorclient.Client
	broker    Sender
	username  string
	namespace string

	mu      sync.Mutex
	active  *activeRun
}

type activeRun struct {
	executionID  string
	workflowName string
	stop         *control.StopSwitch
	startedAt    time.Time
}

// Config configures a Runner.
type Config struct {
	ConfigDir string
	Testbed   *config.TestbedConfig
	Registry  *executor.Registry
	Namespace string
	Username  string // empty resolves to the OS user at New time
}

// New creates a Runner and registers its three handlers on agt.
func New(agt *agent.Agent, monitor *monitorclient.Client, broker Sender, cfg Config) *Runner {
	username := cfg.Username
	if username == "" {
		username = osUsername()
	}
	r := &Runner{
		Agent:     agt,
		configDir: cfg.ConfigDir,
		testbed:   cfg.Testbed,
		registry:  cfg.Registry,
		monitor:   monitor,
		broker:    broker,
		username:  username,
		namespace: cfg.Namespace,
	}
	agt.RegisterHandler(ControlQueue, events.TypeRunWorkflow, r.handleRunWorkflow)
	agt.RegisterHandler(ControlQueue, events.TypeStopWorkflow, r.handleStopWorkflow)
	agt.RegisterHandler(ControlQueue, events.TypeStatusRequest, r.handleStatusRequest)
	return r
}

func osUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

type runWorkflowRequest struct {
	WorkflowName string                    `json:"workflow_name"`
	ConfigName   string                    `json:"config"`
	Realtime     bool                      `json:"realtime"`
	Params       map[string]map[string]any `json:"params"`
}

// handleRunWorkflow is the run_workflow handler (spec §4.4). It refuses a
// second concurrent execution and otherwise starts the new one on its own
// goroutine so the dispatch loop is never blocked by a running workflow.
func (r *Runner) handleRunWorkflow(ctx context.Context, f events.Frame) error {
	var req runWorkflowRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		return fmt.Errorf("decoding run_workflow: %w", err)
	}
	if req.WorkflowName == "" {
		r.Agent.Logger.Error("run_workflow missing workflow_name")
		return nil
	}

	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		r.Agent.Logger.Warn("refusing run_workflow, another execution is active",
			"requested_workflow", req.WorkflowName, "active_execution_id", r.active.executionID)
		return nil
	}
	run := &activeRun{workflowName: req.WorkflowName, stop: control.New(), startedAt: time.Now().UTC()}
	r.active = run
	r.mu.Unlock()

	go r.execute(ctx, run, req)
	return nil
}

type stopWorkflowRequest struct {
	ExecutionID string `json:"execution_id"`
}

// handleStopWorkflow signals the active execution's cooperative stop
// switch. A mismatched or absent execution_id targets whatever is
// currently active, matching the single-slot-runner model.
func (r *Runner) handleStopWorkflow(ctx context.Context, f events.Frame) error {
	var req stopWorkflowRequest
	if len(f.Body) > 0 {
		_ = json.Unmarshal(f.Body, &req)
	}

	r.mu.Lock()
	run := r.active
	r.mu.Unlock()

	if run == nil {
		r.Agent.Logger.Info("stop_workflow received with no active execution")
		return nil
	}
	if req.ExecutionID != "" && req.ExecutionID != run.executionID {
		r.Agent.Logger.Warn("stop_workflow execution_id does not match active run",
			"requested", req.ExecutionID, "active", run.executionID)
		return nil
	}

	r.Agent.Logger.Info("stopping workflow execution", "execution_id", run.executionID)
	run.stop.Stop()
	return nil
}

// handleStatusRequest logs the Runner's current status (spec §4.4: "log
// current status").
func (r *Runner) handleStatusRequest(ctx context.Context, f events.Frame) error {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()

	if run == nil {
		r.Agent.Logger.Info("status_request: idle", "state", string(r.Agent.State()))
		return nil
	}
	r.Agent.Logger.Info("status_request: running",
		"state", string(r.Agent.State()),
		"execution_id", run.executionID,
		"workflow_name", run.workflowName,
		"running_since", run.startedAt)
	return nil
}

// execute resolves configuration, registers the definition, creates the
// execution record, and drives the executor to completion (spec
// §4.4.1-§4.4.5). It always clears r.active on return.
func (r *Runner) execute(ctx context.Context, run *activeRun, req runWorkflowRequest) {
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		r.Agent.SetState(ctx, core.StateReady)
	}()

	r.Agent.SetState(ctx, core.StateProcessing)
	logger := r.Agent.Logger.WithWorkflow(req.WorkflowName)

	cfg, err := config.LoadWorkflowConfig(r.configDir, req.WorkflowName, req.ConfigName, r.testbed, config.Sections(req.Params))
	if err != nil {
		logger.Error("config resolution failed, aborting run_workflow", "error", err)
		return
	}

	seq, err := r.allocateExecutionSequence(ctx, req.WorkflowName)
	if err != nil {
		logger.Error("execution id allocation failed, aborting run_workflow", "error", err)
		return
	}
	executionID := fmt.Sprintf("%s-%s-%04d", req.WorkflowName, r.username, seq)
	run.executionID = executionID
	logger = logger.WithExecution(executionID)

	if err := r.registerDefinition(ctx, cfg); err != nil {
		logger.Error("definition registration failed, aborting run_workflow", "error", err)
		return
	}

	if err := r.monitor.EnsureNamespace(ctx, r.namespace); err != nil {
		logger.Warn("ensure_namespace failed, continuing", "error", err)
	}

	if err := r.monitor.CreateWorkflowExecution(ctx, monitorclient.WorkflowExecutionDTO{
		ExecutionID:     executionID,
		WorkflowName:    req.WorkflowName,
		Namespace:       r.namespace,
		Status:          string(core.ExecutionRunning),
		ExecutedBy:      r.username,
		StartTime:       time.Now().UTC(),
		ParameterValues: parameterValues(cfg),
	}); err != nil {
		logger.Error("execution record creation failed, aborting run_workflow", "error", err)
		return
	}

	mode := simclock.Discrete
	if req.Realtime {
		mode = simclock.RealTime
	}

	rc := &executor.RunContext{
		Namespace:    r.namespace,
		ExecutionID:  executionID,
		WorkflowName: req.WorkflowName,
		Config:       cfg,
		Monitor:      r.monitor,
		Broadcast:    &runBroadcaster{sender: r.broker, namespace: r.namespace, executionID: executionID},
		Env:          simclock.New(mode, run.stop, nil),
		Logger:       logger,
	}

	exec, err := r.registry.New(req.WorkflowName)
	if err != nil {
		logger.Error("no executor registered for workflow", "error", err)
		return
	}
	if err := exec.Initialize(rc); err != nil {
		logger.Error("executor initialization failed, aborting run_workflow", "error", err)
		r.finish(ctx, executionID, core.ExecutionFailed)
		return
	}

	execErr := exec.Execute(ctx)
	switch {
	case execErr == control.ErrStopped:
		logger.Info("execution stopped by request")
		r.finish(ctx, executionID, core.ExecutionTerminated)
	case execErr != nil:
		logger.Error("executor failed", "error", execErr)
		r.finish(ctx, executionID, core.ExecutionFailed)
	default:
		logger.Info("execution completed")
		r.finish(ctx, executionID, core.ExecutionCompleted)
	}
}

func (r *Runner) finish(ctx context.Context, executionID string, status core.ExecutionStatus) {
	now := time.Now().UTC()
	if err := r.monitor.PatchWorkflowExecution(ctx, executionID, map[string]any{
		"status":   string(status),
		"end_time": now,
	}); err != nil {
		r.Agent.Logger.Warn("execution status patch failed", "execution_id", executionID, "status", status, "error", err)
	}
}

// allocateExecutionSequence implements spec §4.4.2: try the dedicated
// sequence endpoint first, fall back to counting existing executions,
// never fall back to randomness.
func (r *Runner) allocateExecutionSequence(ctx context.Context, workflowName string) (int, error) {
	seq, err := r.monitor.NextWorkflowExecutionID(ctx, workflowName)
	if err == nil {
		return seq, nil
	}
	count, countErr := r.monitor.CountWorkflowExecutions(ctx, workflowName)
	if countErr != nil {
		return 0, fmt.Errorf("sequence endpoint failed (%w) and execution count fallback failed (%v)", err, countErr)
	}
	return count + 1, nil
}

// registerDefinition implements spec §4.4.3: GET-then-conditionally-POST,
// reusing an existing definition without modification.
func (r *Runner) registerDefinition(ctx context.Context, cfg *config.WorkflowConfig) error {
	version := cfg.Version
	if version == "" {
		version = "1"
	}

	_, found, err := r.monitor.GetWorkflowDefinition(ctx, cfg.Name, version)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	_, err = r.monitor.CreateWorkflowDefinition(ctx, monitorclient.WorkflowDefinitionDTO{
		WorkflowName:    cfg.Name,
		Version:         version,
		WorkflowType:    "simulation",
		Definition:      definitionSource(cfg.Name),
		ParameterValues: parameterValues(cfg),
		CreatedBy:       r.username,
		CreatedAt:       time.Now().UTC(),
	})
	return err
}

// definitionSource stands in for the original's runtime-compiled source
// text: the registered executor implementation is a compiled Go type, not
// a text blob, so the definition field records which one drives this
// workflow name.
func definitionSource(workflowName string) string {
	return fmt.Sprintf("compiled executor registered under workflow name %q", workflowName)
}

func parameterValues(cfg *config.WorkflowConfig) map[string]any {
	values := map[string]any(cfg.Sections)
	if v := gitVersion(); v != "" {
		merged := make(map[string]any, len(values)+1)
		for k, val := range values {
			merged[k] = val
		}
		merged["git_version"] = v
		return merged
	}
	return values
}

func gitVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// runBroadcaster implements executor.Broadcaster for one execution: it
// injects the common envelope fields (namespace, execution_id, run_id,
// timestamp, simulation_tick) around the executor-supplied payload.
type runBroadcaster struct {
	sender      Sender
	namespace   string
	executionID string
}

func (b *runBroadcaster) Broadcast(ctx context.Context, destination, msgType string, runID int, fields map[string]any) error {
	body := make(map[string]any, len(fields)+5)
	for k, v := range fields {
		body[k] = v
	}
	body["msg_type"] = msgType
	body["namespace"] = b.namespace
	body["execution_id"] = b.executionID
	body["run_id"] = runID
	body["timestamp"] = time.Now().UTC()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s broadcast: %w", msgType, err)
	}
	return b.sender.Send(destination, data, map[string]string{
		"persistent": "false",
		"msg_type":   msgType,
		"namespace":  b.namespace,
		"run_id":     fmt.Sprint(runID),
	})
}
