// Package executor defines the contract every workflow implementation
// satisfies and the registry that replaces dynamic source loading with a
// static lookup by workflow name (spec §9's "dynamic workflow code"
// design note: "a registry of compiled workflow implementations keyed by
// name"). Concrete executors live in the daq, fastprocessing, and
// fastmon subpackages; the Workflow Runner looks one up by workflow name
// and drives it through Initialize/Execute.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/config"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/simclock"
)

// Broadcaster publishes one lifecycle or data message to the broker.
// msgType and fields are merged with the common envelope (namespace,
// execution_id, run_id, timestamp, simulation_tick) by the caller
// (the Workflow Runner), so an executor only supplies its own payload.
type Broadcaster interface {
	Broadcast(ctx context.Context, destination, msgType string, runID int, fields map[string]any) error
}

// RunContext is everything an executor needs to drive one execution: the
// resolved configuration, a Monitor client for state/counters, a
// Broadcaster for outgoing messages, and the simulation timebase.
type RunContext struct {
	Namespace    string
	ExecutionID  string
	WorkflowName string
	Config       *config.WorkflowConfig
	Monitor      *monitorclient.Client
	Broadcast    Broadcaster
	Env          *simclock.Env
	Logger       *logging.Logger
}

// Executor is a compiled workflow implementation (spec §9). Initialize
// resolves its configuration section once; Execute runs the stepping
// loop to completion, to cooperative stop (returns control.ErrStopped),
// or to failure.
type Executor interface {
	Initialize(rc *RunContext) error
	Execute(ctx context.Context) error
}

// HandlerExecutor is the shape used by message-driven executors
// (fast-processing, fastmon) instead of a pure stepping loop: they
// register as agent.Handler callbacks and never block in Execute.
type HandlerExecutor interface {
	Executor
	// Destinations lists the broker destinations this executor needs
	// subscribed before it can run.
	Destinations() []string
}

// Factory constructs a fresh Executor instance for one execution. A new
// instance per run avoids any shared mutable state between concurrent
// or successive executions of the same workflow name.
type Factory func() Executor

// Registry maps workflow name to the Factory that builds its executor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a workflow name to a Factory. Re-registering the same
// name overwrites the previous binding, matching how a static program
// would simply have one definition per name.
func (r *Registry) Register(workflowName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[workflowName] = f
}

// New builds a fresh Executor for workflowName, or an error if no
// implementation is registered (spec's CodeUnknownWorkflow).
func (r *Registry) New(workflowName string) (Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[workflowName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for workflow %q", workflowName)
	}
	return f(), nil
}

// Names returns every registered workflow name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}
