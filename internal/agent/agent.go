// Package agent implements the Base Agent runtime shared by every process
// in the testbed (spec §4.3): connect to the broker and the Monitor,
// publish heartbeats on a fixed interval, track an operational-state
// lifecycle, and dispatch incoming broker frames to handlers registered by
// destination and msg_type. The Workflow Runner, the Fast-Processing
// agent, the User Agent Manager, and every peripheral example agent embed
// an *Agent rather than reimplementing this plumbing.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/control"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/outbox"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/transport"
)

// Handler processes one dispatched frame. Returning an error only logs;
// it never stops the dispatch loop or the agent (spec §4.3: a bad message
// degrades that one handler, not the process).
type Handler func(ctx context.Context, f events.Frame) error

// Config configures a Base Agent instance.
type Config struct {
	AgentType    string
	InstanceName string
	Namespace    string
	Description  string

	// HeartbeatInterval overrides the default heartbeat period
	// (core.HeartbeatInterval). The User Agent Manager sets this to
	// core.ManagerHeartbeatInterval for faster MCP discovery (spec §4.6).
	HeartbeatInterval time.Duration
}

// Agent is the runtime every testbed process embeds: a broker connection,
// a Monitor client, a durable outbox for best-effort calls that fail, a
// cooperative stop switch, and a registry of (destination, msg_type)
// handlers invoked off a single dispatch loop.
type Agent struct {
	cfg Config

	Broker  *transport.Client
	Monitor *monitorclient.Client
	Outbox  *outbox.Outbox
	Stop    *control.StopSwitch
	Logger  *logging.Logger

	stateMu sync.RWMutex
	state   core.OperationalState

	handlersMu sync.RWMutex
	handlers   map[string]map[string]Handler // destination -> msg_type -> Handler

	subscribed map[string]bool
}

// New wires an Agent around an already-dialed broker client, a Monitor
// client, and an outbox. The caller is responsible for Dial-ing the
// broker and Open-ing the outbox first, since both can fail in ways the
// process must decide how to handle (spec §4.3's startup sequence).
func New(cfg Config, broker *transport.Client, monitor *monitorclient.Client, ob *outbox.Outbox, logger *logging.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = core.HeartbeatInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Agent{
		cfg:        cfg,
		Broker:     broker,
		Monitor:    monitor,
		Outbox:     ob,
		Stop:       control.New(),
		Logger:     logger.WithAgent(cfg.InstanceName),
		state:      core.StateInit,
		handlers:   make(map[string]map[string]Handler),
		subscribed: make(map[string]bool),
	}
}

// RegisterHandler binds a handler for one (destination, msg_type) pair.
// Must be called before Run subscribes to destinations.
func (a *Agent) RegisterHandler(destination, msgType string, h Handler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	if a.handlers[destination] == nil {
		a.handlers[destination] = make(map[string]Handler)
	}
	a.handlers[destination][msgType] = h
}

// State returns the agent's current operational state.
func (a *Agent) State() core.OperationalState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

// SetState transitions the agent's operational state and immediately
// publishes a heartbeat reflecting it, per spec §4.3's lifecycle diagram
// (INIT -> READY -> PROCESSING -> WARNING -> EXITED).
func (a *Agent) SetState(ctx context.Context, s core.OperationalState) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
	a.heartbeatOnce(ctx)
}

// Run subscribes to every destination with a registered handler, starts
// the heartbeat publisher and the dispatch loop, and blocks until ctx is
// done or Stop is called. It always leaves the agent in StateExited.
func (a *Agent) Run(ctx context.Context) error {
	a.SetState(ctx, core.StateInit)

	a.handlersMu.RLock()
	destinations := make([]string, 0, len(a.handlers))
	for d := range a.handlers {
		destinations = append(destinations, d)
	}
	a.handlersMu.RUnlock()

	for _, d := range destinations {
		if err := a.Broker.Subscribe(d); err != nil {
			return fmt.Errorf("subscribing to %s: %w", d, err)
		}
		a.subscribed[d] = true
	}

	a.SetState(ctx, core.StateReady)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.dispatchLoop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-a.Stop.Done():
	}
	wg.Wait()

	a.SetState(context.Background(), core.StateExited)
	return nil
}

// dispatchLoop is the single goroutine that ever reads off the broker's
// event bus, so handler code never races the STOMP library's own reader
// goroutine (spec §9). It drains the priority lane (control-queue
// commands) ahead of the regular lane on every iteration so a burst of
// broadcast traffic can never starve run_workflow/stop_workflow.
func (a *Agent) dispatchLoop(ctx context.Context) {
	bus := a.Broker.Bus()
	priority := bus.SubscribePriority()
	regular := bus.Subscribe()
	defer bus.Unsubscribe(priority)
	defer bus.Unsubscribe(regular)

	for {
		// Drain the priority lane first, non-blocking, so a queued
		// control command is never left behind a broadcast picked up
		// by the blocking select below.
		select {
		case ev, ok := <-priority:
			if !ok {
				return
			}
			a.dispatchEvent(ctx, ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-a.Stop.Done():
			return
		case ev, ok := <-priority:
			if !ok {
				return
			}
			a.dispatchEvent(ctx, ev)
		case ev, ok := <-regular:
			if !ok {
				return
			}
			a.dispatchEvent(ctx, ev)
		}
	}
}

// dispatchEvent unwraps the bus event back into the (destination, body)
// pair dispatch needs; anything that isn't a MessageEvent is ignored.
func (a *Agent) dispatchEvent(ctx context.Context, ev events.Event) {
	me, ok := ev.(events.MessageEvent)
	if !ok {
		return
	}
	a.dispatch(ctx, transport.Message{Destination: me.Destination, Body: me.Body})
}

func (a *Agent) dispatch(ctx context.Context, msg transport.Message) {
	var envelope core.MessageEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		a.Logger.Warn("dropping message that failed to decode", "destination", msg.Destination, "error", err)
		return
	}

	if envelope.Namespace != "" && a.cfg.Namespace != "" && envelope.Namespace != a.cfg.Namespace {
		a.Logger.Debug("dropping message for another namespace", "want", a.cfg.Namespace, "got", envelope.Namespace)
		_ = core.ErrNamespaceMismatch(a.cfg.Namespace, envelope.Namespace)
		return
	}

	a.handlersMu.RLock()
	h, ok := a.handlers[msg.Destination][envelope.MsgType]
	a.handlersMu.RUnlock()
	if !ok {
		a.Logger.Warn("no handler for msg_type", "destination", msg.Destination, "msg_type", envelope.MsgType)
		return
	}

	frame := events.NewFrame(msg.Destination, envelope.MsgType, envelope.Namespace, msg.Body)
	if err := h(ctx, frame); err != nil {
		a.Logger.Error("handler returned error", "destination", msg.Destination, "msg_type", envelope.MsgType, "error", err)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Stop.Done():
			return
		case <-ticker.C:
			a.heartbeatOnce(ctx)
		}
	}
}

func (a *Agent) heartbeatOnce(ctx context.Context) {
	instance := core.AgentInstance{
		AgentType:        a.cfg.AgentType,
		InstanceName:     a.cfg.InstanceName,
		PID:              os.Getpid(),
		Hostname:         hostname(),
		Namespace:        a.cfg.Namespace,
		OperationalState: a.State(),
		Description:      a.cfg.Description,
		MQConnected:      a.Broker != nil,
		LastHeartbeatAt:  time.Now().UTC(),
	}

	if a.Monitor == nil {
		return
	}
	if err := a.Monitor.Heartbeat(ctx, instance); err != nil {
		a.Logger.Warn("heartbeat failed, queuing to outbox", "error", err)
		if a.Outbox != nil {
			if qerr := a.Outbox.Enqueue(ctx, "POST", "systemagents/heartbeat/", instance); qerr != nil {
				a.Logger.Error("failed to queue heartbeat to outbox", "error", qerr)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
