// Package useragentmgr implements the User Agent Manager (spec §4.6): a
// per-user daemon that listens on a user-scoped control queue and starts,
// stops, and reports on the other testbed agent processes via
// supervisord. Built on the same Base Agent runtime every other process
// in the testbed uses, with its heartbeat cadence sped up for faster MCP
// discovery.
package useragentmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/agent"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/config"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/supervisor"
)

// ControlQueue returns the user-scoped control destination for username.
func ControlQueue(username string) string {
	return "/queue/agent_control." + username
}

// programNames is the static agent-name-to-supervisord-program mapping
// (spec §4.6). Config keys are the [agents.<name>] sections; values are
// the supervisord program names they start.
var programNames = map[string]string{
	"data":            "example-data-agent",
	"processing":      "example-processing-agent",
	"fastmon":         "example-fastmon-agent",
	"fast_processing": "fast-processing-agent",
}

// Sender is the narrow broker-publish capability the manager needs to
// reply to status/ping requests.
type Sender interface {
	Send(destination string, body []byte, headers map[string]string) error
}

// Manager is the User Agent Manager daemon for one username.
type Manager struct {
	Agent *agent.Agent

	username   string
	configPath string
	sup        *supervisor.Controller
	broker     Sender

	// Restart is invoked by the restart command to respawn a fresh
	// manager process in a new session; nil disables the command
	// (tests don't want to exec anything).
	Restart func() error
}

// New creates a Manager and registers its handlers on agt.
func New(agt *agent.Agent, username, configPath string, sup *supervisor.Controller, broker Sender) *Manager {
	m := &Manager{Agent: agt, username: username, configPath: configPath, sup: sup, broker: broker}
	queue := ControlQueue(username)
	agt.RegisterHandler(queue, "start_testbed", m.handleStartTestbed)
	agt.RegisterHandler(queue, "stop_testbed", m.handleStopTestbed)
	agt.RegisterHandler(queue, "restart", m.handleRestart)
	agt.RegisterHandler(queue, "status", m.handleStatus)
	agt.RegisterHandler(queue, "ping", m.handlePing)
	return m
}

type startTestbedRequest struct {
	ConfigName string `json:"config_name"`
}

// handleStartTestbed loads the testbed TOML, determines which agents are
// enabled, and starts workflow-runner plus each enabled agent's
// supervisord program (spec §4.6).
func (m *Manager) handleStartTestbed(ctx context.Context, f events.Frame) error {
	var req startTestbedRequest
	if len(f.Body) > 0 {
		_ = json.Unmarshal(f.Body, &req)
	}

	path := m.configPath
	if req.ConfigName != "" {
		path = req.ConfigName
	}

	testbed, err := config.LoadTestbedConfig(path)
	if err != nil {
		m.Agent.Logger.Error("start_testbed: config load failed", "path", path, "error", err)
		return nil
	}

	if err := m.sup.StartProgram(ctx, "workflow-runner"); err != nil {
		m.Agent.Logger.Error("start_testbed: workflow-runner start failed", "error", err)
	}

	for name, cfg := range testbed.Agents {
		if !cfg.Enabled {
			continue
		}
		program, ok := programNames[name]
		if !ok {
			m.Agent.Logger.Warn("start_testbed: no supervisord program mapped for agent", "agent", name)
			continue
		}
		if err := m.sup.StartProgram(ctx, program); err != nil {
			m.Agent.Logger.Error("start_testbed: agent start failed", "agent", name, "program", program, "error", err)
		}
	}
	return nil
}

// handleStopTestbed stops every supervisord program. A failure is logged
// and otherwise ignored (spec §4.6).
func (m *Manager) handleStopTestbed(ctx context.Context, f events.Frame) error {
	if err := m.sup.StopAll(ctx); err != nil {
		m.Agent.Logger.Error("stop_testbed failed", "error", err)
	}
	return nil
}

// handleRestart stops everything, respawns a fresh manager process, and
// exits this one.
func (m *Manager) handleRestart(ctx context.Context, f events.Frame) error {
	if err := m.sup.StopAll(ctx); err != nil {
		m.Agent.Logger.Error("restart: stop_testbed failed", "error", err)
	}
	if m.Restart != nil {
		if err := m.Restart(); err != nil {
			m.Agent.Logger.Error("restart: respawn failed", "error", err)
			return nil
		}
	}
	m.Agent.Stop.Stop()
	return nil
}

type replyRequest struct {
	ReplyTo string `json:"reply_to"`
}

// handleStatus gathers supervisord status and replies JSON to reply_to.
func (m *Manager) handleStatus(ctx context.Context, f events.Frame) error {
	var req replyRequest
	_ = json.Unmarshal(f.Body, &req)
	if req.ReplyTo == "" {
		m.Agent.Logger.Warn("status request missing reply_to")
		return nil
	}

	status, err := m.sup.Status(ctx)
	if err != nil {
		m.Agent.Logger.Warn("supervisorctl status failed", "error", err)
	}

	body, err := json.Marshal(map[string]any{
		"username":  m.username,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding status reply: %w", err)
	}
	return m.broker.Send(req.ReplyTo, body, nil)
}

// handlePing replies {status:'alive', username, timestamp} to reply_to.
func (m *Manager) handlePing(ctx context.Context, f events.Frame) error {
	var req replyRequest
	_ = json.Unmarshal(f.Body, &req)
	if req.ReplyTo == "" {
		m.Agent.Logger.Warn("ping request missing reply_to")
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"status":    "alive",
		"username":  m.username,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding ping reply: %w", err)
	}
	return m.broker.Send(req.ReplyTo, body, nil)
}

// InstanceName is the agent_manager's heartbeat instance_name (spec
// §4.6: "agent-manager-<username>").
func InstanceName(username string) string {
	return "agent-manager-" + username
}
