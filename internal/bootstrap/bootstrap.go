// Package bootstrap is the shared process startup sequence every cmd
// binary runs: dial the broker, build the Monitor client, open the local
// outbox, and wire a Base Agent around them (spec §4.3's startup
// sequence, §6's environment variables).
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/agent"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/logging"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/monitorclient"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/outbox"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/transport"
)

// Process bundles the pieces every agent process needs after startup.
type Process struct {
	Broker  *transport.Client
	Monitor *monitorclient.Client
	Outbox  *outbox.Outbox
	Logger  *logging.Logger
	Agent   *agent.Agent
}

// Options configures one process's startup.
type Options struct {
	AgentType    string
	InstanceName string
	Namespace    string
	Description  string

	// HeartbeatInterval overrides the Base Agent's default (60s); zero
	// keeps the default.
	HeartbeatInterval time.Duration

	// StateDir is where this instance's outbox database lives.
	StateDir string

	LogLevel  string
	LogFormat string
}

// Start dials the broker, builds the Monitor client and outbox, and
// wires an *agent.Agent, in the order spec §4.3 expects: broker first
// (fatal on exhaustion), then Monitor/outbox (soft dependencies).
func Start(ctx context.Context, opts Options) (*Process, error) {
	logger := logging.New(logging.Config{Level: opts.LogLevel, Format: opts.LogFormat}).WithAgent(opts.InstanceName)

	broker, err := transport.Dial(ctx, transport.ConfigFromEnv(), logger)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	monitor := monitorclient.New(monitorclient.ConfigFromEnv())

	dbPath := filepath.Join(opts.StateDir, opts.InstanceName+"-outbox.db")
	ob, err := outbox.Open(dbPath, func(ctx context.Context, method, path string, body []byte) error {
		return monitor.RawCall(ctx, method, path, body)
	})
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}

	agt := agent.New(agent.Config{
		AgentType:         opts.AgentType,
		InstanceName:      opts.InstanceName,
		Namespace:         opts.Namespace,
		Description:       opts.Description,
		HeartbeatInterval: opts.HeartbeatInterval,
	}, broker, monitor, ob, logger)

	return &Process{Broker: broker, Monitor: monitor, Outbox: ob, Logger: logger, Agent: agt}, nil
}
