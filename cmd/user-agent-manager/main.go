// Command user-agent-manager runs the User Agent Manager (spec §4.6): a
// per-user daemon on /queue/agent_control.<username> that starts, stops,
// and reports on the testbed's other agent processes via supervisord.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/bootstrap"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/supervisor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/useragentmgr"
)

var (
	namespace        string
	supervisorConfig string
	testbedConfig    string
	stateDir         string
	logLevel         string
	logFormat        string
)

var rootCmd = &cobra.Command{
	Use:   "user-agent-manager",
	Short: "Run the User Agent Manager daemon",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace")
	rootCmd.Flags().StringVar(&supervisorConfig, "supervisor-config", "", "supervisord config path passed to supervisorctl -c")
	rootCmd.Flags().StringVar(&testbedConfig, "testbed-config", "configs/testbed.toml", "default testbed TOML path for start_testbed")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	username := osUsername()
	instanceName := useragentmgr.InstanceName(username)

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:         "Agent_Manager",
		InstanceName:      instanceName,
		Namespace:         namespace,
		Description:       "User Agent Manager",
		HeartbeatInterval: core.ManagerHeartbeatInterval,
		StateDir:          stateDir,
		LogLevel:          logLevel,
		LogFormat:         logFormat,
	})
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}

	sup := supervisor.New(supervisorConfig)
	mgr := useragentmgr.New(proc.Agent, username, testbedConfig, sup, proc.Broker)
	mgr.Restart = func() error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving own executable: %w", err)
		}
		c := exec.Command(exe, os.Args[1:]...)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		proc.Logger.Info("received shutdown signal")
		proc.Agent.Stop.Stop()
	}()

	return proc.Agent.Run(ctx)
}

func osUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
