// Command example-data-agent runs a peripheral demo agent that observes
// the lifecycle broadcast from the data-taking side, standing in for a
// real upstream data handler (spec §9's peripheral-agent supplement;
// same template as example-processing-agent, grounded on
// original_source/example_agents/example_processing_agent.py, which
// describes itself as simulating "the role of the Processing Agent"
// rather than a distinct implementation per role).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/bootstrap"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/core"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor/demoagent"
)

const queue = "/queue/data_agent"

var (
	instanceName string
	namespace    string
	stateDir     string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "example-data-agent",
	Short: "Run the example Data Agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&instanceName, "instance-name", "example-data-agent", "heartbeat instance_name")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:    "STF_Data",
		InstanceName: instanceName,
		Namespace:    namespace,
		Description:  "example Data Agent",
		StateDir:     stateDir,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
	})
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}

	observer := demoagent.New(proc.Monitor, proc.Logger, namespace, instanceName)
	observer.OnRunStarted = func() { proc.Agent.SetState(ctx, core.StateProcessing) }
	observer.OnRunEnded = func() { proc.Agent.SetState(ctx, core.StateReady) }

	proc.Agent.RegisterHandler(queue, "run_imminent", observer.HandleRunImminent)
	proc.Agent.RegisterHandler(queue, "start_run", observer.HandleStartRun)
	proc.Agent.RegisterHandler(queue, "stf_ready", observer.HandleSTFReady)
	proc.Agent.RegisterHandler(queue, "end_run", observer.HandleEndRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		proc.Logger.Info("received shutdown signal")
		proc.Agent.Stop.Stop()
	}()

	return proc.Agent.Run(ctx)
}
