// Command example-processing-agent runs a peripheral demo agent that
// observes the lifecycle broadcast and reports status, standing in for
// a real downstream consumer of processed data (spec §9's
// peripheral-agent supplement; grounded on
// original_source/example_agents/example_processing_agent.py).
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

const queue = "/queue/processing_agent"

var (
	instanceName string
	namespace    string
	stateDir     string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "example-processing-agent",
	Short: "Run the example Processing Agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&instanceName, "instance-name", "example-processing-agent", "heartbeat instance_name")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:    "STF_Processing",
		InstanceName: instanceName,
		Namespace:    namespace,
		Description:  "example Processing Agent",
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
