// Command fast-processing-agent runs the fast_processing pipeline (spec
// §4.5.2) as a message-driven peripheral agent: it slices every
// registered TF file and folds worker results back into run state.
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
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor/fastprocessing"
)

var (
	instanceName string
	namespace    string
	stateDir     string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "fast-processing-agent",
	Short: "Run the Fast-Processing agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&instanceName, "instance-name", "fast-processing-agent", "heartbeat instance_name")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:    "Fast_Processing",
		InstanceName: instanceName,
		Namespace:    namespace,
		Description:  "Fast-Processing agent",
		StateDir:     stateDir,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
	})
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}

	pipeline := fastprocessing.New(proc.Monitor, proc.Broker, proc.Logger, namespace)
	pipeline.OnRunStarted = func() { proc.Agent.SetState(ctx, core.StateProcessing) }
	pipeline.OnRunEnded = func() { proc.Agent.SetState(ctx, core.StateReady) }

	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypeRunImminent, pipeline.HandleRunImminent)
	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypeStartRun, pipeline.HandleStartRun)
	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypeTFFileRegistered, pipeline.HandleTfFileRegistered)
	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypePauseRun, pipeline.HandlePauseRun)
	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypeResumeRun, pipeline.HandleResumeRun)
	proc.Agent.RegisterHandler(fastprocessing.EpicTopic, events.TypeEndRun, pipeline.HandleEndRun)
	proc.Agent.RegisterHandler(fastprocessing.ResultsQueue, events.TypeSliceResult, pipeline.HandleSliceResult)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		proc.Logger.Info("received shutdown signal")
		proc.Agent.Stop.Stop()
	}()

	return proc.Agent.Run(ctx)
}
