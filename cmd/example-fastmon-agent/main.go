// Command example-fastmon-agent runs the Fast-Monitoring sampler: it
// consumes stf_gen/stf_ready broadcasts, samples Time Frames out of each
// Super Time Frame, and rebroadcasts tf_file_registered for
// Fast-Processing to slice (spec §9's peripheral-agent supplement).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/bootstrap"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/events"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor/fastmon"
)

var (
	instanceName      string
	namespace         string
	stateDir          string
	logLevel          string
	logFormat         string
	selectionFraction float64
	tfFilesPerSTF     int
	tfSizeFraction    float64
)

var rootCmd = &cobra.Command{
	Use:   "example-fastmon-agent",
	Short: "Run the Fast-Monitoring sampler agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	def := fastmon.DefaultConfig()
	rootCmd.Flags().StringVar(&instanceName, "instance-name", "example-fastmon-agent", "heartbeat instance_name")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
	rootCmd.Flags().Float64Var(&selectionFraction, "selection-fraction", def.SelectionFraction, "fraction of candidate TF files kept per STF")
	rootCmd.Flags().IntVar(&tfFilesPerSTF, "tf-files-per-stf", def.TFFilesPerSTF, "candidate TF files sampled per STF")
	rootCmd.Flags().Float64Var(&tfSizeFraction, "tf-size-fraction", def.TFSizeFraction, "fraction of the STF size assigned to each kept TF file")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:    "Fast_Monitoring",
		InstanceName: instanceName,
		Namespace:    namespace,
		Description:  "Fast-Monitoring sampler agent",
		StateDir:     stateDir,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
	})
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}

	cfg := fastmon.DefaultConfig()
	cfg.SelectionFraction = selectionFraction
	cfg.TFFilesPerSTF = tfFilesPerSTF
	cfg.TFSizeFraction = tfSizeFraction

	sampler, err := fastmon.New(cfg, proc.Monitor, proc.Broker, proc.Logger, namespace, instanceName)
	if err != nil {
		return fmt.Errorf("building sampler: %w", err)
	}

	proc.Agent.RegisterHandler(fastmon.Destination, events.TypeSTFGen, sampler.HandleSTFReady)
	proc.Agent.RegisterHandler(fastmon.Destination, events.TypeSTFReady, sampler.HandleSTFReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		proc.Logger.Info("received shutdown signal")
		proc.Agent.Stop.Stop()
	}()

	return proc.Agent.Run(ctx)
}
