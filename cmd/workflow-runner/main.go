// Command workflow-runner runs the Workflow Runner agent (spec §4.4):
// it owns /queue/workflow_control and drives the compiled workflow
// executors (stf_datataking today) to completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/bootstrap"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/config"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/executor/daq"
	"github.com/hugo-lorenzo-mato/swf-agents/internal/workflow"
)

var (
	instanceName string
	namespace    string
	configDir    string
	testbedPath  string
	stateDir     string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "workflow-runner",
	Short: "Run the Workflow Runner agent",
	RunE:  run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&instanceName, "instance-name", "workflow-runner", "heartbeat instance_name")
	rootCmd.Flags().StringVar(&namespace, "namespace", "", "testbed namespace (overrides the testbed config's)")
	rootCmd.Flags().StringVar(&configDir, "config-dir", "configs", "directory holding <workflow>_<config>.toml files")
	rootCmd.Flags().StringVar(&testbedPath, "testbed-config", "configs/testbed.toml", "path to the testbed TOML file")
	rootCmd.Flags().StringVar(&stateDir, "state-dir", ".", "directory for this instance's outbox database")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "auto", "log format (auto, text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	testbed, err := config.LoadTestbedConfig(testbedPath)
	if err != nil {
		return fmt.Errorf("loading testbed config: %w", err)
	}
	ns := namespace
	if ns == "" {
		ns = testbed.Namespace
	}

	proc, err := bootstrap.Start(ctx, bootstrap.Options{
		AgentType:    "Workflow_Runner",
		InstanceName: instanceName,
		Namespace:    ns,
		Description:  "Workflow Runner agent",
		StateDir:     stateDir,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
	})
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}

	registry := executor.NewRegistry()
	registry.Register(daq.WorkflowName, daq.New)

	workflow.New(proc.Agent, proc.Monitor, proc.Broker, workflow.Config{
		ConfigDir: configDir,
		Testbed:   testbed,
		Registry:  registry,
		Namespace: ns,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		proc.Logger.Info("received shutdown signal")
		proc.Agent.Stop.Stop()
	}()

	return proc.Agent.Run(ctx)
}
