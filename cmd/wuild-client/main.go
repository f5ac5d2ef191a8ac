// Command wuild-client is the CLI entrypoint for the dispatcher client:
// it loads configuration, starts the Public Façade, submits one tool
// invocation taken from the command line, and waits for its result —
// the Go analogue of the teacher's main.go wiring a Pool and a
// SessionManager together before serving requests.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mapron/wuild-go/internal/config"
	"github.com/mapron/wuild-go/internal/invocation"
	"github.com/mapron/wuild-go/internal/localexec"
	"github.com/mapron/wuild-go/internal/remotetool"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		toolID      string
		outputPath  string
		inputPath   string
		requiredIDs []string
		noFallback  bool
	)

	root := &cobra.Command{
		Use:   "wuild-client -- <tool-args...>",
		Short: "Dispatch one compiler invocation to the Wuild worker pool",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, args, toolID, inputPath, outputPath, requiredIDs, noFallback)
		},
	}

	root.Flags().StringVar(&toolID, "tool-id", "gcc", "tool identifier the worker pool dispatches on")
	root.Flags().StringVar(&inputPath, "input", "", "path to the input file to ship to the worker")
	root.Flags().StringVar(&outputPath, "output", "", "path the worker's output is written back to")
	root.Flags().StringSliceVar(&requiredIDs, "require-tool", nil, "tool-ids a worker must advertise to be eligible (repeatable)")
	root.Flags().BoolVar(&noFallback, "no-fallback", false, "disable local execution fallback on queue expiration")

	root.AddCommand(newStatusCommand())
	return root
}

func runInvoke(cmd *cobra.Command, args []string, toolID, inputPath, outputPath string, requiredIDs []string, noFallback bool) error {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("wuild-client: %w", err)
	}

	client := remotetool.New(logger)
	if !client.SetConfig(cfg) {
		return fmt.Errorf("wuild-client: invalid configuration for client_id=%s", cfg.ClientID)
	}
	if !noFallback {
		client.SetInvokerFallback(localexec.ProcessInvoker{})
	}
	client.SetRemoteAvailableCallback(func() {
		logger.Infow("wuild-client: remote worker pool became available")
	})

	if len(requiredIDs) == 0 {
		requiredIDs = []string{toolID}
	}
	if err := client.Start(requiredIDs); err != nil {
		return fmt.Errorf("wuild-client: start: %w", err)
	}
	defer client.Stop()
	defer client.FinishSession()

	correlationID := uuid.NewString()
	logger.Infow("wuild-client: submitting invocation", "correlation_id", correlationID, "tool_id", toolID, "args", strings.Join(args, " "))

	inv := invocation.ToolInvocation{
		ToolID:     toolID,
		Args:       args,
		InputPath:  inputPath,
		OutputPath: outputPath,
	}

	done := make(chan remotetool.TaskResult, 1)
	client.InvokeTool(inv, func(r remotetool.TaskResult) { done <- r })

	select {
	case result := <-done:
		logger.Infow("wuild-client: invocation finished", "correlation_id", correlationID,
			"result", result.Result, "tool_execution_time", result.ToolExecutionTime)
		fmt.Fprintln(cmd.OutOrStdout(), result.Stdout)
		if !result.Result {
			return fmt.Errorf("wuild-client: invocation failed")
		}
		return nil
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("wuild-client: invocation never completed")
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Load and validate configuration without dispatching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "client_id=%s coordinator_enabled=%t queue_timeout=%s invocation_attempts=%d\n",
				cfg.ClientID, cfg.Coordinator.Enabled, cfg.QueueTimeout, cfg.InvocationAttempts)
			return nil
		},
	}
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
