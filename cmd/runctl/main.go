// Command runctl is the operator CLI for the run orchestration subsystem:
// start, inspect, cancel, and tail runs against a deployed runcore-api.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runctl",
		Short:         "Operate runs against a runcore-api deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run lifecycle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunStartCommand())
	cmd.AddCommand(newRunGetCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunLogsCommand())
	return cmd
}

func newRunStartCommand() *cobra.Command {
	var (
		runnableID   string
		runnableType string
		inputFile    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := newClientFromEnv()
			if err != nil {
				return err
			}
			input, err := readInput(inputFile)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			run, err := client.StartRun(ctx, runnableID, runnableType, input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	cmd.Flags().StringVar(&runnableID, "runnable-id", "", "Identifier of the agent or team to run")
	cmd.Flags().StringVar(&runnableType, "runnable-type", "agent", "Runnable kind: agent or team")
	cmd.Flags().StringVar(&inputFile, "input", "", "Path to a JSON file of input variables (default: {})")
	_ = cmd.MarkFlagRequired("runnable-id")
	return cmd
}

func newRunGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Fetch a run's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := newClientFromEnv()
			if err != nil {
				return err
			}
			run, err := client.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	return cmd
}

func newRunCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running or pending run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := newClientFromEnv()
			if err != nil {
				return err
			}
			run, err := client.CancelRun(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	return cmd
}

func newRunLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Tail a run's result stream until it disconnects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := newClientFromEnv()
			if err != nil {
				return err
			}
			return client.TailLogs(ctx, args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}
