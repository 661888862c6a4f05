package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/nbi"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagAddr      string
	flagTimeout   time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SilenceUsage = true
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoverctl",
		Short: "Operate and exercise the LEO handover engine",
	}
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")

	cmd.AddCommand(simulateCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(sessionCmd())
	return cmd
}

func newLogger() logging.Logger {
	return logging.New(logging.Config{Level: flagLogLevel, Format: flagLogFormat, Output: os.Stderr})
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine configuration",
	}
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default engine configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), config.DefaultYAML())
			return err
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate an engine config file and print the effective result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s is valid\n%s", args[0], out)
			return nil
		},
	})
	return c
}

func remoteFlags(c *cobra.Command) {
	c.Flags().StringVar(&flagAddr, "addr", "127.0.0.1:50051", "handover server gRPC address")
	c.Flags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "request timeout")
}

func statusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Print orchestrator counters from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, client *nbi.HandoverClient) error {
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	remoteFlags(c)
	return c
}

func sessionCmd() *cobra.Command {
	var visual bool
	c := &cobra.Command{
		Use:   "session <terminal-id>",
		Short: "Print a terminal's latest session or decision payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terminalID := args[0]
			return withClient(cmd.Context(), func(ctx context.Context, client *nbi.HandoverClient) error {
				ctx = metadata.AppendToOutgoingContext(ctx, "x-terminal-id", terminalID)
				if visual {
					v, err := client.Visualization(ctx, terminalID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), v)
				}
				sess, err := client.Session(ctx, terminalID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sess)
			})
		},
	}
	c.Flags().BoolVar(&visual, "visualization", false, "print the visualization payload instead of the session")
	remoteFlags(c)
	return c
}

func withClient(ctx context.Context, fn func(context.Context, *nbi.HandoverClient) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := grpc.NewClient(flagAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", flagAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()
	return fn(ctx, nbi.NewHandoverClient(conn))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
