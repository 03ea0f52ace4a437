// Command assignflow-worker consumes the assignments of one type until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/assignflow/internal/runtime"
	"github.com/drblury/assignflow/internal/runtime/assignment"
	"github.com/drblury/assignflow/internal/runtime/config"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

// exitCodeUsage is returned for an unknown assignment type.
const exitCodeUsage = 2

func main() {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, errspkg.ErrUnknownAssignmentType) {
		return exitCodeUsage
	}
	return 1
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configFile string

	types := assignment.DefaultTypeSet()
	cmd := &cobra.Command{
		Use:   "assignflow-worker <type>",
		Short: "Consume assignments of one type",
		Long: fmt.Sprintf(`assignflow-worker joins the worker group of one assignment type and runs
its handler for every entry until it is stopped.

Types: %s`, strings.Join(types.Names(), ", ")),
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := types.Parse(args[0])
			if err != nil {
				return err
			}

			conf, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), conf, t, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path (default is ./assignflow.yaml)")
	return cmd
}

func run(parent context.Context, conf *config.Config, t assignment.Type, logOut io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	slogger, err := logging.NewLogger(conf.LogLevel, conf.LogFormat, logOut)
	if err != nil {
		return err
	}
	logger := logging.NewSlogServiceLogger(slogger).With(logging.LogFields{"worker_type": t})

	shutdownTracing := tracing.Noop
	if conf.TraceStdout {
		shutdownTracing, err = tracing.Init("assignflow-worker", logOut)
		if err != nil {
			return err
		}
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Tracer shutdown failed", err, nil)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := runtime.TryNewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("Worker starting", logging.LogFields{"version": version})
	return svc.RunWorker(ctx, t)
}
