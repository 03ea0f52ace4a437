// Command assignflow-status prints the assignment counters and queue depths.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drblury/assignflow/internal/runtime"
	"github.com/drblury/assignflow/internal/runtime/config"
	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/internal/runtime/logging"
	"github.com/drblury/assignflow/internal/runtime/stats"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		configFile string
		human      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:           "assignflow-status",
		Short:         "Print assignment counters and queue depths",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			snap, err := collect(ctx, conf)
			if err != nil {
				return err
			}
			if human {
				return printHuman(stdout, snap, time.Now())
			}
			data, err := jsoncodec.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, string(data))
			return err
		},
	}
	cmd.SetOut(stdout)
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path (default is ./assignflow.yaml)")
	cmd.Flags().BoolVarP(&human, "human", "H", false, "print a table instead of JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time allowed for connecting and collecting")
	return cmd
}

func collect(ctx context.Context, conf *config.Config) (stats.Snapshot, error) {
	// HTTP endpoints belong to long-running processes.
	conf.MetricsEnabled = false
	conf.StatusEnabled = false

	svc, err := runtime.TryNewService(ctx, conf, logging.Discard(), runtime.ServiceDependencies{})
	if err != nil {
		return stats.Snapshot{}, err
	}
	defer svc.Close()
	return svc.Status(ctx)
}

func printHuman(w io.Writer, snap stats.Snapshot, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "COUNTER\tVALUE")
	for _, key := range sortedKeys(snap.Assignments) {
		fmt.Fprintf(tw, "%s\t%s\n", key, humanize.Comma(snap.Assignments[key]))
	}
	for _, key := range sortedKeys(snap.Workers) {
		fmt.Fprintf(tw, "%s\t%s\n", key, humanize.Comma(snap.Workers[key]))
	}

	fmt.Fprintln(tw, "\nTOPIC\tDEPTH")
	for _, topic := range sortedKeys(snap.QueueLengths) {
		depth := "unknown"
		if d := snap.QueueLengths[topic]; d != stats.UnknownDepth {
			depth = humanize.Comma(d)
		}
		if msg, ok := snap.QueueErrors[topic]; ok {
			depth += " (" + msg + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\n", topic, depth)
	}

	last := "never"
	if snap.LastActivity != nil {
		last = humanize.RelTime(*snap.LastActivity, now, "ago", "from now")
	}
	fmt.Fprintf(tw, "\nlast activity\t%s\n", last)
	return tw.Flush()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, strings.Compare)
	return keys
}
