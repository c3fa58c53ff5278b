package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/malbeclabs/linkbench/internal/report"
	"github.com/spf13/cobra"
)

func newRunCmd(flags *rootFlags, build BuildInfo, stdout, stderr io.Writer) *cobra.Command {
	o := &overrides{}
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark and emit the record and summary",
		Long: `Run samples every configured (channel, symbol) group until each holds
min_samples samples or max_duration elapses, then writes the JSON record and
the text summary to the configured paths.

Exit codes: 0 for a run with data, 1 for a configuration or fatal error, 2 for
a completed run with no data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(flags, stderr)
			if err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(flags, o, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			if err := cfg.Validate(); err != nil {
				return configError(err)
			}
			if err := startMetricsServer(log, flags.metricsAddr, build); err != nil {
				return exitWith(harness.ExitFailure, err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			hc := harness.Config{
				Logger:  log,
				Run:     cfg,
				Version: build.Version,
			}
			if cfg.Influx.Enabled() {
				sink, closeInflux := report.DialInflux(log, cfg.Influx)
				defer closeInflux()
				hc.Influx = sink
			}

			res, err := harness.Run(ctx, hc)
			if res != nil && !quiet {
				fmt.Fprint(stdout, res.Summary)
			}
			return exitWith(harness.ExitCode(err), err)
		},
	}
	o.register(cmd.Flags())
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the summary to stdout")
	return cmd
}
