package cli

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/spf13/cobra"
)

func newPublishCmd(flags *rootFlags, build BuildInfo, stderr io.Writer) *cobra.Command {
	o := &overrides{}
	pc := harness.PublishConfig{}
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a synthetic stream of symbol updates",
		Long: `Publish sends one publication per symbol every --every over the configured
PUB-SUB transport. Publications carry the publisher timestamp unless
--no-timestamp is set, in which case subscribers measure inter-arrival
intervals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(flags, stderr)
			if err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(flags, o, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			if err := cfg.ValidatePublisher(); err != nil {
				return configError(err)
			}
			if err := startMetricsServer(log, flags.metricsAddr, build); err != nil {
				return exitWith(harness.ExitFailure, err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			pub, err := transport.NewPublisher(ctx, log, cfg.PubSubTransport(), cfg.Symbols)
			if err != nil {
				err = harness.NewError(harness.Classify(err), "publish", "failed to open publisher", err)
				return exitWith(harness.ExitFailure, err)
			}
			defer pub.Close()

			pc.Logger = log
			pc.Symbols = cfg.Symbols
			log.Info("Publishing", "transport", cfg.PubSub.Transport, "symbols", cfg.Symbols, "every", pc.Interval, "count", pc.Count, "timestamps", !pc.NoTimestamp)
			_, err = harness.Publish(ctx, pc, pub)
			return exitWith(harness.ExitCode(err), err)
		},
	}
	o.register(cmd.Flags())
	cmd.Flags().DurationVar(&pc.Interval, "every", 100*time.Millisecond, "pause between publication rounds")
	cmd.Flags().IntVar(&pc.Count, "count", 0, "number of rounds to publish (0 = until interrupted)")
	cmd.Flags().BoolVar(&pc.NoTimestamp, "no-timestamp", false, "omit the publisher timestamp")
	return cmd
}
