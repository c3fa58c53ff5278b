package cli

import (
	"context"
	"io"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/spf13/cobra"
)

func newReflectCmd(flags *rootFlags, build BuildInfo, stderr io.Writer) *cobra.Command {
	o := &overrides{}
	var listen string
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Echo REQ-REP requests back to the sender",
		Long: `Reflect listens with the configured REQ-REP transport and wire format and
answers every request with a reply carrying the same sequence number and
symbol. It is the peer a run can be pointed at for an end to end self test.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(flags, stderr)
			if err != nil {
				return configError(err)
			}
			cfg, err := loadConfig(flags, o, cmd.Flags())
			if err != nil {
				return configError(err)
			}
			if err := cfg.ValidateResponder(); err != nil {
				return configError(err)
			}
			if err := startMetricsServer(log, flags.metricsAddr, build); err != nil {
				return exitWith(harness.ExitFailure, err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = harness.Reflect(ctx, log, cfg.ReqRepTransport(), listen)
			return exitWith(harness.ExitCode(err), err)
		},
	}
	o.register(cmd.Flags())
	cmd.Flags().StringVar(&listen, "listen", ":7000", "address to listen on")
	return cmd
}
