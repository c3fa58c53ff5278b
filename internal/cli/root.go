// Package cli implements the linkbench command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type ExitCode int

// BuildInfo is set by the main package from LDFLAGS.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// exitError carries a specific exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

type rootFlags struct {
	configPath  string
	envFile     string
	logLevel    string
	logFormat   string
	verbose     bool
	metricsAddr string
}

// Run executes the command line and returns the process exit code.
func Run(build BuildInfo, args []string, stdout, stderr io.Writer) ExitCode {
	rootCmd := NewRootCmd(build, stdout, stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	if err == nil {
		return harness.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != harness.ExitNoData {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ExitCode(ee.code)
	}
	fmt.Fprintln(stderr, "Error:", err)
	return harness.ExitFailure
}

func NewRootCmd(build BuildInfo, stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "linkbench",
		Short:         "Latency benchmarking harness for REQ-REP and PUB-SUB messaging links.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to the YAML run configuration")
	pf.StringVar(&flags.envFile, "env-file", ".env", "optional .env file with secrets (KAFKA_SASL_USER, KAFKA_SASL_PASS, INFLUX_TOKEN)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "set debug logging level")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, e.g. :9090")

	rootCmd.AddCommand(
		newRunCmd(flags, build, stdout, stderr),
		newReflectCmd(flags, build, stderr),
		newPublishCmd(flags, build, stderr),
		newValidateCmd(flags, stdout),
		newVersionCmd(build, stdout),
	)
	return rootCmd
}

func newLogger(flags *rootFlags, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(flags.logLevel)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		level = slog.LevelDebug
	}
	switch strings.ToLower(flags.logFormat) {
	case "text", "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected text or json)", flags.logFormat)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// startMetricsServer serves /metrics on addr until the process exits.
func startMetricsServer(log *slog.Logger, addr string, build BuildInfo) error {
	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, build.Date).Set(1)
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeMetricsServer).Inc()
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("Prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, net.ErrClosed) {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeMetricsServer).Inc()
			log.Error("Prometheus metrics server stopped", "error", err)
		}
	}()
	return nil
}

func exitWith(code int, err error) error {
	if err == nil && code == harness.ExitOK {
		return nil
	}
	return &exitError{code: code, err: err}
}
