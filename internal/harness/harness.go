// Package harness wires a validated run configuration into transports, the
// sampler, the aggregator and the report emitter.
package harness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/linkbench/config"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/report"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/stats"
	"github.com/malbeclabs/linkbench/internal/transport"
)

const influxWriteTimeout = 10 * time.Second

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Run     *config.Config
	Version string

	// NewRequester and Subscriber replace the transports built from Run
	// when set.
	NewRequester sampler.RequesterFactory
	Subscriber   transport.Subscriber

	// Influx receives the group reports when set.
	Influx *report.InfluxSink
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Run == nil {
		return errors.New("run config is required")
	}
	return c.Run.Validate()
}

type Result struct {
	Outcome report.Outcome
	Record  report.Record
	Summary string
	Samples *sampler.SampleSet
}

// Run executes one benchmark run. Partial results of an interrupted run are
// still summarized and emitted. A run that completes without any sample
// returns its result together with an ErrorTypeNoData error.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewError(ErrorTypeConfig, "validate", "invalid configuration", err)
	}
	log := cfg.Logger
	rc := cfg.Run

	logEffectiveConfig(log, rc)

	sc := rc.Sampler()
	sc.Logger = log
	sc.Clock = cfg.Clock

	if rc.HasChannel(sampler.ChannelReqRep) {
		sc.NewRequester = cfg.NewRequester
		if sc.NewRequester == nil {
			tc := rc.ReqRepTransport()
			sc.NewRequester = func(symbol string) (transport.Requester, error) {
				return transport.NewRequester(log.With("symbol", symbol), tc)
			}
		}
	}
	if rc.HasChannel(sampler.ChannelPubSub) {
		sc.Subscriber = cfg.Subscriber
		if sc.Subscriber == nil {
			sub, err := transport.NewSubscriber(log, rc.PubSubTransport())
			if err != nil {
				return nil, NewError(Classify(err), "open_subscriber", "failed to open subscriber", err)
			}
			defer sub.Close()
			sc.Subscriber = sub
		}
	}

	set, err := sampler.Run(ctx, sc)
	if err != nil {
		return nil, NewError(ErrorTypeConfig, "sample", "failed to start sampling", err)
	}
	interrupted := ctx.Err() != nil
	if interrupted {
		log.Warn("Run interrupted, emitting partial results", "cause", context.Cause(ctx))
	}

	reports := stats.Summarize(set)
	outcome := report.OutcomeOK
	if set.TotalSamples() == 0 {
		outcome = report.OutcomeNoData
	}
	for _, g := range set.Groups() {
		if g.Err != nil {
			log.Error("Group failed", "group", g.Key.String(), "errorType", Classify(g.Err), "error", g.Err)
		}
	}

	sanitized := rc.Sanitized()
	run := report.Run{
		Version:     cfg.Version,
		StartedAt:   set.StartedAt,
		EndedAt:     set.EndedAt,
		Outcome:     outcome,
		Interrupted: interrupted,
		Config:      &sanitized,
		Reports:     reports,
		Samples:     set,
	}
	rec, summary, err := report.Emit(run, report.Paths{
		Record:  rc.Output.Record,
		Summary: rc.Output.Summary,
		Samples: rc.Output.Samples,
	})
	res := &Result{Outcome: outcome, Record: rec, Summary: summary, Samples: set}
	if err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeReportWrite).Inc()
		return res, NewError(ErrorTypeFileIO, "emit", "failed to write report", err)
	}

	if cfg.Influx != nil {
		// The run deadline may have passed already; the export gets its own.
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), influxWriteTimeout)
		if err := cfg.Influx.Write(ictx, rec); err != nil {
			log.Error("Failed to export reports to influx", "error", err)
		}
		cancel()
	}

	log.Info("Run finished",
		"outcome", outcome,
		"interrupted", interrupted,
		"samples", set.TotalSamples(),
		"groups", len(reports),
		"record", rc.Output.Record,
		"summary", rc.Output.Summary,
	)

	if outcome == report.OutcomeNoData {
		return res, NewError(ErrorTypeNoData, "run", "no group recorded a sample", nil)
	}
	return res, nil
}

func logEffectiveConfig(log *slog.Logger, rc *config.Config) {
	attrs := []any{
		"symbols", rc.Symbols,
		"channels", rc.Channels,
		"format", rc.Format,
		"minSamples", rc.MinSamples,
		"maxDuration", rc.MaxDuration,
		"requestTimeout", rc.RequestTimeout,
		"interval", rc.Interval,
		"warmup", rc.Warmup,
		"concurrency", rc.Concurrency,
		"retryMaxAttempts", rc.Retry.MaxAttempts,
		"retryInitialInterval", rc.Retry.InitialInterval,
		"retryMultiplier", rc.Retry.Multiplier,
		"retryMaxInterval", rc.Retry.MaxInterval,
	}
	if rc.HasChannel(sampler.ChannelReqRep) {
		attrs = append(attrs, "reqRepTransport", rc.ReqRep.Transport, "endpoint", rc.ReqRep.Endpoint)
	}
	if rc.HasChannel(sampler.ChannelPubSub) {
		attrs = append(attrs, "pubSubTransport", rc.PubSub.Transport)
		switch rc.PubSub.Transport {
		case transport.KindKafka:
			attrs = append(attrs, "brokers", rc.PubSub.Kafka.Brokers, "topicPrefix", rc.PubSub.Kafka.TopicPrefix, "sasl", rc.PubSub.Kafka.User != "")
		case transport.KindMulticast:
			attrs = append(attrs, "group", rc.PubSub.Multicast.Group, "interface", rc.PubSub.Multicast.Interface)
		}
	}
	log.Info("Starting run with effective config", attrs...)
}
