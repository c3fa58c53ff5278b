package sampler

import (
	"context"
	"log/slog"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/retry"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
)

// reqRepTask times synthetic requests for one symbol. Every attempt, retries
// included, carries a fresh sequence number so a late reply to an abandoned
// attempt can never be matched to a newer one.
type reqRepTask struct {
	log    *slog.Logger
	cfg    *Config
	g      *Group
	seq    uint64
	warmup int
}

func newReqRepTask(log *slog.Logger, cfg *Config, g *Group) *reqRepTask {
	return &reqRepTask{log: log, cfg: cfg, g: g, warmup: cfg.Warmup}
}

func (t *reqRepTask) run(ctx context.Context) {
	g := t.g
	channel := string(g.Key.Channel)

	requester, err := t.cfg.NewRequester(g.Key.Symbol)
	if err != nil {
		g.Err = err
		metrics.Errors.WithLabelValues(metrics.ErrorTypeTransportOpen).Inc()
		return
	}
	defer requester.Close()

	opts := retryOptions(t.log, t.cfg, g.Key.Channel)
	g.WindowStart = t.cfg.Clock.Now()
	defer func() { g.WindowEnd = t.cfg.Clock.Now() }()

	for g.Len() < t.cfg.MinSamples {
		if ctx.Err() != nil {
			return
		}

		rt, err := retry.Do(ctx, t.cfg.Retry, func(ctx context.Context, attempt int) (transport.RoundTrip, error) {
			t.seq++
			g.Attempts++
			metrics.RetryAttempts.WithLabelValues(channel).Inc()

			reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
			defer cancel()
			return requester.Request(reqCtx, &wire.Message{Kind: wire.KindRequest, Seq: t.seq, Symbol: g.Key.Symbol})
		}, opts...)

		var sample Sample
		if err == nil {
			sample, err = NewSample(g.Key.Symbol, g.Key.Channel, MeasurementRoundTrip, rt.Reply.Seq, rt.SentAt, rt.ReceivedAt)
		}

		switch classify(ctx, err) {
		case outcomeStopped:
			return
		case outcomeTerminal:
			g.Err = err
			metrics.Errors.WithLabelValues(metrics.ErrorTypeTerminal).Inc()
			return
		case outcomeDropped:
			g.Dropped++
			metrics.SamplesDropped.WithLabelValues(channel, g.Key.Symbol).Inc()
			t.log.Warn("Dropped sample after retry budget exhausted", "seq", t.seq, "error", err)
		case outcomeDiscarded:
			g.Discarded++
			metrics.SamplesDiscarded.WithLabelValues(channel, g.Key.Symbol).Inc()
			metrics.Errors.WithLabelValues(metrics.ErrorTypeIntegrity).Inc()
			t.log.Warn("Discarded sample", "seq", t.seq, "error", err)
		case outcomeOK:
			record(t.log, t.g, &t.warmup, sample)
		}

		if g.Len() < t.cfg.MinSamples {
			if err := sleepOrDone(ctx, t.cfg.Clock, t.cfg.Interval); err != nil {
				return
			}
		}
	}
}
