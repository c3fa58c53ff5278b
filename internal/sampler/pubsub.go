package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/retry"
	"github.com/malbeclabs/linkbench/internal/transport"
)

// pubSubTask stamps inbound publications for one symbol.
//
// A publication carrying a publisher timestamp yields a one-way sample, which
// assumes synchronized clocks. Without one, the sample is the interval since
// the previous arrival. The first recorded sample fixes the group's
// measurement; publications of the other kind are discarded.
type pubSubTask struct {
	log         *slog.Logger
	cfg         *Config
	g           *Group
	lastArrival time.Time
	warmup      int
}

func newPubSubTask(log *slog.Logger, cfg *Config, g *Group) *pubSubTask {
	return &pubSubTask{log: log, cfg: cfg, g: g, warmup: cfg.Warmup}
}

func (t *pubSubTask) run(ctx context.Context) {
	g := t.g
	channel := string(g.Key.Channel)
	opts := retryOptions(t.log, t.cfg, g.Key.Channel)

	sub, err := retry.Do(ctx, t.cfg.Retry, func(ctx context.Context, attempt int) (transport.Subscription, error) {
		return t.cfg.Subscriber.Subscribe(ctx, g.Key.Symbol)
	}, opts...)
	if err != nil {
		if ctx.Err() == nil {
			g.Err = err
			metrics.Errors.WithLabelValues(metrics.ErrorTypeTransportOpen).Inc()
		}
		return
	}
	defer sub.Close()

	g.WindowStart = t.cfg.Clock.Now()
	defer func() { g.WindowEnd = t.cfg.Clock.Now() }()

	for g.Len() < t.cfg.MinSamples {
		if ctx.Err() != nil {
			return
		}

		d, err := retry.Do(ctx, t.cfg.Retry, func(ctx context.Context, attempt int) (transport.Delivery, error) {
			g.Attempts++
			metrics.RetryAttempts.WithLabelValues(channel).Inc()
			return sub.Next(ctx)
		}, opts...)

		var sample Sample
		var ok bool
		if err == nil {
			sample, ok, err = t.sampleFor(d)
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
			t.log.Warn("Dropped sample after retry budget exhausted", "error", err)
		case outcomeDiscarded:
			g.Discarded++
			metrics.SamplesDiscarded.WithLabelValues(channel, g.Key.Symbol).Inc()
			metrics.Errors.WithLabelValues(metrics.ErrorTypeIntegrity).Inc()
			t.log.Warn("Discarded publication", "error", err)
		case outcomeOK:
			if ok {
				record(t.log, t.g, &t.warmup, sample)
			}
		}
	}
}

// sampleFor turns a delivery into a sample. It reports false for the first
// arrival of an inter-arrival stream, which has no predecessor.
func (t *pubSubTask) sampleFor(d transport.Delivery) (Sample, bool, error) {
	g := t.g
	m := d.Message

	measurement := MeasurementInterArrival
	if m.HasPublishedAt() {
		measurement = MeasurementOneWay
	}
	if g.Measurement != "" && g.Measurement != measurement {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeMeasurementMixed).Inc()
		return Sample{}, false, fmt.Errorf("%w: %s publication seq %d in %s group", transport.ErrMalformedMessage, measurement, m.Seq, g.Measurement)
	}

	// Only publications of the group's kind advance the arrival baseline.
	prev := t.lastArrival
	t.lastArrival = d.ReceivedAt

	var sentAt time.Time
	switch measurement {
	case MeasurementOneWay:
		sentAt = time.Unix(0, m.PublishedAt)
	case MeasurementInterArrival:
		if prev.IsZero() {
			return Sample{}, false, nil
		}
		sentAt = prev
	}

	s, err := NewSample(g.Key.Symbol, g.Key.Channel, measurement, m.Seq, sentAt, d.ReceivedAt)
	if err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeNegativeLatency).Inc()
		return Sample{}, false, err
	}
	return s, true, nil
}
