// Package sampler collects latency samples over REQ-REP and PUB-SUB channels.
//
// Each (channel, symbol) group is sampled by one task on a bounded worker
// pool. A task stops when its group holds MinSamples samples, when the run's
// MaxDuration elapses, when the context is cancelled, or when the group hits a
// terminal error. Partial groups are always returned.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/retry"
	"github.com/malbeclabs/linkbench/internal/transport"
)

// RequesterFactory opens the requester used by the REQ-REP task of symbol.
type RequesterFactory func(symbol string) (transport.Requester, error)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Symbols  []string
	Channels []Channel

	// MinSamples is the number of samples after which a group stops.
	MinSamples int
	// MaxDuration bounds the whole run regardless of sample counts.
	MaxDuration time.Duration
	// RequestTimeout bounds a single REQ-REP attempt. It is independent of MaxDuration.
	RequestTimeout time.Duration
	// Interval paces consecutive REQ-REP requests of a group. Zero sends back to back.
	Interval time.Duration
	// Warmup is the number of initial successful samples per group that are not recorded.
	Warmup int
	// Concurrency bounds the worker pool. Zero runs every group at once.
	Concurrency int

	Retry retry.Policy

	NewRequester RequesterFactory
	Subscriber   transport.Subscriber
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			return errors.New("symbols must not be empty")
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("duplicate symbol %q", s)
		}
		seen[s] = struct{}{}
	}
	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	for _, ch := range c.Channels {
		switch ch {
		case ChannelReqRep:
			if c.NewRequester == nil {
				return errors.New("requester factory is required for REQ_REP")
			}
		case ChannelPubSub:
			if c.Subscriber == nil {
				return errors.New("subscriber is required for PUB_SUB")
			}
		default:
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	if c.MinSamples <= 0 {
		return fmt.Errorf("min samples must be greater than 0, got %d", c.MinSamples)
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max duration must be greater than 0, got %s", c.MaxDuration)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0, got %s", c.RequestTimeout)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", c.Interval)
	}
	if c.Warmup < 0 {
		return fmt.Errorf("warmup must not be negative, got %d", c.Warmup)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// Keys returns the group keys of the run in a stable order.
func (c *Config) Keys() []GroupKey {
	keys := make([]GroupKey, 0, len(c.Channels)*len(c.Symbols))
	for _, ch := range c.Channels {
		for _, s := range c.Symbols {
			keys = append(keys, GroupKey{Channel: ch, Symbol: s})
		}
	}
	return keys
}

// Run samples every group and returns the closed sample set. The returned
// error is non-nil only for an invalid config; per-group failures are
// recorded on the groups.
func Run(ctx context.Context, cfg Config) (*SampleSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	log := cfg.Logger

	ctx, cancel := clockwork.WithTimeout(ctx, cfg.Clock, cfg.MaxDuration)
	defer cancel()

	keys := cfg.Keys()
	concurrency := cfg.Concurrency
	if concurrency == 0 || concurrency > len(keys) {
		concurrency = len(keys)
	}

	set := NewSampleSet(cfg.Clock.Now())
	log.Info("Sampling started",
		"groups", len(keys),
		"concurrency", concurrency,
		"minSamples", cfg.MinSamples,
		"maxDuration", cfg.MaxDuration,
		"requestTimeout", cfg.RequestTimeout,
	)

	pool := pond.NewResultPool[*Group](concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, key := range keys {
		group.Submit(func() *Group {
			return runGroup(ctx, &cfg, key)
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("sampling task failed: %w", err)
	}

	for _, g := range results {
		if err := set.Merge(g); err != nil {
			return nil, err
		}
	}
	set.Close(cfg.Clock.Now())

	log.Info("Sampling finished", "samples", set.TotalSamples(), "elapsed", set.EndedAt.Sub(set.StartedAt), "cause", context.Cause(ctx))
	return set, nil
}

func runGroup(ctx context.Context, cfg *Config, key GroupKey) *Group {
	log := cfg.Logger.With("channel", key.Channel, "symbol", key.Symbol)
	var g *Group
	switch key.Channel {
	case ChannelReqRep:
		g = NewGroup(key, MeasurementRoundTrip)
		newReqRepTask(log, cfg, g).run(ctx)
	case ChannelPubSub:
		g = NewGroup(key, "")
		newPubSubTask(log, cfg, g).run(ctx)
	}
	if g.Err != nil {
		log.Error("Group stopped on terminal error", "error", g.Err, "samples", g.Len())
	} else {
		log.Info("Group finished", "samples", g.Len(), "dropped", g.Dropped, "discarded", g.Discarded, "window", g.Window())
	}
	return g
}

// retryOptions wires the retry state machine into logs and metrics.
func retryOptions(log *slog.Logger, cfg *Config, channel Channel) []retry.Option {
	return []retry.Option{
		retry.WithClock(cfg.Clock),
		retry.WithPermanent(isNonRetryable),
		retry.WithOnTransition(func(tr retry.Transition) {
			switch tr.To {
			case retry.StateBackingOff:
				log.Debug("Retrying after transient error", "attempt", tr.Attempt, "wait", tr.Wait, "error", tr.Err)
			case retry.StateSucceeded, retry.StateExhausted, retry.StateAborted:
				metrics.RetryOutcomes.WithLabelValues(string(channel), tr.To.String()).Inc()
			}
		}),
	}
}

// isNonRetryable stops retries for permanent transport failures and for
// integrity failures, which concern the message rather than the link.
func isNonRetryable(err error) bool {
	return transport.IsPermanent(err) || transport.IsIntegrity(err)
}

// outcome classifies the error of a retried operation.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeStopped
	outcomeDropped
	outcomeDiscarded
	outcomeTerminal
)

func classify(ctx context.Context, err error) outcome {
	if err == nil {
		return outcomeOK
	}
	if ctx.Err() != nil {
		return outcomeStopped
	}
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return outcomeDropped
	case transport.IsIntegrity(err), errors.Is(err, ErrNegativeLatency):
		return outcomeDiscarded
	default:
		return outcomeTerminal
	}
}

// record appends s to g unless it falls in the warmup window.
func record(log *slog.Logger, g *Group, warmup *int, s Sample) {
	if *warmup > 0 {
		*warmup--
		log.Debug("Warmup sample skipped", "seq", s.Seq, "latency", s.Latency())
		return
	}
	if err := g.Append(s); err != nil {
		g.Discarded++
		metrics.SamplesDiscarded.WithLabelValues(string(g.Key.Channel), g.Key.Symbol).Inc()
		metrics.Errors.WithLabelValues(metrics.ErrorTypeIntegrity).Inc()
		log.Warn("Discarded sample", "seq", s.Seq, "error", err)
		return
	}
	metrics.SamplesRecorded.WithLabelValues(string(s.Channel), s.Symbol).Inc()
	metrics.Latency.WithLabelValues(string(s.Channel), string(s.Measurement)).Observe(s.Latency().Seconds())
}

func sleepOrDone(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
