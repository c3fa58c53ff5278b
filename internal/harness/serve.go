package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
)

// Reflect runs an echo responder on addr until ctx is done.
func Reflect(ctx context.Context, log *slog.Logger, cfg transport.ReqRepConfig, addr string) error {
	r, err := transport.NewResponder(log, cfg, addr)
	if err != nil {
		return NewError(Classify(err), "reflect", "failed to start responder", err)
	}
	defer r.Close()

	log.Info("Reflector listening", "transport", cfg.Kind, "addr", r.Addr(), "format", cfg.Format)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return NewError(ErrorTypeTerminal, "reflect", "responder stopped", err)
	}
	return nil
}

type PublishConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Symbols []string

	// Interval is the pause between rounds; each round publishes one
	// message per symbol.
	Interval time.Duration
	// Count bounds the number of rounds. Zero publishes until ctx is done.
	Count int
	// NoTimestamp omits the publisher timestamp, so subscribers measure
	// inter-arrival intervals instead of one-way latency.
	NoTimestamp bool
}

func (c *PublishConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be greater than 0, got %s", c.Interval)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", c.Count)
	}
	return nil
}

// Publish emits a synthetic stream of publications for every symbol. It
// returns the number of messages published.
func Publish(ctx context.Context, cfg PublishConfig, pub transport.Publisher) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, NewError(ErrorTypeConfig, "publish", "invalid publish config", err)
	}
	log := cfg.Logger

	ticker := cfg.Clock.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var published int
	for round := 1; cfg.Count == 0 || round <= cfg.Count; round++ {
		for _, symbol := range cfg.Symbols {
			m := &wire.Message{Kind: wire.KindPublication, Seq: uint64(round), Symbol: symbol}
			if !cfg.NoTimestamp {
				m.PublishedAt = cfg.Clock.Now().UnixNano()
			}
			if err := pub.Publish(ctx, m); err != nil {
				if ctx.Err() != nil {
					return published, nil
				}
				metrics.Errors.WithLabelValues(metrics.ErrorTypePublish).Inc()
				if transport.IsPermanent(err) {
					return published, NewError(ErrorTypeTerminal, "publish", "publisher rejected", err)
				}
				log.Warn("Failed to publish", "symbol", symbol, "seq", m.Seq, "error", err)
				continue
			}
			published++
		}
		if round%1000 == 0 {
			log.Debug("Publishing", "rounds", round, "published", published)
		}
		if cfg.Count != 0 && round == cfg.Count {
			break
		}
		select {
		case <-ctx.Done():
			return published, nil
		case <-ticker.Chan():
		}
	}
	log.Info("Publisher finished", "published", published)
	return published, nil
}
