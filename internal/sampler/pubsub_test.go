package sampler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber replays a fixed list of deliveries per symbol and then
// blocks until the context is done.
type fakeSubscriber struct {
	mu         sync.Mutex
	deliveries map[string][]transport.Delivery
	subErr     error
	subCalls   int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, symbol string) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	return &fakeSubscription{queue: f.deliveries[symbol]}, nil
}

func (f *fakeSubscriber) Close() error { return nil }

type fakeSubscription struct {
	queue []transport.Delivery
}

func (s *fakeSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	if len(s.queue) == 0 {
		<-ctx.Done()
		return transport.Delivery{}, ctx.Err()
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, nil
}

func (s *fakeSubscription) Close() error { return nil }

func publication(symbol string, seq uint64, publishedAt time.Time, receivedAt time.Time) transport.Delivery {
	m := &wire.Message{Kind: wire.KindPublication, Seq: seq, Symbol: symbol}
	if !publishedAt.IsZero() {
		m.PublishedAt = publishedAt.UnixNano()
	}
	return transport.Delivery{Message: m, ReceivedAt: receivedAt}
}

func pubSubConfig(t *testing.T, sub transport.Subscriber, symbols ...string) sampler.Config {
	return sampler.Config{
		Logger:         log.With("test", t.Name()),
		Symbols:        symbols,
		Channels:       []sampler.Channel{sampler.ChannelPubSub},
		MinSamples:     3,
		MaxDuration:    500 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
		Retry:          fastRetry(3),
		Subscriber:     sub,
	}
}

func pubSubGroup(t *testing.T, set *sampler.SampleSet, symbol string) *sampler.Group {
	t.Helper()
	g, ok := set.Group(sampler.GroupKey{Channel: sampler.ChannelPubSub, Symbol: symbol})
	require.True(t, ok, "missing group for %s", symbol)
	return g
}

func TestSampler_PubSub_OneWay(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	sub := &fakeSubscriber{deliveries: map[string][]transport.Delivery{
		"BTC": {
			publication("BTC", 1, base, base.Add(1*time.Millisecond)),
			publication("BTC", 2, base, base.Add(2*time.Millisecond)),
			publication("BTC", 3, base, base.Add(3*time.Millisecond)),
			publication("BTC", 4, base, base.Add(4*time.Millisecond)),
		},
	}}

	set, err := sampler.Run(context.Background(), pubSubConfig(t, sub, "BTC"))
	require.NoError(t, err)

	g := pubSubGroup(t, set, "BTC")
	require.Equal(t, sampler.MeasurementOneWay, g.Measurement)
	require.Len(t, g.Samples, 3)
	for i, s := range g.Samples {
		require.Equal(t, time.Duration(i+1)*time.Millisecond, s.Latency())
		require.Equal(t, uint64(i+1), s.Seq)
	}
}

func TestSampler_PubSub_InterArrivalSkipsFirstArrival(t *testing.T) {
	t.Parallel()

	base := time.Now()
	sub := &fakeSubscriber{deliveries: map[string][]transport.Delivery{
		"ETH": {
			publication("ETH", 1, time.Time{}, base),
			publication("ETH", 2, time.Time{}, base.Add(10*time.Millisecond)),
			publication("ETH", 3, time.Time{}, base.Add(15*time.Millisecond)),
			publication("ETH", 4, time.Time{}, base.Add(35*time.Millisecond)),
		},
	}}

	set, err := sampler.Run(context.Background(), pubSubConfig(t, sub, "ETH"))
	require.NoError(t, err)

	g := pubSubGroup(t, set, "ETH")
	require.Equal(t, sampler.MeasurementInterArrival, g.Measurement)
	require.Len(t, g.Samples, 3)
	require.Equal(t, 10*time.Millisecond, g.Samples[0].Latency())
	require.Equal(t, 5*time.Millisecond, g.Samples[1].Latency())
	require.Equal(t, 20*time.Millisecond, g.Samples[2].Latency())
}

func TestSampler_PubSub_DiscardsNegativeAndMixedPublications(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	sub := &fakeSubscriber{deliveries: map[string][]transport.Delivery{
		"SOL": {
			publication("SOL", 1, base, base.Add(time.Millisecond)),
			// Published after it was received.
			publication("SOL", 2, base.Add(time.Second), base.Add(2*time.Millisecond)),
			// No publisher timestamp in a one-way group.
			publication("SOL", 3, time.Time{}, base.Add(3*time.Millisecond)),
			publication("SOL", 4, base, base.Add(4*time.Millisecond)),
			publication("SOL", 5, base, base.Add(5*time.Millisecond)),
		},
	}}

	set, err := sampler.Run(context.Background(), pubSubConfig(t, sub, "SOL"))
	require.NoError(t, err)

	g := pubSubGroup(t, set, "SOL")
	require.Len(t, g.Samples, 3)
	require.Equal(t, 2, g.Discarded)
	require.Equal(t, []uint64{1, 4, 5}, []uint64{g.Samples[0].Seq, g.Samples[1].Seq, g.Samples[2].Seq})
}

func TestSampler_PubSub_InterArrivalIgnoresDiscardedArrivals(t *testing.T) {
	t.Parallel()

	base := time.Now()
	sub := &fakeSubscriber{deliveries: map[string][]transport.Delivery{
		"ADA": {
			publication("ADA", 1, time.Time{}, base),
			publication("ADA", 2, time.Time{}, base.Add(10*time.Millisecond)),
			// Timestamped publication in an inter-arrival group.
			publication("ADA", 3, base, base.Add(15*time.Millisecond)),
			publication("ADA", 4, time.Time{}, base.Add(40*time.Millisecond)),
		},
	}}
	cfg := pubSubConfig(t, sub, "ADA")
	cfg.MinSamples = 2

	set, err := sampler.Run(context.Background(), cfg)
	require.NoError(t, err)

	g := pubSubGroup(t, set, "ADA")
	require.Equal(t, sampler.MeasurementInterArrival, g.Measurement)
	require.Equal(t, 1, g.Discarded)
	require.Len(t, g.Samples, 2)
	require.Equal(t, 10*time.Millisecond, g.Samples[0].Latency())
	require.Equal(t, 30*time.Millisecond, g.Samples[1].Latency())
	require.Equal(t, uint64(4), g.Samples[1].Seq)
}

func TestSampler_PubSub_QuietSymbolEndsWithNoData(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{deliveries: map[string][]transport.Delivery{}}
	cfg := pubSubConfig(t, sub, "IDLE")
	cfg.MaxDuration = 50 * time.Millisecond

	set, err := sampler.Run(context.Background(), cfg)
	require.NoError(t, err)

	g := pubSubGroup(t, set, "IDLE")
	require.Empty(t, g.Samples)
	require.NoError(t, g.Err)
	require.Zero(t, g.Dropped)
}

func TestSampler_PubSub_SubscribeUnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()

	sub := &fakeSubscriber{subErr: transport.ErrUnauthorized}
	set, err := sampler.Run(context.Background(), pubSubConfig(t, sub, "BTC"))
	require.NoError(t, err)

	g := pubSubGroup(t, set, "BTC")
	require.ErrorIs(t, g.Err, transport.ErrUnauthorized)
	require.Equal(t, 1, sub.subCalls)
}
