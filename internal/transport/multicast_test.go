package transport_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestTransport_MulticastConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := transport.MulticastConfig{Group: "239.1.2.3:5000"}
	require.NoError(t, cfg.Validate())

	cfg.Group = "10.0.0.1:5000"
	require.ErrorIs(t, cfg.Validate(), transport.ErrInvalidEndpoint)

	cfg.Group = "239.1.2.3"
	require.ErrorIs(t, cfg.Validate(), transport.ErrInvalidEndpoint)
}

func TestTransport_Multicast_PubSub(t *testing.T) {
	t.Parallel()
	log := log.With("test", t.Name())

	cfg := transport.MulticastConfig{
		Group:    fmt.Sprintf("239.255.%d.%d:%d", rand.IntN(250)+1, rand.IntN(250)+1, 20000+rand.IntN(20000)),
		Loopback: true,
	}

	sub, err := transport.NewMulticastSubscriber(log, cfg, wire.BinaryCodec{})
	require.NoError(t, err)
	defer sub.Close()

	btc, err := sub.Subscribe(context.Background(), "BTC")
	if err != nil {
		t.Skipf("multicast not available on this host: %v", err)
	}
	eth, err := sub.Subscribe(context.Background(), "ETH")
	require.NoError(t, err)

	_, err = sub.Subscribe(context.Background(), "BTC")
	require.Error(t, err)

	pub, err := transport.NewMulticastPublisher(log, cfg, wire.BinaryCodec{})
	if err != nil {
		t.Skipf("multicast not available on this host: %v", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Publish until the first datagram comes back so a host without a
	// multicast route is detected quickly.
	var first transport.Delivery
	received := false
	for seq := uint64(1); seq <= 20 && !received; seq++ {
		err := pub.Publish(ctx, &wire.Message{Kind: wire.KindPublication, Seq: seq, Symbol: "BTC", PublishedAt: time.Now().UnixNano()})
		if err != nil {
			t.Skipf("multicast publish failed: %v", err)
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		first, err = btc.Next(waitCtx)
		waitCancel()
		received = err == nil
	}
	if !received {
		t.Skip("multicast loopback not delivered on this host")
	}
	require.Equal(t, "BTC", first.Message.Symbol)
	require.True(t, first.Message.HasPublishedAt())

	require.NoError(t, pub.Publish(ctx, &wire.Message{Kind: wire.KindPublication, Seq: 100, Symbol: "ETH"}))
	d, err := eth.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), d.Message.Seq)
	require.False(t, d.Message.HasPublishedAt())

	require.NoError(t, sub.Close())
	_, err = eth.Next(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
}
