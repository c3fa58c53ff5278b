package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/linkbench/internal/wire"
)

// Kind names a transport implementation.
type Kind string

const (
	KindUDP       Kind = "udp"
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindKafka     Kind = "kafka"
	KindMulticast Kind = "multicast"
)

// ReqRepKinds and PubSubKinds list the transports usable for each channel.
var (
	ReqRepKinds = []Kind{KindUDP, KindTCP, KindQUIC}
	PubSubKinds = []Kind{KindKafka, KindMulticast}
)

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindUDP, KindTCP, KindQUIC, KindKafka, KindMulticast:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

func (k Kind) IsReqRep() bool {
	return k == KindUDP || k == KindTCP || k == KindQUIC
}

func (k Kind) IsPubSub() bool {
	return k == KindKafka || k == KindMulticast
}

// ReqRepConfig selects and configures a REQ-REP transport.
type ReqRepConfig struct {
	Kind     Kind
	Endpoint string
	Format   wire.Format
	Timeout  time.Duration
	QUIC     QUICConfig
}

// PubSubConfig selects and configures a PUB-SUB transport.
type PubSubConfig struct {
	Kind      Kind
	Format    wire.Format
	Kafka     KafkaConfig
	Multicast MulticastConfig
}

func NewRequester(log *slog.Logger, cfg ReqRepConfig) (Requester, error) {
	codec, err := wire.NewCodec(cfg.Format)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindUDP:
		return NewUDPRequester(log, cfg.Endpoint, codec, cfg.Timeout)
	case KindTCP:
		return NewTCPRequester(log, cfg.Endpoint, codec, cfg.Timeout)
	case KindQUIC:
		return NewQUICRequester(log, cfg.Endpoint, codec, cfg.Timeout, cfg.QUIC)
	default:
		return nil, fmt.Errorf("transport %q does not support REQ-REP", cfg.Kind)
	}
}

// NewResponder returns a responder listening on addr. The timeout bounds
// per-message socket operations.
func NewResponder(log *slog.Logger, cfg ReqRepConfig, addr string) (Responder, error) {
	codec, err := wire.NewCodec(cfg.Format)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindUDP:
		return NewUDPResponder(log, addr, codec, cfg.Timeout)
	case KindTCP:
		return NewTCPResponder(log, addr, codec, cfg.Timeout)
	case KindQUIC:
		return NewQUICResponder(log, addr, codec, cfg.Timeout, cfg.QUIC)
	default:
		return nil, fmt.Errorf("transport %q does not support REQ-REP", cfg.Kind)
	}
}

func NewSubscriber(log *slog.Logger, cfg PubSubConfig) (Subscriber, error) {
	codec, err := wire.NewCodec(cfg.Format)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindKafka:
		return NewKafkaSubscriber(log, cfg.Kafka, codec)
	case KindMulticast:
		return NewMulticastSubscriber(log, cfg.Multicast, codec)
	default:
		return nil, fmt.Errorf("transport %q does not support PUB-SUB", cfg.Kind)
	}
}

// NewPublisher returns a publisher for the given symbols. Kafka topics for
// the symbols are created if missing.
func NewPublisher(ctx context.Context, log *slog.Logger, cfg PubSubConfig, symbols []string) (Publisher, error) {
	codec, err := wire.NewCodec(cfg.Format)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindKafka:
		p, err := NewKafkaPublisher(log, cfg.Kafka, codec)
		if err != nil {
			return nil, err
		}
		if err := p.EnsureTopics(ctx, symbols); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	case KindMulticast:
		return NewMulticastPublisher(log, cfg.Multicast, codec)
	default:
		return nil, fmt.Errorf("transport %q does not support PUB-SUB", cfg.Kind)
	}
}
