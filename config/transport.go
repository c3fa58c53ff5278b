package config

import (
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
)

// ReqRepTransport maps the REQ-REP section onto the transport factory
// config.
func (c *Config) ReqRepTransport() transport.ReqRepConfig {
	return transport.ReqRepConfig{
		Kind:     c.ReqRep.Transport,
		Endpoint: c.ReqRep.Endpoint,
		Format:   c.Format,
		Timeout:  c.RequestTimeout,
		QUIC: transport.QUICConfig{
			Protocol:             c.ReqRep.QUIC.Protocol,
			MaxIdleTimeout:       c.ReqRep.QUIC.MaxIdleTimeout,
			HandshakeIdleTimeout: c.ReqRep.QUIC.HandshakeIdleTimeout,
			KeepAlivePeriod:      c.ReqRep.QUIC.KeepAlivePeriod,
		},
	}
}

// PubSubTransport maps the PUB-SUB section onto the transport factory
// config.
func (c *Config) PubSubTransport() transport.PubSubConfig {
	return transport.PubSubConfig{
		Kind:      c.PubSub.Transport,
		Format:    c.Format,
		Kafka:     c.PubSub.transportKafka(),
		Multicast: c.PubSub.transportMulticast(),
	}
}

func (c *PubSubConfig) transportKafka() transport.KafkaConfig {
	return transport.KafkaConfig{
		Brokers:           c.Kafka.Brokers,
		TopicPrefix:       c.Kafka.TopicPrefix,
		User:              c.Kafka.User,
		Pass:              c.Kafka.Pass,
		TLS:               c.Kafka.TLS,
		Partitions:        c.Kafka.Partitions,
		ReplicationFactor: c.Kafka.ReplicationFactor,
	}
}

func (c *PubSubConfig) transportMulticast() transport.MulticastConfig {
	return transport.MulticastConfig{
		Group:         c.Multicast.Group,
		InterfaceName: c.Multicast.Interface,
		Loopback:      c.Multicast.Loopback,
		TTL:           c.Multicast.TTL,
	}
}

// Sampler returns the sampler settings. Logger, clock and transports are
// wired by the caller.
func (c *Config) Sampler() sampler.Config {
	return sampler.Config{
		Symbols:        append([]string(nil), c.Symbols...),
		Channels:       append([]sampler.Channel(nil), c.Channels...),
		MinSamples:     c.MinSamples,
		MaxDuration:    c.MaxDuration,
		RequestTimeout: c.RequestTimeout,
		Interval:       c.Interval,
		Warmup:         c.Warmup,
		Concurrency:    c.Concurrency,
		Retry:          c.Retry,
	}
}
