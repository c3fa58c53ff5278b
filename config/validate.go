package config

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
)

// Validate checks every field and normalizes the enumerated ones. Transport
// sections are only checked for the enabled channels.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		if s == "" {
			return errors.New("symbols must not be empty")
		}
		if len(s) > wire.MaxSymbolLen {
			return fmt.Errorf("symbol %q is longer than %d bytes", s, wire.MaxSymbolLen)
		}
		if _, ok := seen[s]; ok {
			return fmt.Errorf("duplicate symbol %q", s)
		}
		seen[s] = struct{}{}
	}

	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	channels := make([]sampler.Channel, 0, len(c.Channels))
	for _, raw := range c.Channels {
		ch, err := sampler.ParseChannel(string(raw))
		if err != nil {
			return err
		}
		for _, have := range channels {
			if have == ch {
				return fmt.Errorf("duplicate channel %q", ch)
			}
		}
		channels = append(channels, ch)
	}
	c.Channels = channels

	if c.MinSamples <= 0 {
		return fmt.Errorf("min_samples must be greater than 0, got %d", c.MinSamples)
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be greater than 0, got %s", c.MaxDuration)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be greater than 0, got %s", c.RequestTimeout)
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

	format, err := wire.ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = format

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if c.HasChannel(sampler.ChannelReqRep) {
		if err := c.ReqRep.validate(); err != nil {
			return fmt.Errorf("req_rep: %w", err)
		}
	}
	if c.HasChannel(sampler.ChannelPubSub) {
		if err := c.PubSub.validate(); err != nil {
			return fmt.Errorf("pub_sub: %w", err)
		}
	}

	if c.Output.Record == "" {
		return errors.New("output.record is required")
	}
	if err := c.Influx.Validate(); err != nil {
		return fmt.Errorf("influx: %w", err)
	}
	return nil
}

// ValidateResponder checks the settings used by the reflector, which
// listens instead of connecting to an endpoint.
func (c *Config) ValidateResponder() error {
	format, err := wire.ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = format
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be greater than 0, got %s", c.RequestTimeout)
	}
	if err := c.ReqRep.validateTransport(); err != nil {
		return fmt.Errorf("req_rep: %w", err)
	}
	return nil
}

// ValidatePublisher checks the settings used by the synthetic publisher.
func (c *Config) ValidatePublisher() error {
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	format, err := wire.ParseFormat(string(c.Format))
	if err != nil {
		return err
	}
	c.Format = format
	if err := c.PubSub.validate(); err != nil {
		return fmt.Errorf("pub_sub: %w", err)
	}
	return nil
}

func (c *ReqRepConfig) validate() error {
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := transport.ValidateEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	return nil
}

func (c *ReqRepConfig) validateTransport() error {
	kind, err := transport.ParseKind(string(c.Transport))
	if err != nil {
		return err
	}
	if !kind.IsReqRep() {
		return fmt.Errorf("transport %q does not support REQ-REP (expected one of %v)", kind, transport.ReqRepKinds)
	}
	c.Transport = kind
	q := c.QUIC
	if q.MaxIdleTimeout < 0 || q.HandshakeIdleTimeout < 0 || q.KeepAlivePeriod < 0 {
		return errors.New("quic timeouts must not be negative")
	}
	return nil
}

func (c *PubSubConfig) validate() error {
	kind, err := transport.ParseKind(string(c.Transport))
	if err != nil {
		return err
	}
	if !kind.IsPubSub() {
		return fmt.Errorf("transport %q does not support PUB-SUB (expected one of %v)", kind, transport.PubSubKinds)
	}
	c.Transport = kind
	switch kind {
	case transport.KindKafka:
		if c.Kafka.Partitions <= 0 {
			return fmt.Errorf("kafka partitions must be greater than 0, got %d", c.Kafka.Partitions)
		}
		if c.Kafka.ReplicationFactor <= 0 {
			return fmt.Errorf("kafka replication_factor must be greater than 0, got %d", c.Kafka.ReplicationFactor)
		}
		k := c.transportKafka()
		if err := k.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	case transport.KindMulticast:
		if c.Multicast.TTL < 0 || c.Multicast.TTL > 255 {
			return fmt.Errorf("multicast ttl must be in [0, 255], got %d", c.Multicast.TTL)
		}
		m := c.transportMulticast()
		if err := m.Validate(); err != nil {
			return fmt.Errorf("multicast: %w", err)
		}
	}
	return nil
}
