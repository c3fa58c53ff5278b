// Package config loads, validates and maps the linkbench run configuration.
//
// A config starts from Default, is overlaid by a YAML file and then by CLI
// flags, and is validated once before anything is opened. Secrets are read
// from the environment only and never appear in YAML or in the sanitized
// view that is logged and written to the run record.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/malbeclabs/linkbench/internal/report"
	"github.com/malbeclabs/linkbench/internal/retry"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMinSamples     = 1000
	DefaultMaxDuration    = 5 * time.Minute
	DefaultRequestTimeout = time.Second
	DefaultConcurrency    = 16
	DefaultFormat         = wire.FormatBinary

	DefaultReqRepTransport = transport.KindUDP
	DefaultPubSubTransport = transport.KindKafka
	DefaultTopicPrefix     = "linkbench."
	DefaultMulticastTTL    = 1
)

type Config struct {
	Symbols  []string          `yaml:"symbols" json:"symbols"`
	Channels []sampler.Channel `yaml:"channels" json:"channels"`

	MinSamples     int           `yaml:"min_samples" json:"min_samples"`
	MaxDuration    time.Duration `yaml:"max_duration" json:"max_duration"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	Interval       time.Duration `yaml:"interval" json:"interval"`
	Warmup         int           `yaml:"warmup" json:"warmup"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`

	Format wire.Format  `yaml:"format" json:"format"`
	Retry  retry.Policy `yaml:"retry" json:"retry"`

	ReqRep ReqRepConfig `yaml:"req_rep" json:"req_rep"`
	PubSub PubSubConfig `yaml:"pub_sub" json:"pub_sub"`

	Output OutputConfig        `yaml:"output" json:"output"`
	Influx report.InfluxConfig `yaml:"influx" json:"influx"`
}

type ReqRepConfig struct {
	Transport transport.Kind `yaml:"transport" json:"transport"`
	Endpoint  string         `yaml:"endpoint" json:"endpoint"`
	QUIC      QUICConfig     `yaml:"quic" json:"quic"`
}

type QUICConfig struct {
	Protocol             string        `yaml:"protocol" json:"protocol,omitempty"`
	MaxIdleTimeout       time.Duration `yaml:"max_idle_timeout" json:"max_idle_timeout,omitempty"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout" json:"handshake_idle_timeout,omitempty"`
	KeepAlivePeriod      time.Duration `yaml:"keep_alive_period" json:"keep_alive_period,omitempty"`
}

type PubSubConfig struct {
	Transport transport.Kind  `yaml:"transport" json:"transport"`
	Kafka     KafkaConfig     `yaml:"kafka" json:"kafka"`
	Multicast MulticastConfig `yaml:"multicast" json:"multicast"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers" json:"brokers"`
	TopicPrefix       string   `yaml:"topic_prefix" json:"topic_prefix"`
	TLS               bool     `yaml:"tls" json:"tls"`
	Partitions        int      `yaml:"partitions" json:"partitions,omitempty"`
	ReplicationFactor int      `yaml:"replication_factor" json:"replication_factor,omitempty"`

	// User and Pass are read from the environment only.
	User string `yaml:"-" json:"-"`
	Pass string `yaml:"-" json:"-"`
}

type MulticastConfig struct {
	Group     string `yaml:"group" json:"group"`
	Interface string `yaml:"interface" json:"interface,omitempty"`
	Loopback  bool   `yaml:"loopback" json:"loopback"`
	TTL       int    `yaml:"ttl" json:"ttl"`
}

// OutputConfig holds the caller-chosen output paths. The record is required
// for a run; an empty summary or samples path skips that output.
type OutputConfig struct {
	Record  string `yaml:"record" json:"record"`
	Summary string `yaml:"summary" json:"summary"`
	Samples string `yaml:"samples" json:"samples,omitempty"`
}

// Default returns the documented defaults. Symbols and endpoints have no
// default and must be configured.
func Default() *Config {
	return &Config{
		Channels:       []sampler.Channel{sampler.ChannelReqRep},
		MinSamples:     DefaultMinSamples,
		MaxDuration:    DefaultMaxDuration,
		RequestTimeout: DefaultRequestTimeout,
		Concurrency:    DefaultConcurrency,
		Format:         DefaultFormat,
		Retry:          retry.DefaultPolicy(),
		ReqRep: ReqRepConfig{
			Transport: DefaultReqRepTransport,
		},
		PubSub: PubSubConfig{
			Transport: DefaultPubSubTransport,
			Kafka: KafkaConfig{
				TopicPrefix:       DefaultTopicPrefix,
				Partitions:        1,
				ReplicationFactor: 1,
			},
			Multicast: MulticastConfig{
				TTL: DefaultMulticastTTL,
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are an
// error. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads YAML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// HasChannel reports whether ch is enabled.
func (c *Config) HasChannel(ch sampler.Channel) bool {
	for _, have := range c.Channels {
		if have == ch {
			return true
		}
	}
	return false
}

// Sanitized returns a copy that is safe to log and to embed in the run
// record.
func (c *Config) Sanitized() Config {
	s := *c
	s.Symbols = append([]string(nil), c.Symbols...)
	s.Channels = append([]sampler.Channel(nil), c.Channels...)
	s.PubSub.Kafka.Brokers = append([]string(nil), c.PubSub.Kafka.Brokers...)
	s.PubSub.Kafka.User = ""
	s.PubSub.Kafka.Pass = ""
	s.Influx.Token = ""
	return s
}
