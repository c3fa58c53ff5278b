package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/malbeclabs/linkbench/config"
	"github.com/malbeclabs/linkbench/internal/harness"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/transport"
	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/spf13/pflag"
)

// overrides are the config fields that can be set from the command line.
// Only flags that were explicitly set replace the loaded values.
type overrides struct {
	symbols        []string
	channels       []string
	minSamples     int
	maxDuration    time.Duration
	requestTimeout time.Duration
	interval       time.Duration
	warmup         int
	concurrency    int
	format         string
	retryAttempts  int

	reqRepTransport string
	endpoint        string

	pubSubTransport string
	kafkaBrokers    []string
	topicPrefix     string
	multicastGroup  string
	multicastIface  string

	record  string
	summary string
	samples string
}

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&o.symbols, "symbols", nil, "symbols to sample, comma separated")
	fs.StringSliceVar(&o.channels, "channels", nil, "channels to sample (REQ_REP, PUB_SUB)")
	fs.IntVar(&o.minSamples, "min-samples", 0, "samples per group after which the group stops")
	fs.DurationVar(&o.maxDuration, "max-duration", 0, "upper bound on the whole run")
	fs.DurationVar(&o.requestTimeout, "request-timeout", 0, "timeout of a single REQ-REP attempt")
	fs.DurationVar(&o.interval, "interval", 0, "pause between consecutive REQ-REP requests of a group")
	fs.IntVar(&o.warmup, "warmup", 0, "initial samples per group that are not recorded")
	fs.IntVar(&o.concurrency, "concurrency", 0, "maximum number of groups sampled at once (0 = all)")
	fs.StringVar(&o.format, "format", "", "wire format (binary, json)")
	fs.IntVar(&o.retryAttempts, "retry-max-attempts", 0, "attempts per sample before it is dropped")

	fs.StringVar(&o.reqRepTransport, "req-rep-transport", "", "REQ-REP transport (udp, tcp, quic)")
	fs.StringVar(&o.endpoint, "endpoint", "", "REQ-REP peer endpoint, host:port")

	fs.StringVar(&o.pubSubTransport, "pub-sub-transport", "", "PUB-SUB transport (kafka, multicast)")
	fs.StringSliceVar(&o.kafkaBrokers, "kafka-brokers", nil, "kafka brokers, comma separated")
	fs.StringVar(&o.topicPrefix, "kafka-topic-prefix", "", "prefix of the per-symbol kafka topics")
	fs.StringVar(&o.multicastGroup, "multicast-group", "", "multicast group, ip:port")
	fs.StringVar(&o.multicastIface, "multicast-interface", "", "interface to join the multicast group on")

	fs.StringVar(&o.record, "record", "", "path of the JSON run record")
	fs.StringVar(&o.summary, "summary", "", "path of the text summary")
	fs.StringVar(&o.samples, "samples", "", "path of the optional raw samples CSV")
}

func (o *overrides) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := fs.Changed
	if set("symbols") {
		cfg.Symbols = o.symbols
	}
	if set("channels") {
		cfg.Channels = make([]sampler.Channel, 0, len(o.channels))
		for _, ch := range o.channels {
			cfg.Channels = append(cfg.Channels, sampler.Channel(ch))
		}
	}
	if set("min-samples") {
		cfg.MinSamples = o.minSamples
	}
	if set("max-duration") {
		cfg.MaxDuration = o.maxDuration
	}
	if set("request-timeout") {
		cfg.RequestTimeout = o.requestTimeout
	}
	if set("interval") {
		cfg.Interval = o.interval
	}
	if set("warmup") {
		cfg.Warmup = o.warmup
	}
	if set("concurrency") {
		cfg.Concurrency = o.concurrency
	}
	if set("format") {
		cfg.Format = wire.Format(o.format)
	}
	if set("retry-max-attempts") {
		cfg.Retry.MaxAttempts = o.retryAttempts
	}
	if set("req-rep-transport") {
		cfg.ReqRep.Transport = transport.Kind(o.reqRepTransport)
	}
	if set("endpoint") {
		cfg.ReqRep.Endpoint = o.endpoint
	}
	if set("pub-sub-transport") {
		cfg.PubSub.Transport = transport.Kind(o.pubSubTransport)
	}
	if set("kafka-brokers") {
		cfg.PubSub.Kafka.Brokers = o.kafkaBrokers
	}
	if set("kafka-topic-prefix") {
		cfg.PubSub.Kafka.TopicPrefix = o.topicPrefix
	}
	if set("multicast-group") {
		cfg.PubSub.Multicast.Group = o.multicastGroup
	}
	if set("multicast-interface") {
		cfg.PubSub.Multicast.Interface = o.multicastIface
	}
	if set("record") {
		cfg.Output.Record = o.record
	}
	if set("summary") {
		cfg.Output.Summary = o.summary
	}
	if set("samples") {
		cfg.Output.Samples = o.samples
	}
}

// loadConfig loads the .env file, the YAML config and the flag overrides,
// in that order. The result is not validated.
func loadConfig(flags *rootFlags, o *overrides, fs *pflag.FlagSet) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	o.apply(fs, cfg)
	return cfg, nil
}

func configError(err error) error {
	return exitWith(harness.ExitFailure, fmt.Errorf("invalid configuration: %w", err))
}
