package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// KafkaConfig configures Kafka PUB-SUB. Each symbol is published to its own
// topic named TopicPrefix + symbol.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	User        string
	Pass        string
	TLS         bool

	// Partitions and ReplicationFactor are used when the publisher creates
	// missing topics.
	Partitions        int
	ReplicationFactor int
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	for _, b := range c.Brokers {
		if err := ValidateEndpoint(b); err != nil {
			return err
		}
	}
	if (c.User == "") != (c.Pass == "") {
		return errors.New("kafka user and password must be set together")
	}
	return nil
}

// Topic returns the topic carrying publications for symbol.
func (c *KafkaConfig) Topic(symbol string) string {
	return c.TopicPrefix + symbol
}

func (c *KafkaConfig) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.User != "" {
		opts = append(opts, kgo.SASL(scram.Auth{
			User: c.User,
			Pass: c.Pass,
		}.AsSha256Mechanism()))
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

// kafkaClient is the subset of kgo.Client used here, so tests can inject a fake.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type kafkaClientFactory func(opts ...kgo.Opt) (kafkaClient, error)

func newKgoClient(opts ...kgo.Opt) (kafkaClient, error) {
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// KafkaSubscriber consumes one topic per subscribed symbol, starting at the
// end of the log so only publications made during the run are measured.
type KafkaSubscriber struct {
	log       *slog.Logger
	cfg       KafkaConfig
	codec     wire.Codec
	newClient kafkaClientFactory
	nowFunc   func() time.Time

	mu     sync.Mutex
	subs   map[*kafkaSubscription]struct{}
	closed bool
}

type KafkaOption func(*kafkaOptions)

type kafkaOptions struct {
	newClient kafkaClientFactory
	nowFunc   func() time.Time
}

// withKafkaClient is used for testing to inject a fake client.
func withKafkaClient(client kafkaClient) KafkaOption {
	return func(o *kafkaOptions) {
		o.newClient = func(...kgo.Opt) (kafkaClient, error) { return client, nil }
	}
}

func withKafkaNow(now func() time.Time) KafkaOption {
	return func(o *kafkaOptions) { o.nowFunc = now }
}

func newKafkaOptions(opts []KafkaOption) kafkaOptions {
	o := kafkaOptions{newClient: newKgoClient, nowFunc: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewKafkaSubscriber(log *slog.Logger, cfg KafkaConfig, codec wire.Codec, opts ...KafkaOption) (*KafkaSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka config: %w", err)
	}
	o := newKafkaOptions(opts)
	return &KafkaSubscriber{
		log:       log,
		cfg:       cfg,
		codec:     codec,
		newClient: o.newClient,
		nowFunc:   o.nowFunc,
		subs:      make(map[*kafkaSubscription]struct{}),
	}, nil
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, symbol string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	topic := s.cfg.Topic(symbol)
	opts := append(s.cfg.clientOpts(),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	client, err := s.newClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}

	sub := &kafkaSubscription{
		log:     s.log.With("topic", topic, "symbol", symbol),
		parent:  s,
		symbol:  symbol,
		client:  client,
		codec:   s.codec,
		nowFunc: s.nowFunc,
	}
	s.subs[sub] = struct{}{}
	sub.log.Debug("Subscribed")
	return sub, nil
}

func (s *KafkaSubscriber) remove(sub *kafkaSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func (s *KafkaSubscriber) Close() error {
	s.mu.Lock()
	subs := make([]*kafkaSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type kafkaRecord struct {
	record     *kgo.Record
	receivedAt time.Time
}

type kafkaSubscription struct {
	log     *slog.Logger
	parent  *KafkaSubscriber
	symbol  string
	client  kafkaClient
	codec   wire.Codec
	nowFunc func() time.Time

	pending []kafkaRecord
	once    sync.Once
}

// Next returns the next publication. Records from one poll share the arrival
// time of the poll that returned them.
func (s *kafkaSubscription) Next(ctx context.Context) (Delivery, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		fetches := s.client.PollFetches(ctx)
		receivedAt := s.nowFunc()
		if fetches.IsClientClosed() {
			return Delivery{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if isKafkaAuthErr(fe.Err) {
					return Delivery{}, fmt.Errorf("%w: topic %s: %v", ErrUnauthorized, fe.Topic, fe.Err)
				}
			}
			return Delivery{}, fmt.Errorf("error during fetching from topic %s: %w", errs[0].Topic, errs[0].Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			s.pending = append(s.pending, kafkaRecord{record: rec, receivedAt: receivedAt})
		})
	}

	next := s.pending[0]
	s.pending = s.pending[1:]

	m, err := s.codec.Unmarshal(next.record.Value)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: offset %d: %w", ErrMalformedMessage, next.record.Offset, err)
	}
	if m.Kind != wire.KindPublication || m.Symbol != s.symbol {
		return Delivery{}, fmt.Errorf("%w: offset %d: got %s for %q", ErrMalformedMessage, next.record.Offset, m.Kind, m.Symbol)
	}
	return Delivery{Message: m, ReceivedAt: next.receivedAt}, nil
}

func (s *kafkaSubscription) Close() error {
	s.once.Do(func() {
		s.client.Close()
		s.parent.remove(s)
	})
	return nil
}

// KafkaPublisher produces publications to the topic of each message's symbol.
type KafkaPublisher struct {
	log    *slog.Logger
	cfg    KafkaConfig
	codec  wire.Codec
	client kafkaClient
	once   sync.Once
}

func NewKafkaPublisher(log *slog.Logger, cfg KafkaConfig, codec wire.Codec, opts ...KafkaOption) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka config: %w", err)
	}
	o := newKafkaOptions(opts)
	client, err := o.newClient(append(cfg.clientOpts(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	return &KafkaPublisher{
		log:    log,
		cfg:    cfg,
		codec:  codec,
		client: client,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, m *wire.Message) error {
	payload, err := p.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal publication: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.cfg.Topic(m.Symbol),
		Key:   []byte(m.Symbol),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if isKafkaAuthErr(err) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to produce to %s: %w", rec.Topic, err)
	}
	metrics.Published.WithLabelValues(string(KindKafka)).Inc()
	return nil
}

// EnsureTopics creates the topic of every symbol, ignoring topics that
// already exist.
func (p *KafkaPublisher) EnsureTopics(ctx context.Context, symbols []string) error {
	kc, ok := p.client.(*kgo.Client)
	if !ok {
		return nil
	}
	return ensureTopics(ctx, kadm.NewClient(kc), p.cfg, symbols)
}

type topicCreator interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

func ensureTopics(ctx context.Context, adm topicCreator, cfg KafkaConfig, symbols []string) error {
	partitions := max(cfg.Partitions, 1)
	replication := max(cfg.ReplicationFactor, 1)
	for _, symbol := range symbols {
		topic := cfg.Topic(symbol)
		if _, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic); err != nil {
			if errors.Is(err, kerr.TopicAlreadyExists) {
				continue
			}
			if isKafkaAuthErr(err) {
				return fmt.Errorf("%w: create topic %s: %v", ErrUnauthorized, topic, err)
			}
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.once.Do(func() {
		p.client.Close()
	})
	return nil
}

func isKafkaAuthErr(err error) bool {
	return errors.Is(err, kerr.SaslAuthenticationFailed) ||
		errors.Is(err, kerr.TopicAuthorizationFailed) ||
		errors.Is(err, kerr.GroupAuthorizationFailed) ||
		errors.Is(err, kerr.ClusterAuthorizationFailed)
}
