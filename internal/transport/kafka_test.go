package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// mockKafkaClient implements kafkaClient for testing. Each poll returns the
// next queued fetches, then blocks until ctx is done.
type mockKafkaClient struct {
	mu       sync.Mutex
	polls    []kgo.Fetches
	produced []*kgo.Record
	produce  error
	closed   bool
}

func (m *mockKafkaClient) PollFetches(ctx context.Context) kgo.Fetches {
	m.mu.Lock()
	if len(m.polls) > 0 {
		next := m.polls[0]
		m.polls = m.polls[1:]
		m.mu.Unlock()
		return next
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{Partitions: []kgo.FetchPartition{{Err: ctx.Err()}}}}}}
}

func (m *mockKafkaClient) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if m.produce == nil {
			m.produced = append(m.produced, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: m.produce})
	}
	return results
}

func (m *mockKafkaClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func createTestFetches(topic string, records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{
		kgo.Fetch{
			Topics: []kgo.FetchTopic{
				{
					Topic: topic,
					Partitions: []kgo.FetchPartition{
						{
							Partition: 0,
							Records:   records,
						},
					},
				},
			},
		},
	}
}

func createErrFetches(topic string, err error) kgo.Fetches {
	return kgo.Fetches{
		kgo.Fetch{
			Topics: []kgo.FetchTopic{
				{
					Topic:      topic,
					Partitions: []kgo.FetchPartition{{Partition: 0, Err: err}},
				},
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKafkaConfig() KafkaConfig {
	return KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, TopicPrefix: "linkbench."}
}

func mustRecord(t *testing.T, codec wire.Codec, m *wire.Message) *kgo.Record {
	t.Helper()
	payload, err := codec.Marshal(m)
	require.NoError(t, err)
	return &kgo.Record{Topic: "linkbench." + m.Symbol, Value: payload}
}

func TestTransport_Kafka_SubscriptionDeliversRecords(t *testing.T) {
	t.Parallel()

	codec := wire.BinaryCodec{}
	now := time.Unix(1_700_000_000, 0)
	client := &mockKafkaClient{
		polls: []kgo.Fetches{
			createTestFetches("linkbench.BTC",
				mustRecord(t, codec, &wire.Message{Kind: wire.KindPublication, Seq: 1, Symbol: "BTC", PublishedAt: 10}),
				mustRecord(t, codec, &wire.Message{Kind: wire.KindPublication, Seq: 2, Symbol: "BTC"}),
			),
			createTestFetches("linkbench.BTC",
				mustRecord(t, codec, &wire.Message{Kind: wire.KindPublication, Seq: 3, Symbol: "BTC", PublishedAt: 30}),
			),
		},
	}

	sub, err := NewKafkaSubscriber(testLogger(), testKafkaConfig(), codec, withKafkaClient(client), withKafkaNow(func() time.Time { return now }))
	require.NoError(t, err)
	defer sub.Close()

	s, err := sub.Subscribe(context.Background(), "BTC")
	require.NoError(t, err)

	for _, want := range []uint64{1, 2, 3} {
		d, err := s.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, d.Message.Seq)
		require.Equal(t, now, d.ReceivedAt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Close())
	client.mu.Lock()
	require.True(t, client.closed)
	client.mu.Unlock()
}

func TestTransport_Kafka_MalformedRecord(t *testing.T) {
	t.Parallel()

	codec := wire.BinaryCodec{}
	client := &mockKafkaClient{
		polls: []kgo.Fetches{
			createTestFetches("linkbench.BTC",
				&kgo.Record{Value: []byte("garbage")},
				mustRecord(t, codec, &wire.Message{Kind: wire.KindPublication, Seq: 1, Symbol: "ETH"}),
				mustRecord(t, codec, &wire.Message{Kind: wire.KindPublication, Seq: 2, Symbol: "BTC"}),
			),
		},
	}

	sub, err := NewKafkaSubscriber(testLogger(), testKafkaConfig(), codec, withKafkaClient(client))
	require.NoError(t, err)
	defer sub.Close()

	s, err := sub.Subscribe(context.Background(), "BTC")
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrMalformedMessage)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrMalformedMessage)
	require.True(t, IsIntegrity(err))

	d, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), d.Message.Seq)
}

func TestTransport_Kafka_FetchErrors(t *testing.T) {
	t.Parallel()

	t.Run("authorization is permanent", func(t *testing.T) {
		t.Parallel()
		client := &mockKafkaClient{polls: []kgo.Fetches{createErrFetches("linkbench.BTC", kerr.TopicAuthorizationFailed)}}
		sub, err := NewKafkaSubscriber(testLogger(), testKafkaConfig(), wire.BinaryCodec{}, withKafkaClient(client))
		require.NoError(t, err)
		s, err := sub.Subscribe(context.Background(), "BTC")
		require.NoError(t, err)

		_, err = s.Next(context.Background())
		require.ErrorIs(t, err, ErrUnauthorized)
		require.True(t, IsPermanent(err))
	})

	t.Run("other errors are transient", func(t *testing.T) {
		t.Parallel()
		client := &mockKafkaClient{polls: []kgo.Fetches{createErrFetches("linkbench.BTC", kerr.NotLeaderForPartition)}}
		sub, err := NewKafkaSubscriber(testLogger(), testKafkaConfig(), wire.BinaryCodec{}, withKafkaClient(client))
		require.NoError(t, err)
		s, err := sub.Subscribe(context.Background(), "BTC")
		require.NoError(t, err)

		_, err = s.Next(context.Background())
		require.Error(t, err)
		require.False(t, IsPermanent(err))
	})
}

func TestTransport_Kafka_Publish(t *testing.T) {
	t.Parallel()

	client := &mockKafkaClient{}
	pub, err := NewKafkaPublisher(testLogger(), testKafkaConfig(), wire.JSONCodec{}, withKafkaClient(client))
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), &wire.Message{Kind: wire.KindPublication, Seq: 7, Symbol: "SOL", PublishedAt: 99}))

	client.mu.Lock()
	require.Len(t, client.produced, 1)
	rec := client.produced[0]
	client.mu.Unlock()
	require.Equal(t, "linkbench.SOL", rec.Topic)
	require.Equal(t, []byte("SOL"), rec.Key)

	m, err := wire.JSONCodec{}.Unmarshal(rec.Value)
	require.NoError(t, err)
	require.Equal(t, uint64(7), m.Seq)

	client.produce = kerr.SaslAuthenticationFailed
	err = pub.Publish(context.Background(), &wire.Message{Kind: wire.KindPublication, Seq: 8, Symbol: "SOL"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

type fakeTopicCreator struct {
	created []string
	errs    map[string]error
}

func (f *fakeTopicCreator) CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error) {
	if err, ok := f.errs[topic]; ok {
		return kadm.CreateTopicResponse{Topic: topic, Err: err}, err
	}
	f.created = append(f.created, topic)
	return kadm.CreateTopicResponse{Topic: topic}, nil
}

func TestTransport_Kafka_EnsureTopics(t *testing.T) {
	t.Parallel()

	adm := &fakeTopicCreator{errs: map[string]error{"linkbench.ETH": kerr.TopicAlreadyExists}}
	require.NoError(t, ensureTopics(context.Background(), adm, testKafkaConfig(), []string{"BTC", "ETH", "SOL"}))
	require.Equal(t, []string{"linkbench.BTC", "linkbench.SOL"}, adm.created)

	boom := errors.New("broker unavailable")
	adm = &fakeTopicCreator{errs: map[string]error{"linkbench.BTC": boom}}
	err := ensureTopics(context.Background(), adm, testKafkaConfig(), []string{"BTC"})
	require.ErrorIs(t, err, boom)
}

func TestTransport_KafkaConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := testKafkaConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "linkbench.BTC", cfg.Topic("BTC"))

	cfg.Brokers = nil
	require.Error(t, cfg.Validate())

	cfg = testKafkaConfig()
	cfg.User = "bench"
	require.Error(t, cfg.Validate())

	cfg.Pass = "secret"
	require.NoError(t, cfg.Validate())

	cfg.Brokers = []string{"no-port"}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidEndpoint)
}
