package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashstack/foreman/pkg/log"
)

// Kafka implements Transport on a Kafka/Redpanda cluster via franz-go.
// Per-key ordering relies on the default key-hash partitioner; the
// events.* topics should be provisioned with at least 3 partitions.
type Kafka struct {
	brokers  []string
	producer *kgo.Client

	mu     sync.Mutex
	subs   []*kafkaSub
	closed bool
}

// NewKafka creates a Kafka transport and verifies broker connectivity
func NewKafka(brokers []string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}

	return &Kafka{brokers: brokers, producer: producer}, nil
}

// Publish produces one record synchronously. The call returns only
// after the cluster acknowledges the write, so the CDC publisher can
// safely mark the outbox row published.
func (k *Kafka) Publish(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins a consumer group. Offsets are committed only after
// the handler returns nil, giving at-least-once delivery.
func (k *Kafka) Subscribe(group string, topics []string, h Handler) (Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSub{client: client, cancel: cancel, group: group}
	sub.wg.Add(1)
	go sub.poll(ctx, h)

	k.mu.Lock()
	k.subs = append(k.subs, sub)
	k.mu.Unlock()
	return sub, nil
}

// Close stops all subscriptions and the producer
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := k.subs
	k.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	k.producer.Close()
	return nil
}

type kafkaSub struct {
	client   *kgo.Client
	cancel   context.CancelFunc
	group    string
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Stop leaves the group and waits for the poll loop
func (s *kafkaSub) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.client.Close()
	})
}

func (s *kafkaSub) poll(ctx context.Context, h Handler) {
	defer s.wg.Done()
	logger := log.WithComponent("transport").With().Str("group", s.group).Logger()

	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			logger.Error().Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("fetch error")
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			// Within a partition, records are processed serially and
			// a failing record is retried in place so order holds.
			for _, rec := range p.Records {
				msg := Message{Topic: rec.Topic, Key: string(rec.Key), Value: rec.Value}
				for {
					err := h(ctx, msg)
					if err == nil {
						break
					}
					if ctx.Err() != nil {
						return
					}
					logger.Warn().Err(err).
						Str("topic", rec.Topic).
						Msg("handler failed, redelivering")
					select {
					case <-ctx.Done():
						return
					case <-time.After(redeliverDelay):
					}
				}
				if err := s.client.CommitRecords(ctx, rec); err != nil && ctx.Err() == nil {
					logger.Error().Err(err).Msg("offset commit failed")
				}
			}
		})
	}
}
