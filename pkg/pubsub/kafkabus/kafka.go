// Package kafkabus is the Kafka driver for pubsub. Importing it registers
// the "kafka" driver.
package kafkabus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
	"github.com/weiawesome/lobbycast/pkg/pubsub"
)

func init() {
	pubsub.RegisterDriver("kafka", func(ctx context.Context, cfg pubsub.Config) (*pubsub.Conns, error) {
		return Connect(cfg.Kafka)
	})
}

var topicRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ChannelToTopicAndKey maps a channel onto a topic per channel family and
// a message key for the remainder:
//
//	"user:42" → topic "{prefix}-user", key "42"
//	"system"  → topic "{prefix}-system", key ""
func ChannelToTopicAndKey(prefix, channel string) (topic, key string, err error) {
	if channel == "" {
		return "", "", fmt.Errorf("kafkabus: empty channel")
	}
	family, rest, _ := strings.Cut(channel, ":")
	if family == "" {
		return "", "", fmt.Errorf("kafkabus: invalid channel %q", channel)
	}
	topic = topicRegexp.ReplaceAllString(family, "-")
	if prefix != "" {
		topic = prefix + "-" + topic
	}
	return topic, rest, nil
}

// TopicAndKeyToChannel is the inverse of ChannelToTopicAndKey.
func TopicAndKeyToChannel(prefix, topic, key string) string {
	family := topic
	if prefix != "" {
		family = strings.TrimPrefix(topic, prefix+"-")
	}
	if key == "" {
		return family
	}
	return family + ":" + key
}

// Connect opens a producer and a consumer backing a Conns.
func Connect(cfg pubsub.KafkaConfig) (*pubsub.Conns, error) {
	pub, err := NewPublisher(cfg)
	if err != nil {
		return nil, err
	}
	sub, err := NewSubscriber(cfg)
	if err != nil {
		pub.Close()
		return nil, err
	}
	return pubsub.NewConns(pub, sub), nil
}

// Publisher produces channel payloads.
type Publisher struct {
	producer *kafka.Producer
	prefix   string
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewPublisher creates a Kafka producer.
func NewPublisher(cfg pubsub.KafkaConfig) (*Publisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	pub := &Publisher{
		producer: p,
		prefix:   cfg.TopicPrefix,
		doneCh:   make(chan struct{}),
		logger:   pkglog.Component("kafkabus"),
	}
	go pub.deliveryReportHandler()
	return pub, nil
}

func (p *Publisher) deliveryReportHandler() {
	defer close(p.doneCh)
	for e := range p.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			p.logger.Warn().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
		}
	}
}

// Publish produces payload keyed by the channel remainder so one channel
// always lands on one partition and keeps its order.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	topic, key, err := ChannelToTopicAndKey(p.prefix, channel)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
	}, nil)
}

func (p *Publisher) Close() error {
	p.producer.Flush(5000)
	p.producer.Close()
	<-p.doneCh
	return nil
}

// Subscriber consumes every topic that backs a subscribed channel and
// forwards only messages whose reconstructed channel is subscribed.
type Subscriber struct {
	consumer *kafka.Consumer
	prefix   string

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool

	out    chan pubsub.Message
	cancel context.CancelFunc
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewSubscriber creates a consumer. Every process instance gets its own
// consumer group so each one sees every message.
func NewSubscriber(cfg pubsub.KafkaConfig) (*Subscriber, error) {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "lobbycast"
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        cfg.Brokers,
		"group.id":                 groupID + "-" + uuid.NewString(),
		"auto.offset.reset":        "latest",
		"enable.auto.commit":       true,
		"allow.auto.create.topics": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		consumer: c,
		prefix:   cfg.TopicPrefix,
		channels: make(map[string]struct{}),
		out:      make(chan pubsub.Message, 256),
		cancel:   cancel,
		doneCh:   make(chan struct{}),
		logger:   pkglog.Component("kafkabus"),
	}
	go s.consume(ctx)
	return s, nil
}

func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pubsub.ErrClosed
	}
	for _, ch := range channels {
		if _, _, err := ChannelToTopicAndKey(s.prefix, ch); err != nil {
			return err
		}
		s.channels[ch] = struct{}{}
	}
	return s.resubscribeLocked()
}

func (s *Subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pubsub.ErrClosed
	}
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return s.resubscribeLocked()
}

func (s *Subscriber) resubscribeLocked() error {
	if len(s.channels) == 0 {
		return s.consumer.Unsubscribe()
	}
	seen := make(map[string]struct{})
	topics := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		topic, _, _ := ChannelToTopicAndKey(s.prefix, ch)
		if _, ok := seen[topic]; !ok {
			seen[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	return s.consumer.SubscribeTopics(topics, nil)
}

func (s *Subscriber) wants(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *Subscriber) consume(ctx context.Context) {
	defer close(s.doneCh)
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := s.consumer.Poll(500)
		switch e := ev.(type) {
		case nil:
		case *kafka.Message:
			if e.TopicPartition.Topic == nil {
				continue
			}
			channel := TopicAndKeyToChannel(s.prefix, *e.TopicPartition.Topic, string(e.Key))
			if !s.wants(channel) {
				continue
			}
			select {
			case s.out <- pubsub.Message{Channel: channel, Payload: e.Value}:
			case <-ctx.Done():
				return
			}
		case kafka.Error:
			if e.IsFatal() {
				s.logger.Error().Err(e).Int("code", int(e.Code())).Msg("kafka consumer failed; closing subscriber stream")
				return
			}
			s.logger.Warn().Err(e).Int("code", int(e.Code())).Msg("kafka consumer error")
		}
	}
}

func (s *Subscriber) Messages() <-chan pubsub.Message { return s.out }

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("kafka consumer did not stop in time")
	}
	return s.consumer.Close()
}
