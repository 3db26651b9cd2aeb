package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultKafkaGroup is the consumer group used when none is configured.
const defaultKafkaGroup = "kestrel"

// KafkaBus implements EventBus on Kafka. Each topic is a Kafka topic and the
// tenant travels as the record key and inside the envelope, so one consumer
// group serves every tenant.
type KafkaBus struct {
	mu      sync.Mutex
	brokers []string
	groupID string
	writer  *kafka.Writer
	readers map[*kafkaSubscription]struct{}
	closed  bool
	logger  *zap.Logger
}

type kafkaSubscription struct {
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed bus. Brokers are dialed lazily.
func NewKafkaBus(cfg domain.EventBusConfig, logger *zap.Logger) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, eris.New("bus: kafka_brokers is required")
	}
	if logger == nil {
		logger = zap.L()
	}
	group := cfg.KafkaGroupID
	if group == "" {
		group = defaultKafkaGroup
	}

	return &KafkaBus{
		brokers: cfg.KafkaBrokers,
		groupID: group,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		readers: make(map[*kafkaSubscription]struct{}),
		logger:  logger.Named("kafka"),
	}, nil
}

// Publish writes an envelope keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublish(tenantID); err != nil {
		return err
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return eris.Wrap(err, "bus: marshal message")
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(tenantID),
		Value: data,
	})
	if err != nil {
		return eris.Wrapf(err, "bus: kafka write to %s", topic)
	}
	return nil
}

// Subscribe starts a group reader on topic. Records for other tenants are
// skipped unless tenantID is AllTenants.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	group := b.groupID
	if tenantID != AllTenants {
		group += "." + tenantID
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		topic: topic,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}
	b.readers[sub] = struct{}{}

	go sub.run(subCtx, tenantID, handler, b.logger)
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, tenantID string, handler domain.MessageHandler, logger *zap.Logger) {
	defer close(s.done)
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logger.Error("read failed", zap.String("topic", s.topic), zap.Error(err))
			}
			return
		}

		if tenantID != AllTenants && string(m.Key) != tenantID {
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			logger.Error("dropping malformed message",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}
		if err := handler(ctx, &msg); err != nil {
			logger.Error("handler failed",
				zap.String("topic", m.Topic),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return eris.Wrap(lastErr, "bus: no kafka broker reachable")
}

// Close stops every reader and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.readers))
	for sub := range b.readers {
		subs = append(subs, sub)
	}
	b.readers = make(map[*kafkaSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.stop()
	}
	return b.writer.Close()
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.readers[s]
	delete(s.bus.readers, s)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
