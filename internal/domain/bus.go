package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
// All methods require tenantID (the user ID) for isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds

	// Kafka settings
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// Standard topic names.
const (
	TopicTransactionIngested    = "kestrel.transaction.ingested"
	TopicTransactionCategorized = "kestrel.transaction.categorized"
	TopicAnomalyRequested       = "kestrel.anomaly.requested"
	TopicAnomalyReport          = "kestrel.anomaly.report"
)

// CategorizedEvent is the payload of TopicTransactionCategorized.
type CategorizedEvent struct {
	Transaction TransactionRecord `json:"transaction"`
	Result      *ConsensusResult  `json:"result"`
}

// DetectionRequest is the payload of TopicAnomalyRequested. An empty batch
// means the user's recent history.
type DetectionRequest struct {
	Transactions []TransactionRecord `json:"transactions,omitempty"`
}
