// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AllTenants subscribes to a topic for every tenant.
const AllTenants = "*"

var (
	// ErrTenantRequired is returned when a call has no tenant (user) scope.
	ErrTenantRequired = errors.New("bus: tenantID is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus or KafkaBus.
func New(cfg domain.EventBusConfig, logger *zap.Logger) (domain.EventBus, error) {
	if logger == nil {
		logger = zap.L()
	}
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg, logger)

	case "kafka":
		return NewKafkaBus(cfg, logger)

	default:
		return nil, eris.Errorf("bus: unsupported type %q", cfg.Type)
	}
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// checkPublish rejects the wildcard tenant, which only makes sense for
// subscriptions.
func checkPublish(tenantID string) error {
	if tenantID == "" || tenantID == AllTenants {
		return ErrTenantRequired
	}
	return nil
}
