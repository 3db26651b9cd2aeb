package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// subjectPrefix roots every Kestrel subject: kestrel.<tenant>.<topic>.
const subjectPrefix = "kestrel."

// NATSBus implements EventBus using NATS.
// Used as the Pro tier event bus with resilience.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	logger        *zap.Logger
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus creates a new NATS-based event bus with resilience.
func NewNATSBus(cfg domain.EventBusConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("nats")

	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err), zap.Bool("will_reconnect", !nc.IsClosed()))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			break
		}
		logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.NATSMaxReconnects),
			zap.Error(err),
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "bus: connect to NATS after %d attempts", cfg.NATSMaxReconnects)
	}

	logger.Info("connected",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server_id", conn.ConnectedServerId()),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		logger:        logger,
	}, nil
}

// Publish sends a message envelope to kestrel.<tenant>.<topic>.
func (b *NATSBus) Publish(_ context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublish(tenantID); err != nil {
		return err
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return eris.Wrap(err, "bus: marshal message")
	}
	if err := b.conn.Publish(makeSubject(tenantID, topic), data); err != nil {
		return eris.Wrap(err, "bus: NATS publish")
	}
	return nil
}

// Subscribe registers a handler for a NATS subject. AllTenants maps to the
// single-token wildcard.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	natsSub, err := b.conn.Subscribe(makeSubject(tenantID, topic), func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("dropping malformed message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if err := handler(ctx, &msg); err != nil {
			b.logger.Error("handler failed",
				zap.String("subject", m.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, eris.Wrap(err, "bus: NATS subscribe")
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return eris.New("bus: NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*natsSubscription)

	b.conn.Close()
	return nil
}

func makeSubject(tenantID, topic string) string {
	return subjectPrefix + tenantID + "." + topic
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
