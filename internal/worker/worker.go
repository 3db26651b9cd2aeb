// Package worker provides async message processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Categorizer produces a consensus categorization.
type Categorizer interface {
	Categorize(ctx context.Context, tx domain.TransactionRecord) (*domain.ConsensusResult, error)
}

// Detector runs anomaly detection over a batch.
type Detector interface {
	Detect(ctx context.Context, userID string, batch []domain.TransactionRecord) (*domain.AnomalyReport, error)
}

// History records transactions and resolves detection batches.
type History interface {
	Record(ctx context.Context, userID string, txs ...domain.TransactionRecord) error
	Batch(ctx context.Context, userID string, explicit []domain.TransactionRecord) ([]domain.TransactionRecord, error)
}

// ReportStore persists anomaly reports.
type ReportStore interface {
	SaveAnomalyReport(ctx context.Context, userID string, report *domain.AnomalyReport) error
}

// Worker consumes ingestion and detection requests from the EventBus.
type Worker struct {
	bus         domain.EventBus
	categorizer Categorizer
	detector    Detector
	history     History
	reports     ReportStore
	logger      *zap.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	categorized atomic.Int64
	detections  atomic.Int64
	failures    atomic.Int64
}

// Deps are the worker's collaborators. History and Reports may be nil.
type Deps struct {
	Bus         domain.EventBus
	Categorizer Categorizer
	Detector    Detector
	History     History
	Reports     ReportStore
	Logger      *zap.Logger
}

// Config holds worker configuration.
type Config struct {
	// UserIDs limits processing to these users; empty means every user.
	UserIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         deps.Bus,
		categorizer: deps.Categorizer,
		detector:    deps.Detector,
		history:     deps.History,
		reports:     deps.Reports,
		logger:      deps.Logger.Named("worker"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the ingestion and detection topics.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.UserIDs
	if len(tenants) == 0 {
		tenants = []string{bus.AllTenants}
	}

	for _, tenantID := range tenants {
		if err := w.subscribe(tenantID, domain.TopicTransactionIngested, w.handleIngested); err != nil {
			return err
		}
		if err := w.subscribe(tenantID, domain.TopicAnomalyRequested, w.handleDetection); err != nil {
			return err
		}
	}

	w.logger.Info("workers started", zap.Strings("tenants", tenants))
	return nil
}

func (w *Worker) subscribe(tenantID, topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, w.track(handler))
	if err != nil {
		return eris.Wrapf(err, "worker: subscribe %s for %s", topic, tenantID)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// track lets Stop wait for in-flight handlers.
func (w *Worker) track(handler domain.MessageHandler) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		w.wg.Add(1)
		defer w.wg.Done()
		if err := handler(ctx, msg); err != nil {
			w.failures.Add(1)
			w.logger.Error("message failed",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.ID),
				zap.String("user_id", msg.TenantID),
				zap.Error(err),
			)
			return err
		}
		return nil
	}
}

// handleIngested categorizes a transaction, stores it with its category and
// publishes the result.
func (w *Worker) handleIngested(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var tx domain.TransactionRecord
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		return eris.Wrap(err, "worker: decode transaction")
	}
	tx.UserID = msg.TenantID

	result, err := w.categorizer.Categorize(ctx, tx)
	if err != nil {
		return eris.Wrapf(err, "worker: categorize %s", tx.ID)
	}
	if tx.Category == "" {
		tx.Category = result.Category
	}

	if w.history != nil {
		if err := w.history.Record(ctx, tx.UserID, tx); err != nil {
			w.logger.Warn("failed to record transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}

	payload, err := json.Marshal(domain.CategorizedEvent{Transaction: tx, Result: result})
	if err != nil {
		return eris.Wrap(err, "worker: encode categorization")
	}
	if err := w.bus.Publish(ctx, tx.UserID, domain.TopicTransactionCategorized, payload); err != nil {
		w.logger.Error("failed to publish categorization", zap.String("tx_id", tx.ID), zap.Error(err))
	}

	w.categorized.Add(1)
	w.logger.Debug("transaction categorized",
		zap.String("tx_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.String("category", result.Category),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// handleDetection runs a detection, persists the report and publishes it.
func (w *Worker) handleDetection(ctx context.Context, msg *domain.Message) error {
	var req domain.DetectionRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return eris.Wrap(err, "worker: decode detection request")
		}
	}
	userID := msg.TenantID

	batch := req.Transactions
	if w.history != nil {
		var err error
		if batch, err = w.history.Batch(ctx, userID, req.Transactions); err != nil {
			return err
		}
	}

	report, err := w.detector.Detect(ctx, userID, batch)
	if err != nil {
		return eris.Wrap(err, "worker: detect")
	}

	if w.reports != nil {
		if err := w.reports.SaveAnomalyReport(ctx, userID, report); err != nil {
			w.logger.Warn("failed to save anomaly report", zap.String("report_id", report.ID), zap.Error(err))
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "worker: encode report")
	}
	if err := w.bus.Publish(ctx, userID, domain.TopicAnomalyReport, payload); err != nil {
		w.logger.Error("failed to publish anomaly report", zap.String("report_id", report.ID), zap.Error(err))
	}

	w.detections.Add(1)
	w.logger.Info("anomaly detection finished",
		zap.String("user_id", userID),
		zap.String("report_id", report.ID),
		zap.Int("batch_size", report.BatchSize),
		zap.Int("anomalies", len(report.Anomalies)),
		zap.Bool("model_available", report.ModelAvailable),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight messages.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", zap.String("topic", sub.Topic()), zap.Error(err))
		}
	}

	w.wg.Wait()
	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Categorized       int64    `json:"categorized"`
	Detections        int64    `json:"detections"`
	Failures          int64    `json:"failures"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Categorized:       w.categorized.Load(),
		Detections:        w.detections.Load(),
		Failures:          w.failures.Load(),
	}
}
