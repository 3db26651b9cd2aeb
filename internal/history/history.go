// Package history loads the transaction batch an anomaly run is scored in.
package history

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 90 * 24 * time.Hour

// Store is the slice of the repository the service needs.
type Store interface {
	SaveTransaction(ctx context.Context, userID string, tx *domain.TransactionRecord) error
	ListTransactions(ctx context.Context, userID string, since time.Time) ([]domain.TransactionRecord, error)
}

// ConfigSource supplies the anomaly configuration currently served.
type ConfigSource interface {
	Config() domain.AnomalyConfig
}

// Service records transactions and returns a user's recent window.
type Service struct {
	store   Store
	window  time.Duration
	configs ConfigSource
	now     func() time.Time
}

// NewService creates a history service. A non-positive window falls back
// to DefaultWindow.
func NewService(store Store, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// WithConfigSource makes the look-back period follow src. The window given
// to NewService applies while src reports none.
func (s *Service) WithConfigSource(src ConfigSource) *Service {
	s.configs = src
	return s
}

// Window returns the look-back period in force.
func (s *Service) Window() time.Duration {
	if s.configs != nil {
		if w := s.configs.Config().HistoryWindow; w > 0 {
			return w
		}
	}
	return s.window
}

// Record adds transactions to the user's history.
func (s *Service) Record(ctx context.Context, userID string, txs ...domain.TransactionRecord) error {
	for i := range txs {
		if err := s.store.SaveTransaction(ctx, userID, &txs[i]); err != nil {
			return eris.Wrapf(err, "history: record transaction %s", txs[i].ID)
		}
	}
	return nil
}

// Recent returns the user's transactions inside the window, oldest first.
func (s *Service) Recent(ctx context.Context, userID string) ([]domain.TransactionRecord, error) {
	if userID == "" {
		return nil, eris.New("history: userID is required")
	}

	since := s.now().Add(-s.Window())
	txs, err := s.store.ListTransactions(ctx, userID, since)
	if err != nil {
		return nil, eris.Wrap(err, "history: list recent transactions")
	}
	return txs, nil
}

// Batch returns explicit when the caller supplied transactions, otherwise
// the user's recent window.
func (s *Service) Batch(ctx context.Context, userID string, explicit []domain.TransactionRecord) ([]domain.TransactionRecord, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	return s.Recent(ctx, userID)
}
