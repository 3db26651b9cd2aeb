package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type stubCategorizer struct {
	category string
	err      error
}

func (s stubCategorizer) Categorize(_ context.Context, tx domain.TransactionRecord) (*domain.ConsensusResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ConsensusResult{
		Category:   s.category,
		Confidence: 0.9,
		Sources:    []domain.ClassificationVote{{Producer: "rules", Category: s.category, Confidence: 0.9}},
	}, nil
}

type fixture struct {
	bus    *bus.ChannelBus
	repo   *repository.SQLRepository
	worker *Worker
}

func newFixture(t *testing.T, categorizer Categorizer) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     repository.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "worker.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	manager := models.NewManager(nil, "", domain.DefaultAnomalyConfig(), zap.NewNop())
	detector := anomaly.NewDetector(manager, engine, anomaly.Options{Audit: repo, Logger: zap.NewNop()})

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	w := NewWorker(Deps{
		Bus:         eventBus,
		Categorizer: categorizer,
		Detector:    detector,
		History:     history.NewService(repo, 0),
		Reports:     repo,
		Logger:      zap.NewNop(),
	})
	return &fixture{bus: eventBus, repo: repo, worker: w}
}

// await subscribes to topic for userID and returns a channel of payloads.
func (f *fixture) await(t *testing.T, userID, topic string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 10)
	sub, err := f.bus.Subscribe(context.Background(), userID, topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		f := newFixture(t, stubCategorizer{category: domain.CategoryMeals})

		if err := f.worker.Start(Config{UserIDs: []string{"user-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := f.worker.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := f.worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := f.worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("CategorizeIngested", func(t *testing.T) {
		f := newFixture(t, stubCategorizer{category: domain.CategoryMeals})
		if err := f.worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer f.worker.Stop()

		out := f.await(t, "user-cat", domain.TopicTransactionCategorized)

		tx := domain.TransactionRecord{
			ID:          "tx-001",
			Description: "Team lunch",
			Merchant:    "Olive Garden",
			Amount:      decimal.RequireFromString("84.20"),
			Timestamp:   time.Date(2024, 6, 4, 12, 30, 0, 0, time.UTC),
		}
		payload, _ := json.Marshal(tx)
		if err := f.bus.Publish(context.Background(), "user-cat", domain.TopicTransactionIngested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		var event domain.CategorizedEvent
		if err := json.Unmarshal(receive(t, out), &event); err != nil {
			t.Fatalf("failed to parse categorization: %v", err)
		}
		if event.Result.Category != domain.CategoryMeals {
			t.Errorf("expected category %q, got %q", domain.CategoryMeals, event.Result.Category)
		}
		if event.Transaction.UserID != "user-cat" {
			t.Errorf("expected userID from the message tenant, got %q", event.Transaction.UserID)
		}

		stored, err := f.repo.GetTransaction(context.Background(), "user-cat", "tx-001")
		if err != nil {
			t.Fatalf("transaction not recorded: %v", err)
		}
		if stored.Category != domain.CategoryMeals {
			t.Errorf("expected stored category %q, got %q", domain.CategoryMeals, stored.Category)
		}
		if got := f.worker.GetStats().Categorized; got != 1 {
			t.Errorf("expected 1 categorized, got %d", got)
		}
	})

	t.Run("DetectFromHistory", func(t *testing.T) {
		f := newFixture(t, stubCategorizer{category: domain.CategoryOffice})
		if err := f.worker.Start(Config{UserIDs: []string{"user-det"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer f.worker.Stop()

		ctx := context.Background()
		now := time.Now().UTC()
		var txs []domain.TransactionRecord
		for i := 0; i < 10; i++ {
			txs = append(txs, domain.TransactionRecord{
				ID:          fmt.Sprintf("tx-%02d", i),
				Description: "Paper",
				Merchant:    "Staples",
				Amount:      decimal.NewFromInt(int64(20 + i)),
				Timestamp:   now.Add(-time.Duration(i+1) * 24 * time.Hour),
			})
		}
		txs = append(txs, domain.TransactionRecord{
			ID:          "tx-big",
			Description: "Wire",
			Merchant:    "Staples",
			Amount:      decimal.NewFromInt(20000),
			Timestamp:   now.Add(-time.Hour),
		})
		if err := history.NewService(f.repo, 0).Record(ctx, "user-det", txs...); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		out := f.await(t, "user-det", domain.TopicAnomalyReport)
		payload, _ := json.Marshal(domain.DetectionRequest{})
		if err := f.bus.Publish(ctx, "user-det", domain.TopicAnomalyRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		var report domain.AnomalyReport
		if err := json.Unmarshal(receive(t, out), &report); err != nil {
			t.Fatalf("failed to parse report: %v", err)
		}
		if report.BatchSize != len(txs) {
			t.Errorf("expected batch of %d, got %d", len(txs), report.BatchSize)
		}
		if len(report.Anomalies) == 0 || report.Anomalies[0].TransactionID != "tx-big" {
			t.Fatalf("expected tx-big ranked first, got %+v", report.Anomalies)
		}

		saved, err := f.repo.GetAnomalyReport(ctx, "user-det", report.ID)
		if err != nil {
			t.Fatalf("report not persisted: %v", err)
		}
		if len(saved.Anomalies) != len(report.Anomalies) {
			t.Errorf("persisted %d anomalies, published %d", len(saved.Anomalies), len(report.Anomalies))
		}
	})

	t.Run("IgnoresOtherUsers", func(t *testing.T) {
		f := newFixture(t, stubCategorizer{category: domain.CategoryMeals})
		if err := f.worker.Start(Config{UserIDs: []string{"user-a"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer f.worker.Stop()

		payload, _ := json.Marshal(domain.TransactionRecord{ID: "tx-x", Description: "Lunch"})
		_ = f.bus.Publish(context.Background(), "user-b", domain.TopicTransactionIngested, payload)
		time.Sleep(50 * time.Millisecond)

		if got := f.worker.GetStats().Categorized; got != 0 {
			t.Errorf("expected no processing for user-b, got %d", got)
		}
	})

	t.Run("FailuresCounted", func(t *testing.T) {
		f := newFixture(t, stubCategorizer{err: errors.New("boom")})
		if err := f.worker.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer f.worker.Stop()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) && f.worker.GetStats().Failures < 2 {
				time.Sleep(10 * time.Millisecond)
			}
		}()

		_ = f.bus.Publish(context.Background(), "user-f", domain.TopicTransactionIngested, []byte("not json"))
		good, _ := json.Marshal(domain.TransactionRecord{ID: "tx-1", Description: "Lunch"})
		_ = f.bus.Publish(context.Background(), "user-f", domain.TopicTransactionIngested, good)
		wg.Wait()

		if got := f.worker.GetStats().Failures; got != 2 {
			t.Errorf("expected 2 failures, got %d", got)
		}
	})
}
