package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

var tracer = otel.Tracer("kestrel-models")

// DefaultArtifactName is used when no artifact name is configured.
const DefaultArtifactName = "kestrel-artifacts"

// Manager serves the current ArtifactSet and replaces it atomically.
// Readers never block; writers are serialized.
type Manager struct {
	store    ArtifactStore
	name     string
	defaults domain.AnomalyConfig
	logger   *zap.Logger

	current atomic.Pointer[ArtifactSet]
	mu      sync.Mutex
}

// NewManager creates a manager. defaults is the anomaly configuration used
// until a set is loaded or trained. store may be nil for in-memory use.
func NewManager(store ArtifactStore, name string, defaults domain.AnomalyConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	if name == "" {
		name = DefaultArtifactName
	}
	return &Manager{
		store:    store,
		name:     name,
		defaults: defaults.Clone(),
		logger:   logger.Named("models"),
	}
}

// Current returns the served set, or nil when none is loaded.
func (m *Manager) Current() *ArtifactSet {
	return m.current.Load()
}

// Config returns a copy of the anomaly configuration in force. Changing
// the copy never affects the served set.
func (m *Manager) Config() domain.AnomalyConfig {
	if set := m.Current(); set != nil {
		return set.Config.Clone()
	}
	return m.defaults.Clone()
}

// TextModel returns the served naive Bayes model, or nil.
func (m *Manager) TextModel() *textclass.Model {
	if set := m.Current(); set != nil {
		return set.Classifier
	}
	return nil
}

// Swap installs set and returns the previous one.
func (m *Manager) Swap(set *ArtifactSet) *ArtifactSet {
	return m.current.Swap(set)
}

// Load reads the stored set and swaps it in. On a missing or corrupt
// artifact the current set is kept and ErrModelUnavailable is returned.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return eris.Wrap(ErrModelUnavailable, "no artifact store configured")
	}

	data, err := m.store.Load(ctx, m.name)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			m.logger.Info("no stored artifacts", zap.String("name", m.name))
		} else {
			m.logger.Warn("failed to read artifacts", zap.String("name", m.name), zap.Error(err))
		}
		return eris.Wrap(ErrModelUnavailable, err.Error())
	}

	set, err := Decode(data)
	if err != nil {
		m.logger.Warn("stored artifacts are corrupt", zap.String("name", m.name), zap.Error(err))
		return eris.Wrap(ErrModelUnavailable, err.Error())
	}

	m.mu.Lock()
	m.Swap(set)
	m.mu.Unlock()

	m.logger.Info("artifacts loaded",
		zap.String("version", set.Version),
		zap.Bool("outlier", set.HasOutlier()),
		zap.Bool("classifier", set.Classifier != nil),
	)
	return nil
}

// Save encodes set and writes it to the store.
func (m *Manager) Save(ctx context.Context, set *ArtifactSet) error {
	if m.store == nil {
		return eris.New("models: no artifact store configured")
	}
	data, err := Encode(set)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, m.name, data); err != nil {
		return eris.Wrap(err, "models: save artifacts")
	}
	return nil
}

// TrainOptions controls a training run.
type TrainOptions struct {
	// Save persists the new set after it is swapped in.
	Save bool
}

// Train fits a new scaler and outlier ensemble on batch using the current
// configuration. The new set keeps the current text classifier.
func (m *Manager) Train(ctx context.Context, batch []domain.TransactionRecord, opts TrainOptions) (*outlier.TrainReport, error) {
	ctx, span := tracer.Start(ctx, "models.Train")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	if len(batch) == 0 {
		return nil, eris.Wrap(outlier.ErrEmptyMatrix, "models: train on empty batch")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.Config()
	matrix := features.BuildAnomalyFeatures(batch, cfg.Features)

	scaler, err := outlier.FitScaler(matrix.Rows)
	if err != nil {
		return nil, eris.Wrap(err, "models: fit scaler")
	}
	scaled, err := scaler.Transform(matrix.Rows)
	if err != nil {
		return nil, eris.Wrap(err, "models: scale batch")
	}

	candidates := outlier.Candidates(outlier.TrainConfig{
		Contamination: cfg.Contamination,
		Seed:          cfg.RandomSeed,
	})
	ensemble, report, err := outlier.Train(scaled, matrix.Names, candidates, m.logger)
	if err != nil {
		return nil, eris.Wrap(err, "models: train ensemble")
	}

	set := &ArtifactSet{
		Version:   uuid.NewString(),
		TrainedAt: time.Now().UTC(),
		Config:    cfg,
		Scaler:    scaler,
		Ensemble:  ensemble,
	}
	if prev := m.Current(); prev != nil {
		set.Classifier = prev.Classifier
	}
	m.Swap(set)

	m.logger.Info("outlier ensemble trained",
		zap.String("version", set.Version),
		zap.Int("rows", report.Rows),
		zap.String("primary", report.Primary),
		zap.Int("anomalies", report.AnomalyCount),
	)

	if opts.Save {
		if err := m.Save(ctx, set); err != nil {
			return report, err
		}
	}
	return report, nil
}

// TrainClassifier fits the local text classifier. Outlier artifacts and
// configuration are carried over from the current set.
func (m *Manager) TrainClassifier(ctx context.Context, examples []textclass.Example, opts TrainOptions) (*textclass.Model, error) {
	model, err := textclass.Train(examples)
	if err != nil {
		return nil, eris.Wrap(err, "models: train classifier")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.derive()
	set.Classifier = model
	m.Swap(set)

	m.logger.Info("text classifier trained",
		zap.String("version", set.Version),
		zap.Int("documents", model.Docs),
		zap.Int("classes", len(model.Classes)),
	)

	if opts.Save {
		if err := m.Save(ctx, set); err != nil {
			return model, err
		}
	}
	return model, nil
}

// UpdateConfig replaces thresholds, weights, batch rules and the history
// window without retraining. The feature list and contamination stay with
// the fitted models.
func (m *Manager) UpdateConfig(ctx context.Context, cfg domain.AnomalyConfig, opts TrainOptions) (*ArtifactSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg = cfg.Clone()
	set := m.derive()
	set.Config.Thresholds = cfg.Thresholds
	set.Config.Weights = cfg.Weights
	set.Config.BatchRules = cfg.BatchRules
	if cfg.HistoryWindow > 0 {
		set.Config.HistoryWindow = cfg.HistoryWindow
	}
	if !set.HasOutlier() {
		if len(cfg.Features) > 0 {
			set.Config.Features = cfg.Features
		}
		if cfg.Contamination > 0 {
			set.Config.Contamination = cfg.Contamination
		}
	}
	m.Swap(set)

	if opts.Save {
		if err := m.Save(ctx, set); err != nil {
			return set, err
		}
	}
	return set, nil
}

// derive copies the current set under a new version. The copy owns its
// configuration; fitted models are shared. Callers hold mu.
func (m *Manager) derive() *ArtifactSet {
	set := &ArtifactSet{}
	if prev := m.Current(); prev != nil {
		cp := *prev
		set = &cp
	}
	set.Config = m.Config()
	set.Version = uuid.NewString()
	set.TrainedAt = time.Now().UTC()
	return set
}

// ExamplesFromTransactions turns categorized transactions into training
// examples. Uncategorized rows are skipped.
func ExamplesFromTransactions(txs []domain.TransactionRecord) []textclass.Example {
	var out []textclass.Example
	for _, tx := range txs {
		if tx.Category == "" || tx.Category == domain.CategoryUncategorized {
			continue
		}
		text := strings.TrimSpace(tx.Description + " " + tx.Merchant)
		if text == "" {
			continue
		}
		out = append(out, textclass.Example{Text: text, Category: tx.Category})
	}
	return out
}
