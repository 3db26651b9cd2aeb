package models

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

func history(n int) []domain.TransactionRecord {
	base := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	merchants := []string{"Staples", "Uber", "Olive Garden", "AWS"}
	out := make([]domain.TransactionRecord, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, domain.TransactionRecord{
			ID:          fmt.Sprintf("tx-%03d", i),
			Description: "Purchase",
			Merchant:    merchants[i%len(merchants)],
			Amount:      decimal.NewFromInt(int64(20 + (i*7)%60)),
			Timestamp:   base.Add(time.Duration(i%5) * time.Hour).AddDate(0, 0, i%5),
		})
	}
	return append(out, domain.TransactionRecord{
		ID:          "tx-big",
		Description: "Wire",
		Merchant:    "Unknown New Vendor",
		Amount:      decimal.NewFromInt(48000),
		Timestamp:   time.Date(2024, 5, 11, 3, 0, 0, 0, time.UTC),
	})
}

func examples() []textclass.Example {
	return []textclass.Example{
		{Text: "business lunch olive garden", Category: "meals"},
		{Text: "team dinner restaurant", Category: "meals"},
		{Text: "uber ride airport", Category: "travel"},
		{Text: "flight to chicago", Category: "travel"},
	}
}

func newManager(t *testing.T, store ArtifactStore) *Manager {
	t.Helper()
	return NewManager(store, "", domain.DefaultAnomalyConfig(), zap.NewNop())
}

func score(t *testing.T, set *ArtifactSet, batch []domain.TransactionRecord) ([]int, []float64) {
	t.Helper()
	m := features.BuildAnomalyFeatures(batch, set.Config.Features)
	scaled, err := set.Scaler.Transform(m.Rows)
	require.NoError(t, err)
	labels, scores, err := set.Ensemble.Score(scaled)
	require.NoError(t, err)
	return labels, scores
}

func TestManagerStartsEmpty(t *testing.T) {
	m := newManager(t, NewFileStore(t.TempDir()))
	assert.Nil(t, m.Current())
	assert.Nil(t, m.TextModel())
	assert.Equal(t, domain.DefaultAnomalyConfig().Features, m.Config().Features)

	err := m.Load(context.Background())
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Nil(t, m.Current())
}

func TestTrainSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	batch := history(80)

	trainer := newManager(t, store)
	report, err := trainer.Train(ctx, batch, TrainOptions{Save: true})
	require.NoError(t, err)
	assert.Equal(t, 81, report.Rows)
	assert.NotEmpty(t, report.Primary)

	trained := trainer.Current()
	require.True(t, trained.HasOutlier())

	server := newManager(t, store)
	require.NoError(t, server.Load(ctx))
	loaded := server.Current()
	require.NotNil(t, loaded)
	assert.Equal(t, trained.Version, loaded.Version)
	assert.Equal(t, trained.Config.Features, loaded.Config.Features)

	wantLabels, wantScores := score(t, trained, batch)
	gotLabels, gotScores := score(t, loaded, batch)
	assert.Equal(t, wantLabels, gotLabels)
	assert.Equal(t, wantScores, gotScores)
}

func TestRepositoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     repository.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "models.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	store, err := NewStore(domain.ModelsConfig{Store: "database"}, repo)
	require.NoError(t, err)

	_, err = store.Load(ctx, DefaultArtifactName)
	require.ErrorIs(t, err, ErrArtifactNotFound)

	trainer := newManager(t, store)
	_, err = trainer.Train(ctx, history(40), TrainOptions{Save: true})
	require.NoError(t, err)

	server := newManager(t, store)
	require.NoError(t, server.Load(ctx))

	batch := history(10)
	wantLabels, wantScores := score(t, trainer.Current(), batch)
	gotLabels, gotScores := score(t, server.Current(), batch)
	assert.Equal(t, wantLabels, gotLabels)
	assert.Equal(t, wantScores, gotScores)
}

func TestLoadCorruptKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	m := newManager(t, store)
	_, err := m.Train(ctx, history(30), TrainOptions{})
	require.NoError(t, err)
	before := m.Current()

	require.NoError(t, store.Save(ctx, DefaultArtifactName, []byte("not an artifact")))
	err = m.Load(ctx)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Same(t, before, m.Current())
}

func TestTrainKeepsClassifierAndViceVersa(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	_, err := m.TrainClassifier(ctx, examples(), TrainOptions{})
	require.NoError(t, err)
	require.NotNil(t, m.TextModel())
	assert.False(t, m.Current().HasOutlier())

	_, err = m.Train(ctx, history(30), TrainOptions{})
	require.NoError(t, err)
	assert.True(t, m.Current().HasOutlier())
	require.NotNil(t, m.TextModel(), "training the ensemble must keep the text model")

	ensemble := m.Current().Ensemble
	_, err = m.TrainClassifier(ctx, examples()[:2], TrainOptions{})
	require.NoError(t, err)
	assert.Same(t, ensemble, m.Current().Ensemble)
	assert.Equal(t, []string{"meals"}, m.TextModel().Classes)
}

func TestTrainEmptyBatch(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.Train(context.Background(), nil, TrainOptions{})
	assert.Error(t, err)
	assert.Nil(t, m.Current())
}

func TestSaveWithoutStore(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.Train(context.Background(), history(10), TrainOptions{Save: true})
	assert.Error(t, err)
	assert.NotNil(t, m.Current(), "the trained set is served even when saving fails")
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	_, err := m.Train(ctx, history(30), TrainOptions{})
	require.NoError(t, err)
	before := m.Current()

	cfg := domain.DefaultAnomalyConfig()
	cfg.Thresholds.HighAmount = 2500
	cfg.BatchRules = true
	cfg.Features = []string{domain.FeatureAmount}

	set, err := m.UpdateConfig(ctx, cfg, TrainOptions{})
	require.NoError(t, err)
	assert.Same(t, set, m.Current())
	assert.NotEqual(t, before.Version, set.Version)
	assert.Equal(t, 2500.0, set.Config.Thresholds.HighAmount)
	assert.True(t, set.Config.BatchRules)
	assert.Equal(t, before.Config.Features, set.Config.Features, "features stay bound to the fitted scaler")
	assert.Same(t, before.Ensemble, set.Ensemble)
	assert.Equal(t, 10000.0, before.Config.Thresholds.HighAmount, "the previous set is not mutated")
}

func TestConfigReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	cfg := m.Config()
	cfg.Features[0] = domain.FeatureAmount
	cfg.Weights["amount"] = 9
	assert.Equal(t, domain.DefaultAnomalyConfig().Features, m.Config().Features, "defaults are not shared")

	_, err := m.Train(ctx, history(30), TrainOptions{})
	require.NoError(t, err)
	served := m.Current()
	want := served.Config.Clone()

	cfg = m.Config()
	cfg.Features[0] = domain.FeatureWeekend
	cfg.Weights["amount"] = 7
	assert.Equal(t, want, served.Config)

	set, err := m.UpdateConfig(ctx, cfg, TrainOptions{})
	require.NoError(t, err)
	cfg.Weights["time"] = 5
	assert.Equal(t, 7.0, set.Config.Weights["amount"])
	assert.Equal(t, want.Weights["time"], set.Config.Weights["time"], "the caller's map is not kept")
	assert.Equal(t, want, served.Config)
}

func TestCodec(t *testing.T) {
	set := &ArtifactSet{Version: "v1", Config: domain.DefaultAnomalyConfig()}

	data, err := Encode(set)
	require.NoError(t, err)
	assert.Equal(t, zstdMagic, data[:4])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Version)

	plain, err := Decode([]byte(`{"format_version":1,"set":{"version":"plain"}}`))
	require.NoError(t, err)
	assert.Equal(t, "plain", plain.Version)

	_, err = Decode([]byte(`{"format_version":99,"set":{}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"format_version":1}`))
	assert.Error(t, err)
}

func TestExamplesFromTransactions(t *testing.T) {
	got := ExamplesFromTransactions([]domain.TransactionRecord{
		{Description: "Lunch", Merchant: "Cafe", Category: "meals"},
		{Description: "Mystery", Category: domain.CategoryUncategorized},
		{Description: "No label"},
	})
	assert.Equal(t, []textclass.Example{{Text: "Lunch Cafe", Category: "meals"}}, got)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(domain.ModelsConfig{Store: "file", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(domain.ModelsConfig{Store: "database"}, nil)
	assert.Error(t, err)

	_, err = NewStore(domain.ModelsConfig{Store: "s3"}, nil)
	assert.Error(t, err)
}
