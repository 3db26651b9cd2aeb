// Package anomaly runs detection over a transaction batch: outlier scoring
// with the served artifacts, rule checks, severity and ranking.
package anomaly

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var tracer = otel.Tracer("kestrel-anomaly")

// modelRulesOnly is recorded in the audit trail when no ensemble is served.
const modelRulesOnly = "rules"

// Snapshots yields the served artifact set and the fallback configuration.
type Snapshots interface {
	Current() *models.ArtifactSet
	Config() domain.AnomalyConfig
}

// Detector flags and ranks anomalous transactions in a batch.
type Detector struct {
	models Snapshots
	rules  *rules.Engine
	audit  domain.AuditRecorder
	logger *zap.Logger
}

// Options configures a Detector. Audit may be nil.
type Options struct {
	Audit  domain.AuditRecorder
	Logger *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(snapshots Snapshots, engine *rules.Engine, opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Detector{
		models: snapshots,
		rules:  engine,
		audit:  opts.Audit,
		logger: opts.Logger.Named("anomaly"),
	}
}

// Detect scores batch and returns the flagged transactions, most urgent
// first. Without a usable model the run degrades to rule-only detection.
func (d *Detector) Detect(ctx context.Context, userID string, batch []domain.TransactionRecord) (*domain.AnomalyReport, error) {
	ctx, span := tracer.Start(ctx, "anomaly.Detect")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	// One snapshot per run so scaler and model always match.
	snapshot := d.models.Current()
	cfg := d.models.Config()
	if snapshot != nil {
		cfg = snapshot.Config
	}

	report := &domain.AnomalyReport{
		ID:             uuid.New().String(),
		UserID:         userID,
		GeneratedAt:    time.Now().UTC(),
		BatchSize:      len(batch),
		ModelAvailable: snapshot.HasOutlier(),
		Anomalies:      []domain.AnomalyRecord{},
	}
	if snapshot != nil {
		report.ModelVersion = snapshot.Version
	}
	if len(batch) == 0 {
		return report, nil
	}

	matrix := features.BuildAnomalyFeatures(batch, cfg.Features)
	scaled, mlLabels, mlScores := d.score(snapshot, matrix, report)

	proc := decision.NewProcessor(cfg.Thresholds)
	for i, tx := range batch {
		in := &rules.Input{Transaction: tx, Thresholds: cfg.Thresholds}
		if cfg.BatchRules {
			bc := features.Context(matrix, i)
			in.Batch = &bc
		}

		di := &decision.Input{
			Index:       i,
			Transaction: tx,
			Reasons:     d.rules.Reasons(ctx, in),
		}
		if mlLabels != nil {
			di.MLAnomaly = mlLabels[i] == -1
			di.MLScore = mlScores[i]
		}
		if !decision.IsAnomaly(di) {
			continue
		}
		di.RiskFactors = riskFactors(matrix.Names, scaled[i], cfg.Weights)

		if rec := proc.Process(di); rec != nil {
			report.Anomalies = append(report.Anomalies, *rec)
		}
	}

	Rank(report.Anomalies)

	span.SetAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.Int("anomalies", len(report.Anomalies)),
		attribute.Bool("model.available", report.ModelAvailable),
	)
	d.record(ctx, userID, report, snapshot, time.Since(start))
	return report, nil
}

// score applies the snapshot's scaler and ensemble. Rule-only runs get nil
// labels and a batch-fitted scaling used only for risk factors.
func (d *Detector) score(snapshot *models.ArtifactSet, matrix features.Matrix, report *domain.AnomalyReport) ([][]float64, []int, []float64) {
	if snapshot.HasOutlier() {
		scaled, labels, scores, err := applyEnsemble(snapshot, matrix)
		if err == nil {
			return scaled, labels, scores
		}
		d.logger.Warn("outlier scoring failed, using rules only",
			zap.String("version", snapshot.Version),
			zap.Error(err),
		)
		report.ModelAvailable = false
	}

	scaler, err := outlier.FitScaler(matrix.Rows)
	if err != nil {
		return matrix.Rows, nil, nil
	}
	scaled, err := scaler.Transform(matrix.Rows)
	if err != nil {
		return matrix.Rows, nil, nil
	}
	return scaled, nil, nil
}

func applyEnsemble(snapshot *models.ArtifactSet, matrix features.Matrix) ([][]float64, []int, []float64, error) {
	scaled, err := snapshot.Scaler.Transform(matrix.Rows)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, scores, err := snapshot.Ensemble.Score(scaled)
	if err != nil {
		return nil, nil, nil, err
	}
	return scaled, labels, scores, nil
}

// featureGroups maps risk factor names to the features they summarize.
var featureGroups = map[string][]string{
	"amount":    {domain.FeatureAmount, domain.FeatureAmountLog, domain.FeatureAmountZScore},
	"time":      {domain.FeatureHour, domain.FeatureDayOfWeek, domain.FeatureWeekend, domain.FeatureBusinessHours},
	"frequency": {domain.FeatureMerchantFrequency, domain.FeatureCategoryFrequency},
	"pattern":   {domain.FeatureTimeVariance},
}

// riskFactors weights the mean absolute scaled value of each feature group.
// Groups without a weight or without any configured feature are omitted.
func riskFactors(names []string, row []float64, weights map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for group, members := range featureGroups {
		w, ok := weights[group]
		if !ok {
			continue
		}
		var sum float64
		n := 0
		for _, member := range members {
			for j, name := range names {
				if name == member && j < len(row) {
					sum += math.Abs(row[j])
					n++
				}
			}
		}
		if n > 0 {
			out[group] = w * sum / float64(n)
		}
	}
	return out
}

// Rank orders anomalies by severity (high first), ML score (lowest first),
// absolute amount (largest first), then batch position.
func Rank(anomalies []domain.AnomalyRecord) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.MLScore != b.MLScore {
			return a.MLScore < b.MLScore
		}
		if c := a.Amount.Abs().Cmp(b.Amount.Abs()); c != 0 {
			return c > 0
		}
		return a.Index < b.Index
	})
}

func (d *Detector) record(ctx context.Context, userID string, report *domain.AnomalyReport, snapshot *models.ArtifactSet, elapsed time.Duration) {
	if d.audit == nil || userID == "" {
		return
	}

	modelUsed := modelRulesOnly
	confidence := 0.0
	if report.ModelAvailable {
		modelUsed = snapshot.Ensemble.Primary
		confidence = 1
	}

	input, _ := json.Marshal(map[string]any{
		"batchSize":    report.BatchSize,
		"modelVersion": report.ModelVersion,
	})
	output, _ := json.Marshal(report)
	entry := &domain.AIResult{
		ID:           uuid.New().String(),
		UserID:       userID,
		TaskType:     domain.TaskAnomalyDetection,
		InputData:    input,
		OutputData:   output,
		ModelUsed:    modelUsed,
		Confidence:   confidence,
		ProcessingMs: elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}

	if err := d.audit.RecordAIResult(ctx, userID, entry); err != nil {
		d.logger.Warn("audit write failed",
			zap.String("user_id", userID),
			zap.String("task", domain.TaskAnomalyDetection),
			zap.Error(err),
		)
	}
}
