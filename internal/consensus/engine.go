// Package consensus reconciles classifier votes into one categorization.
package consensus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

var tracer = otel.Tracer("kestrel-consensus")

// DefaultTTL is how long a consensus result stays cached.
const DefaultTTL = time.Hour

// anonymousTenant scopes cache entries of requests without a user.
const anonymousTenant = "_anonymous"

// Gateway is the classifier fan-out used by the engine.
type Gateway interface {
	Classify(ctx context.Context, in domain.ClassificationInput) []classifier.Outcome
}

// Engine categorizes transactions with a lookaside cache in front of the
// classifier gateway.
type Engine struct {
	gateway Gateway
	cache   domain.Cache
	audit   domain.AuditRecorder
	weights Weights
	ttl     time.Duration
	logger  *zap.Logger
}

// Options configures an Engine. Cache and Audit may be nil.
type Options struct {
	Cache   domain.Cache
	Audit   domain.AuditRecorder
	Weights Weights
	TTL     time.Duration
	Logger  *zap.Logger
}

// NewEngine creates a consensus engine.
func NewEngine(gateway Gateway, opts Options) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Weights.Table == nil {
		opts.Weights = NewWeights(domain.ConsensusConfig{})
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	return &Engine{
		gateway: gateway,
		cache:   opts.Cache,
		audit:   opts.Audit,
		weights: opts.Weights,
		ttl:     opts.TTL,
		logger:  opts.Logger.Named("consensus"),
	}
}

// Categorize returns the consensus categorization of tx. Provider, cache and
// audit failures degrade the result; only a context cancelled before
// classification starts is returned as an error.
func (e *Engine) Categorize(ctx context.Context, tx domain.TransactionRecord) (*domain.ConsensusResult, error) {
	ctx, span := tracer.Start(ctx, "consensus.Categorize",
		trace.WithAttributes(attribute.String("transaction.id", tx.ID)))
	defer span.End()

	start := time.Now()
	tenant := tx.UserID
	if tenant == "" {
		tenant = anonymousTenant
	}

	in := features.BuildClassificationFeatures(tx)
	key := Fingerprint(in)

	if cached := e.lookup(ctx, tenant, key); cached != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcomes := e.gateway.Classify(ctx, in)
	votes := classifier.Votes(outcomes)
	result := e.assemble(in, votes)

	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.Int("votes", len(votes)),
		attribute.Int("failures", classifier.Failures(outcomes)),
		attribute.String("category", result.Category),
		attribute.Float64("confidence", result.Confidence),
	)

	// No-vote results stay uncached so a recovered provider is asked next time.
	if len(votes) > 0 {
		e.store(ctx, tenant, key, result)
	}
	e.record(ctx, tx, in, result, time.Since(start))

	return result, nil
}

func (e *Engine) assemble(in domain.ClassificationInput, votes []domain.ClassificationVote) *domain.ConsensusResult {
	category, confidence := Vote(votes, e.weights)
	tax := Tax(category)

	sources := votes
	if sources == nil {
		sources = []domain.ClassificationVote{}
	}

	return &domain.ConsensusResult{
		Category:         category,
		Subcategory:      Subcategory(category, in.DescriptionText()),
		Confidence:       confidence,
		NeedsReview:      confidence < domain.ReviewThreshold,
		TaxDeductible:    tax.Deductible,
		TaxRate:          tax.Rate,
		TaxLimit:         tax.Limit,
		SuggestedAccount: Account(category),
		Sources:          sources,
	}
}

func (e *Engine) lookup(ctx context.Context, tenant, key string) *domain.ConsensusResult {
	if e.cache == nil {
		return nil
	}
	data, err := e.cache.Get(ctx, tenant, key)
	if err != nil {
		e.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if data == nil {
		return nil
	}
	result, err := decodeResult(data)
	if err != nil {
		e.logger.Warn("discarding cache entry", zap.String("key", key), zap.Error(err))
		return nil
	}
	return result
}

func (e *Engine) store(ctx context.Context, tenant, key string, result *domain.ConsensusResult) {
	if e.cache == nil {
		return
	}
	data, err := encodeResult(result)
	if err != nil {
		e.logger.Warn("cache encode failed", zap.Error(err))
		return
	}
	if err := e.cache.Set(ctx, tenant, key, data, e.ttl); err != nil {
		e.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, tx domain.TransactionRecord, in domain.ClassificationInput, result *domain.ConsensusResult, elapsed time.Duration) {
	if e.audit == nil || tx.UserID == "" {
		return
	}

	input, _ := json.Marshal(in)
	output, _ := json.Marshal(result)
	entry := &domain.AIResult{
		ID:           uuid.New().String(),
		UserID:       tx.UserID,
		TaskType:     domain.TaskCategorization,
		InputData:    input,
		OutputData:   output,
		ModelUsed:    "ensemble",
		Confidence:   result.Confidence,
		ProcessingMs: elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.audit.RecordAIResult(ctx, tx.UserID, entry); err != nil {
		e.logger.Warn("audit write failed",
			zap.String("user_id", tx.UserID),
			zap.String("task", domain.TaskCategorization),
			zap.Error(err),
		)
	}
}
