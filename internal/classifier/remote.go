package classifier

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Remote decorates a network classifier with a token-bucket limiter and
// retry on transient failures.
type Remote struct {
	inner   domain.Classifier
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *zap.Logger
}

// NewRemote wraps inner. A non-positive rps disables rate limiting.
func NewRemote(inner domain.Classifier, rps float64, burst int, retry RetryConfig, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.L()
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}

	r := &Remote{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		logger:  logger.Named("remote").With(zap.String("provider", inner.Name())),
	}
	if r.retry.OnRetry == nil {
		r.retry.OnRetry = func(attempt int, err error) {
			r.logger.Warn("retrying classifier call",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return r
}

// Name implements domain.Classifier.
func (r *Remote) Name() string { return r.inner.Name() }

// Classify implements domain.Classifier. Each attempt waits for a limiter
// token; ctx bounds both the waits and the retries.
func (r *Remote) Classify(ctx context.Context, in domain.ClassificationInput) (*domain.ClassificationVote, error) {
	return DoVal(ctx, r.retry, func(ctx context.Context) (*domain.ClassificationVote, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return r.inner.Classify(ctx, in)
	})
}
