package classifier

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultCallTimeout bounds one classifier call including its retries.
const DefaultCallTimeout = 30 * time.Second

// Gateway fans a classification out to a fixed list of classifiers.
type Gateway struct {
	classifiers []domain.Classifier
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewGateway creates a gateway over classifiers, invoked in the given order.
func NewGateway(classifiers []domain.Classifier, callTimeout time.Duration, logger *zap.Logger) *Gateway {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Gateway{
		classifiers: classifiers,
		callTimeout: callTimeout,
		logger:      logger.Named("gateway"),
	}
}

// Classifiers returns the producer names in call order.
func (g *Gateway) Classifiers() []string {
	names := make([]string, len(g.classifiers))
	for i, c := range g.classifiers {
		names[i] = c.Name()
	}
	return names
}

// Classify calls every classifier concurrently, each under its own timeout,
// and waits for all of them. Outcomes are indexed like the classifier list.
// Failures are logged and reported in the outcomes, never returned.
func (g *Gateway) Classify(ctx context.Context, in domain.ClassificationInput) []Outcome {
	outcomes := make([]Outcome, len(g.classifiers))
	if len(g.classifiers) == 0 {
		return outcomes
	}

	var eg errgroup.Group
	eg.SetLimit(len(g.classifiers))

	for i, c := range g.classifiers {
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
			defer cancel()

			start := time.Now()
			vote, err := c.Classify(callCtx, in)
			if err == nil && callCtx.Err() != nil && vote == nil {
				err = callCtx.Err()
			}
			outcomes[i] = newOutcome(c.Name(), vote, err, time.Since(start))
			return nil
		})
	}
	_ = eg.Wait()

	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			g.logger.Warn("classifier failed",
				zap.String("producer", o.Producer),
				zap.String("kind", string(o.Kind)),
				zap.Duration("latency", o.Latency),
				zap.Error(o.Err),
			)
		case o.Kind == KindAbstain:
			g.logger.Debug("classifier abstained", zap.String("producer", o.Producer))
		}
	}
	return outcomes
}
