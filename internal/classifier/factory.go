package classifier

import (
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// remoteOrder is the fixed call and tie-break order of remote providers.
var remoteOrder = []string{
	domain.ProviderOpenAI,
	domain.ProviderAnthropic,
	domain.ProviderCohere,
}

// Build creates the configured classifiers in call order: enabled remote
// providers first, then the local model. A provider that cannot be built is
// logged and left out.
func Build(cfg *domain.Config, source ModelSource, logger *zap.Logger) []domain.Classifier {
	if logger == nil {
		logger = zap.L()
	}

	retry := DefaultRetryConfig()
	if cfg.Gateway.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Gateway.MaxAttempts
	}
	if cfg.Gateway.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.Gateway.InitialBackoff
	}
	if cfg.Gateway.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.Gateway.MaxBackoff
	}

	var out []domain.Classifier
	for _, name := range remoteOrder {
		pc, ok := cfg.Providers[name]
		if !ok || !pc.Enabled {
			continue
		}

		c, err := newProvider(name, pc)
		if err != nil {
			logger.Warn("classifier disabled", zap.String("provider", name), zap.Error(err))
			continue
		}
		out = append(out, NewRemote(c, pc.RateLimit, pc.Burst, retry, logger))
	}

	if cfg.Gateway.LocalEnabled && source != nil {
		out = append(out, NewLocal(source))
	}
	return out
}

func newProvider(name string, pc domain.ProviderConfig) (domain.Classifier, error) {
	switch name {
	case domain.ProviderOpenAI:
		return NewOpenAI(pc)
	case domain.ProviderAnthropic:
		return NewAnthropic(pc)
	default:
		return NewCohere(pc)
	}
}
