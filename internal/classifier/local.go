package classifier

import (
	"context"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

// ModelSource yields the currently served text model, or nil.
type ModelSource interface {
	TextModel() *textclass.Model
}

// Local is the in-process naive Bayes classifier.
type Local struct {
	source ModelSource
}

// NewLocal creates a local classifier reading from source.
func NewLocal(source ModelSource) *Local {
	return &Local{source: source}
}

// Name implements domain.Classifier.
func (c *Local) Name() string { return domain.ProviderLocal }

// Classify implements domain.Classifier. It abstains when no model is
// loaded or when none of the input tokens were seen in training.
func (c *Local) Classify(ctx context.Context, in domain.ClassificationInput) (*domain.ClassificationVote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := c.source.TextModel()
	if model == nil {
		return nil, nil
	}

	text := strings.TrimSpace(in.DescriptionText() + " " + in.MerchantText())
	if !model.Known(text) {
		return nil, nil
	}

	p := model.Predict(text)
	return normalizeVote(&domain.ClassificationVote{
		Producer:   c.Name(),
		Category:   p.Category,
		Confidence: p.Probability,
	}), nil
}

// StaticModel is a ModelSource over a fixed model.
type StaticModel struct {
	Model *textclass.Model
}

// TextModel implements ModelSource.
func (s StaticModel) TextModel() *textclass.Model { return s.Model }
