package classifier

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Anthropic classifies through the Messages API of the official SDK.
type Anthropic struct {
	client      sdk.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropic creates an Anthropic classifier. SDK-level retries are
// disabled; the Remote decorator owns the retry budget.
func NewAnthropic(cfg domain.ProviderConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, eris.Wrap(ErrMissingAPIKey, "anthropic")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 300
	}

	return &Anthropic{
		client:      sdk.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Name implements domain.Classifier.
func (c *Anthropic) Name() string { return domain.ProviderAnthropic }

// Classify implements domain.Classifier.
func (c *Anthropic) Classify(ctx context.Context, in domain.ClassificationInput) (*domain.ClassificationVote, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(buildPrompt(in)))},
		System:      []sdk.TextBlockParam{{Text: systemPrompt}},
		Temperature: sdk.Float(c.temperature),
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, NewTransientError(eris.Wrap(err, "anthropic: create message"), apiErr.StatusCode)
		}
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, eris.Wrap(ErrMalformedResponse, "anthropic: empty response")
	}

	return parseVote(c.Name(), text.String())
}
