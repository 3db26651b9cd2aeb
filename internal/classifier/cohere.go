package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultCohereBaseURL = "https://api.cohere.com/v1"

// Cohere classifies with a fine-tuned Cohere classification model.
type Cohere struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewCohere creates a Cohere classifier. The model is the id of a
// fine-tuned classify model trained on the category vocabulary.
func NewCohere(cfg domain.ProviderConfig) (*Cohere, error) {
	if cfg.APIKey == "" {
		return nil, eris.Wrap(ErrMissingAPIKey, "cohere")
	}
	if cfg.Model == "" {
		return nil, eris.New("cohere: model id is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCohereBaseURL
	}

	return &Cohere{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Name implements domain.Classifier.
func (c *Cohere) Name() string { return domain.ProviderCohere }

type cohereRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model"`
}

type cohereResponse struct {
	Classifications []struct {
		Prediction string   `json:"prediction"`
		Confidence *float64 `json:"confidence"`
	} `json:"classifications"`
}

// Classify implements domain.Classifier.
func (c *Cohere) Classify(ctx context.Context, in domain.ClassificationInput) (*domain.ClassificationVote, error) {
	payload, err := json.Marshal(cohereRequest{
		Inputs: []string{classifyText(in)},
		Model:  c.model,
	})
	if err != nil {
		return nil, eris.Wrap(err, "cohere: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "cohere: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := doJSON(c.httpClient, req, "cohere")
	if err != nil {
		return nil, err
	}

	var resp cohereResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "cohere: %v", err)
	}
	if len(resp.Classifications) == 0 {
		return nil, eris.Wrap(ErrMalformedResponse, "cohere: no classifications returned")
	}

	first := resp.Classifications[0]
	if strings.TrimSpace(first.Prediction) == "" {
		return nil, eris.Wrap(ErrNoCategory, "cohere")
	}
	confidence := 0.5
	if first.Confidence != nil {
		confidence = *first.Confidence
	}

	return normalizeVote(&domain.ClassificationVote{
		Producer:   c.Name(),
		Category:   first.Prediction,
		Confidence: confidence,
	}), nil
}
