package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI classifies through the chat completions API in JSON mode.
type OpenAI struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI creates an OpenAI classifier.
func NewOpenAI(cfg domain.ProviderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, eris.Wrap(ErrMissingAPIKey, "openai")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}

	return &OpenAI{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
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
func (c *OpenAI) Name() string { return domain.ProviderOpenAI }

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// Classify implements domain.Classifier.
func (c *OpenAI) Classify(ctx context.Context, in domain.ClassificationInput) (*domain.ClassificationVote, error) {
	reqBody := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(in)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	reqBody.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "openai: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := doJSON(c.httpClient, req, "openai")
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "openai: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Wrap(ErrMalformedResponse, "openai: no choices returned")
	}

	return parseVote(c.Name(), resp.Choices[0].Message.Content)
}

// doJSON executes req and returns the body of a 2xx response. Retryable
// statuses come back as TransientError.
func doJSON(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: request failed", provider)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read response", provider)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := fmt.Errorf("%s: api error (status %d): %s", provider, resp.StatusCode, truncate(string(body), 256))
		if IsTransientHTTPStatus(resp.StatusCode) {
			return nil, NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
