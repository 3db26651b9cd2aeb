package classifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

func lunchInput() domain.ClassificationInput {
	desc, merchant := "Business lunch", "Olive Garden"
	amount := decimal.NewFromInt(45)
	return domain.ClassificationInput{Description: &desc, Merchant: &merchant, Amount: &amount}
}

func TestOpenAIClassify(t *testing.T) {
	t.Run("ParsesJSONContent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var req openAIRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "json_object", req.ResponseFormat.Type)
			assert.Contains(t, req.Messages[1].Content, "Olive Garden")
			assert.Contains(t, req.Messages[1].Content, "$45.00")

			content := `{"category":"Meals","subcategory":"business_lunch","tax_deductible":true,"confidence":0.9}`
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			})
		}))
		defer srv.Close()

		c, err := NewOpenAI(domain.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
		require.NoError(t, err)

		vote, err := c.Classify(context.Background(), lunchInput())
		require.NoError(t, err)
		assert.Equal(t, domain.ProviderOpenAI, vote.Producer)
		assert.Equal(t, domain.CategoryMeals, vote.Category)
		assert.Equal(t, 0.9, vote.Confidence)
		assert.Equal(t, "business_lunch", vote.Subcategory)
		require.NotNil(t, vote.TaxDeductible)
		assert.True(t, *vote.TaxDeductible)
	})

	t.Run("ServerErrorIsTransient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c, err := NewOpenAI(domain.ProviderConfig{APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.Classify(context.Background(), lunchInput())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("BadRequestIsPermanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad", http.StatusBadRequest)
		}))
		defer srv.Close()

		c, err := NewOpenAI(domain.ProviderConfig{APIKey: "k", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.Classify(context.Background(), lunchInput())
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := NewOpenAI(domain.ProviderConfig{})
		require.ErrorIs(t, err, ErrMissingAPIKey)
	})
}

func TestAnthropicClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "Olive Garden")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-haiku-4-5-20251001",
			"content": []map[string]any{{
				"type": "text",
				"text": "```json\n{\"category\":\"meals\",\"confidence\":0.85}\n```",
			}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 10},
		})
	}))
	defer srv.Close()

	c, err := NewAnthropic(domain.ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	vote, err := c.Classify(context.Background(), lunchInput())
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderAnthropic, vote.Producer)
	assert.Equal(t, domain.CategoryMeals, vote.Category)
	assert.Equal(t, 0.85, vote.Confidence)
}

func TestCohereClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)

		var req cohereRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"Business lunch from Olive Garden"}, req.Inputs)
		assert.Equal(t, "ft-categories", req.Model)

		_, _ = w.Write([]byte(`{"classifications":[{"prediction":"meals","confidence":0.7}]}`))
	}))
	defer srv.Close()

	c, err := NewCohere(domain.ProviderConfig{APIKey: "k", Model: "ft-categories", BaseURL: srv.URL})
	require.NoError(t, err)

	vote, err := c.Classify(context.Background(), lunchInput())
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryMeals, vote.Category)
	assert.Equal(t, 0.7, vote.Confidence)
}

func TestParseVote(t *testing.T) {
	t.Run("UnknownCategoryFolds", func(t *testing.T) {
		v, err := parseVote("x", `{"category":"groceries","confidence":0.9}`)
		require.NoError(t, err)
		assert.Equal(t, domain.CategoryUncategorized, v.Category)
	})

	t.Run("MissingConfidenceDefaults", func(t *testing.T) {
		v, err := parseVote("x", `Sure! {"category":"travel"} Hope that helps.`)
		require.NoError(t, err)
		assert.Equal(t, 0.5, v.Confidence)
	})

	t.Run("ConfidenceClamped", func(t *testing.T) {
		v, err := parseVote("x", `{"category":"travel","confidence":1.7}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v.Confidence)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := parseVote("x", "not json")
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("NoCategory", func(t *testing.T) {
		_, err := parseVote("x", `{"confidence":0.9}`)
		require.ErrorIs(t, err, ErrNoCategory)
	})
}

func TestRemoteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"classifications":[{"prediction":"travel","confidence":0.6}]}`))
	}))
	defer srv.Close()

	inner, err := NewCohere(domain.ProviderConfig{APIKey: "k", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	r := NewRemote(inner, 0, 1, fastRetry(), zap.NewNop())
	vote, err := r.Classify(context.Background(), lunchInput())
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTravel, vote.Category)
	assert.Equal(t, int32(3), calls.Load())
}

func TestLocalClassify(t *testing.T) {
	t.Run("AbstainsWithoutModel", func(t *testing.T) {
		vote, err := NewLocal(StaticModel{}).Classify(context.Background(), lunchInput())
		require.NoError(t, err)
		assert.Nil(t, vote)
	})

	t.Run("PredictsWithModel", func(t *testing.T) {
		m, err := textclass.Train([]textclass.Example{
			{Text: "business lunch olive garden", Category: "meals"},
			{Text: "hotel marriott", Category: "travel"},
		})
		require.NoError(t, err)

		vote, err := NewLocal(StaticModel{Model: m}).Classify(context.Background(), lunchInput())
		require.NoError(t, err)
		require.NotNil(t, vote)
		assert.Equal(t, domain.ProviderLocal, vote.Producer)
		assert.Equal(t, domain.CategoryMeals, vote.Category)
		assert.Greater(t, vote.Confidence, 0.5)
	})
}

func TestBuild(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Providers[domain.ProviderOpenAI] = domain.ProviderConfig{Enabled: true, APIKey: "k"}
	cfg.Providers[domain.ProviderAnthropic] = domain.ProviderConfig{Enabled: true}
	cfg.Providers[domain.ProviderCohere] = domain.ProviderConfig{Enabled: true, APIKey: "k", Model: "m"}

	list := Build(cfg, StaticModel{}, zap.NewNop())

	names := make([]string, len(list))
	for i, c := range list {
		names[i] = c.Name()
	}
	assert.Equal(t, []string{domain.ProviderOpenAI, domain.ProviderCohere, domain.ProviderLocal}, names)
}
