package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const systemPrompt = "You are a bookkeeping assistant that categorizes business transactions. " +
	"Respond with ONLY a JSON object with the keys category, subcategory, tax_deductible, confidence and reasoning. " +
	"Do not wrap the JSON in markdown."

var categoryHints = map[string]string{
	domain.CategoryMeals:         "Restaurant, food, coffee, business meals",
	domain.CategoryTravel:        "Flights, hotels, transportation",
	domain.CategoryOffice:        "Office supplies, equipment, software",
	domain.CategoryAdvertising:   "Marketing, ads, promotions",
	domain.CategorySubscriptions: "SaaS, software subscriptions",
	domain.CategoryUtilities:     "Electricity, internet, phone",
	domain.CategoryProfessional:  "Legal, accounting, consulting",
	domain.CategoryShipping:      "Postage, delivery, shipping",
	domain.CategoryInsurance:     "Business insurance",
	domain.CategoryMaintenance:   "Repairs, maintenance",
	domain.CategoryPayroll:       "Employee salaries, benefits",
	domain.CategoryRent:          "Office rent, equipment rental",
	domain.CategoryEntertainment: "Client entertainment",
	domain.CategoryEducation:     "Training, courses, books",
	domain.CategoryUncategorized: "Unknown or other",
}

// buildPrompt renders the user prompt for language-model providers.
func buildPrompt(in domain.ClassificationInput) string {
	var b strings.Builder
	b.WriteString("Categorize this business transaction.\n\n")
	fmt.Fprintf(&b, "Description: %s\n", orNA(in.DescriptionText()))
	fmt.Fprintf(&b, "Merchant: %s\n", orNA(in.MerchantText()))
	fmt.Fprintf(&b, "Amount: $%s\n\n", in.AmountText())
	b.WriteString("Choose exactly one of these categories:\n")
	for i, c := range domain.Categories {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, c, categoryHints[c])
	}
	b.WriteString("\nAlso provide the subcategory, whether the expense is tax deductible (true/false), ")
	b.WriteString("your confidence between 0 and 1, and a short reasoning.")
	return b.String()
}

// classifyText joins description and merchant for providers taking one input.
func classifyText(in domain.ClassificationInput) string {
	desc := in.DescriptionText()
	if m := in.MerchantText(); m != "" {
		if desc == "" {
			return m
		}
		return desc + " from " + m
	}
	return desc
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// voteJSON is the response contract shared by language-model providers.
type voteJSON struct {
	Category      string   `json:"category"`
	Subcategory   *string  `json:"subcategory"`
	TaxDeductible *bool    `json:"tax_deductible"`
	Confidence    *float64 `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
}

// parseVote decodes a provider's JSON answer into a normalized vote.
func parseVote(producer, content string) (*domain.ClassificationVote, error) {
	content = cleanMarkdownWrapper(content)

	var resp voteJSON
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "%s: %v", producer, err)
	}
	if strings.TrimSpace(resp.Category) == "" {
		return nil, eris.Wrap(ErrNoCategory, producer)
	}

	confidence := 0.5
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}

	vote := &domain.ClassificationVote{
		Producer:      producer,
		Category:      resp.Category,
		Confidence:    confidence,
		TaxDeductible: resp.TaxDeductible,
		Reasoning:     resp.Reasoning,
	}
	if resp.Subcategory != nil {
		vote.Subcategory = *resp.Subcategory
	}
	return normalizeVote(vote), nil
}

// normalizeVote folds the category into the vocabulary and clamps confidence.
func normalizeVote(v *domain.ClassificationVote) *domain.ClassificationVote {
	v.Category = strings.ToLower(strings.TrimSpace(v.Category))
	if !domain.IsCategory(v.Category) {
		v.Category = domain.CategoryUncategorized
	}
	switch {
	case v.Confidence < 0:
		v.Confidence = 0
	case v.Confidence > 1:
		v.Confidence = 1
	}
	return v
}

// cleanMarkdownWrapper strips ```json fences and any prose around the object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, "}"); end >= 0 && end < len(content)-1 {
		content = content[:end+1]
	}
	return content
}
