package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Category vocabulary shared by every classifier.
const (
	CategoryMeals         = "meals"
	CategoryTravel        = "travel"
	CategoryOffice        = "office"
	CategoryAdvertising   = "advertising"
	CategorySubscriptions = "subscriptions"
	CategoryUtilities     = "utilities"
	CategoryProfessional  = "professional"
	CategoryShipping      = "shipping"
	CategoryInsurance     = "insurance"
	CategoryMaintenance   = "maintenance"
	CategoryPayroll       = "payroll"
	CategoryRent          = "rent"
	CategoryEntertainment = "entertainment"
	CategoryEducation     = "education"
	CategoryUncategorized = "uncategorized"
)

// Categories lists the fifteen categories in prompt order.
var Categories = []string{
	CategoryMeals,
	CategoryTravel,
	CategoryOffice,
	CategoryAdvertising,
	CategorySubscriptions,
	CategoryUtilities,
	CategoryProfessional,
	CategoryShipping,
	CategoryInsurance,
	CategoryMaintenance,
	CategoryPayroll,
	CategoryRent,
	CategoryEntertainment,
	CategoryEducation,
	CategoryUncategorized,
}

// IsCategory reports whether name is part of the vocabulary.
func IsCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

// ReviewThreshold is the confidence below which a result needs human review.
const ReviewThreshold = 0.8

// ClassificationVote is one classifier's opinion about a transaction.
type ClassificationVote struct {
	Producer      string  `json:"producer"`
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
	Subcategory   string  `json:"subcategory,omitempty"`
	TaxDeductible *bool   `json:"taxDeductible,omitempty"`
	Reasoning     string  `json:"reasoning,omitempty"`
}

// ConsensusResult is the reconciled categorization of a transaction.
type ConsensusResult struct {
	Category         string               `json:"category"`
	Subcategory      string               `json:"subcategory,omitempty"`
	Confidence       float64              `json:"confidence"`
	NeedsReview      bool                 `json:"needsReview"`
	TaxDeductible    bool                 `json:"taxDeductible"`
	TaxRate          float64              `json:"taxRate"`
	TaxLimit         float64              `json:"taxLimit,omitempty"`
	SuggestedAccount string               `json:"suggestedAccount"`
	Sources          []ClassificationVote `json:"sources"`
}

// ClassificationInput is the normalized classifier input. Nil fields are absent.
type ClassificationInput struct {
	Description *string          `json:"description"`
	Merchant    *string          `json:"merchant"`
	Amount      *decimal.Decimal `json:"amount"`
}

// DescriptionText returns the description or "".
func (in ClassificationInput) DescriptionText() string {
	if in.Description == nil {
		return ""
	}
	return *in.Description
}

// MerchantText returns the merchant or "".
func (in ClassificationInput) MerchantText() string {
	if in.Merchant == nil {
		return ""
	}
	return *in.Merchant
}

// AmountText renders the amount for prompts, "N/A" when absent.
func (in ClassificationInput) AmountText() string {
	if in.Amount == nil {
		return "N/A"
	}
	return in.Amount.StringFixed(2)
}

// Classifier is the single capability every categorizer implements.
// A nil vote with a nil error means the classifier abstained.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, input ClassificationInput) (*ClassificationVote, error)
}
