package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is a single ledger line presented to the engine.
// Records are passed by value and never modified once submitted.
type TransactionRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId,omitempty"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant,omitempty"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HasTimestamp reports whether the record carries a usable timestamp.
func (t TransactionRecord) HasTimestamp() bool {
	return !t.Timestamp.IsZero()
}

// AbsAmount returns |amount| as a float64.
func (t TransactionRecord) AbsAmount() float64 {
	f, _ := t.Amount.Abs().Float64()
	return f
}

// TransactionRequest is the wire shape accepted by the HTTP adapter and CLI.
type TransactionRequest struct {
	ID          string          `json:"id,omitempty"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant,omitempty"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
}

// ToRecord converts a request to a TransactionRecord owned by userID.
// A missing timestamp defaults to now (UTC).
func (r *TransactionRequest) ToRecord(userID string, id string) TransactionRecord {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	if r.ID != "" {
		id = r.ID
	}
	return TransactionRecord{
		ID:          id,
		UserID:      userID,
		Description: r.Description,
		Merchant:    r.Merchant,
		Category:    r.Category,
		Amount:      r.Amount,
		Timestamp:   ts,
	}
}
