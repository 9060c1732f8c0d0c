package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateObservation is one rate value as reported by the source. Value is invalid
// when the source returned something that is not a number.
type RateObservation struct {
	ID    string              `json:"id"`
	RawID string              `json:"raw_id,omitempty"`
	Value decimal.NullDecimal `json:"value"`
}

// Pull is a full snapshot of observed rates. The pull with the latest CreatedAt
// is the current one.
type Pull struct {
	ID        string
	CreatedAt time.Time
	Rates     map[string]RateObservation
}

// Event records one notified rate change. OldValue is invalid when the rate
// was not present in the previous stored pull.
type Event struct {
	ID          string
	RateID      string
	RateName    string
	OldValue    decimal.NullDecimal
	NewValue    decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// Notification records which rules a sent notification covered, for de-duplication.
type Notification struct {
	ID               string
	RateID           string
	RateName         string
	TriggeredRuleIDs []string
	CreatedAt        time.Time
}
