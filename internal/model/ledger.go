package model

import "time"

// LedgerEntry is one committed debit against one scope for one period.
// A commit touching four scopes writes four entries sharing a ChargeID.
type LedgerEntry struct {
	ChargeID      string    `json:"charge_id"`
	ScopeKey      string    `json:"scope_key"`
	PeriodKey     string    `json:"period_key"`
	AmountUSD     float64   `json:"amount_usd"`
	DedupKey      string    `json:"dedup_key"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
