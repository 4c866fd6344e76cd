package model

import "time"

// Outcome is the per-tier state of a record's waterfall.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "attempted-success"
	OutcomeFailureRetryable Outcome = "attempted-failure-retryable"
	OutcomeFailureTerminal  Outcome = "attempted-failure-terminal"
	OutcomeSkippedGate      Outcome = "skipped-gate"
	OutcomeSkippedBudget    Outcome = "skipped-budget"
	// OutcomeSkippedDuplicate means the ledger already holds a committed
	// charge for this (record, tier) pair, e.g. after a crash between commit
	// and checkpoint. The tier is never invoked or charged again.
	OutcomeSkippedDuplicate Outcome = "skipped-duplicate"
)

// Terminal reports whether the tier is settled for this run so the next
// tier may start.
func (o Outcome) Terminal() bool {
	return o != OutcomePending && o != ""
}

// Skipped reports whether the tier was never invoked.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedGate, OutcomeSkippedBudget, OutcomeSkippedDuplicate:
		return true
	}
	return false
}

// Attempt is one entry of the per-tier attempt log.
type Attempt struct {
	TierID   string  `json:"tier_id"`
	Rank     int     `json:"rank"`
	Provider string  `json:"provider"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`

	FailureKind string `json:"failure_kind,omitempty"`
	Error       string `json:"error,omitempty"`

	MatchedRule    string `json:"matched_rule,omitempty"`
	RuleSet        string `json:"rule_set,omitempty"`
	RulesetVersion string `json:"ruleset_version,omitempty"`

	Scope        string  `json:"scope,omitempty"` // scope that rejected the reservation
	EstimatedUSD float64 `json:"estimated_usd"`
	CostUSD      float64 `json:"cost_usd"`
	DedupKey     string  `json:"dedup_key,omitempty"`

	Tries         int      `json:"tries"`
	FieldsWritten []string `json:"fields_written,omitempty"`
	ScoreAfter    float64  `json:"score_after"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DedupKey is the idempotency key for charging a tier on a record.
func DedupKey(recordID, tierID string) string {
	return "record:" + recordID + "/tier:" + tierID
}
