// Package model defines the enrichable prospect record and the per-tier
// attempt log the waterfall writes while it runs.
package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// RecordState is the lifecycle state of a record's waterfall run.
type RecordState string

const (
	StatePending      RecordState = "pending"
	StateRunning      RecordState = "running"
	StateRequeued     RecordState = "requeued"
	StatePaused       RecordState = "paused"
	StateExhausted    RecordState = "exhausted"
	StateAborted      RecordState = "aborted"
	StateBudgetHalted RecordState = "budget_halted"
	StateTimedOut     RecordState = "timed_out"
)

// Terminal reports whether the record is finished for this subsystem and
// readable by downstream consumers.
func (s RecordState) Terminal() bool {
	switch s {
	case StateExhausted, StateAborted, StateBudgetHalted, StateTimedOut:
		return true
	}
	return false
}

// Label is the bucketed score category.
type Label string

const (
	LabelCold Label = "cold"
	LabelCool Label = "cool"
	LabelWarm Label = "warm"
	LabelHot  Label = "hot"
)

// FieldValue is one populated attribute together with where it came from.
type FieldValue struct {
	Value      any       `json:"value"`
	Source     string    `json:"source"` // tier id, or "input" for upstream-supplied values
	Provider   string    `json:"provider,omitempty"`
	Confidence float64   `json:"confidence"`
	WrittenAt  time.Time `json:"written_at"`
	Decay      *Decay    `json:"decay,omitempty"`
}

// Decay records how a value's confidence ages after it is written: the raw
// confidence the provider reported, when the data was observed, and the
// decay curve of the tier that wrote it. Confidence holds the value already
// aged to WrittenAt.
type Decay struct {
	Raw          float64   `json:"raw"`
	AsOf         time.Time `json:"as_of"`
	HalfLifeDays int       `json:"half_life_days"`
	Floor        float64   `json:"floor"`
}

// SourceInput marks values supplied by the upstream prospect feed.
const SourceInput = "input"

// Empty reports whether the value carries no information.
func (f FieldValue) Empty() bool {
	switch v := f.Value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

// Record is the enrichable prospect.
type Record struct {
	ID         string `json:"id"`
	ClientID   string `json:"client_id"`
	OrgID      string `json:"org_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	Fields         map[string]FieldValue `json:"fields"`
	ExpectedFields []string              `json:"expected_fields"`

	Score    float64 `json:"score"`
	Label    Label   `json:"label"`
	SpendUSD float64 `json:"spend_usd"`

	Attempts []Attempt `json:"attempts"`

	State      RecordState `json:"state"`
	StopReason string      `json:"stop_reason,omitempty"`
	Requeues   int         `json:"requeues"`

	PlanVersion     string `json:"plan_version,omitempty"`
	WeightsVersion  string `json:"weights_version,omitempty"`
	SnapshotVersion string `json:"snapshot_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// NewRecord creates a pending record with the given upstream fields.
func NewRecord(id, clientID, orgID string, input map[string]any, expected []string, now time.Time) *Record {
	r := &Record{
		ID:             id,
		ClientID:       clientID,
		OrgID:          orgID,
		Fields:         make(map[string]FieldValue, len(input)),
		ExpectedFields: slices.Clone(expected),
		State:          StatePending,
		Label:          LabelCold,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for k, v := range input {
		fv := FieldValue{Value: v, Source: SourceInput, Confidence: 1, WrittenAt: now}
		if fv.Empty() {
			continue
		}
		r.Fields[k] = fv
	}
	return r
}

// Field returns the populated value for key. Empty values count as missing.
func (r *Record) Field(key string) (FieldValue, bool) {
	fv, ok := r.Fields[key]
	if !ok || fv.Empty() {
		return FieldValue{}, false
	}
	return fv, true
}

// Completeness is the fraction of expected fields that are populated.
// A record with no expected fields is 0 complete.
func (r *Record) Completeness() float64 {
	if len(r.ExpectedFields) == 0 {
		return 0
	}
	filled := 0
	for _, key := range r.ExpectedFields {
		if _, ok := r.Field(key); ok {
			filled++
		}
	}
	return float64(filled) / float64(len(r.ExpectedFields))
}

// Outcome returns the latest recorded outcome for a tier, or OutcomePending.
func (r *Record) Outcome(tierID string) Outcome {
	if a := r.LastAttempt(tierID); a != nil {
		return a.Outcome
	}
	return OutcomePending
}

// LastAttempt returns the most recent attempt for a tier, or nil.
func (r *Record) LastAttempt(tierID string) *Attempt {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].TierID == tierID {
			return &r.Attempts[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers while the original
// keeps being mutated.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if c.Fields == nil {
		c.Fields = make(map[string]FieldValue)
	}
	c.ExpectedFields = slices.Clone(r.ExpectedFields)
	c.Attempts = make([]Attempt, len(r.Attempts))
	for i, a := range r.Attempts {
		a.FieldsWritten = slices.Clone(a.FieldsWritten)
		c.Attempts[i] = a
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
