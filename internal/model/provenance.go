package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// FieldProvenance explains where one field value came from.
type FieldProvenance struct {
	Field      string    `json:"field"`
	Value      any       `json:"value"`
	Source     string    `json:"source"`
	Provider   string    `json:"provider,omitempty"`
	Confidence float64   `json:"confidence"`
	WrittenAt  time.Time `json:"written_at"`
}

// TierTrail summarizes what happened at one tier.
type TierTrail struct {
	TierID         string   `json:"tier_id"`
	Rank           int      `json:"rank"`
	Provider       string   `json:"provider"`
	Outcome        Outcome  `json:"outcome"`
	Reason         string   `json:"reason,omitempty"`
	MatchedRule    string   `json:"matched_rule,omitempty"`
	RulesetVersion string   `json:"ruleset_version,omitempty"`
	CostUSD        float64  `json:"cost_usd"`
	FieldsWritten  []string `json:"fields_written,omitempty"`
}

// Trail is the audit view of a record: every field with its source tier and
// every tier with its outcome and reason.
type Trail struct {
	RecordID string            `json:"record_id"`
	State    RecordState       `json:"state"`
	Score    float64           `json:"score"`
	Label    Label             `json:"label"`
	SpendUSD float64           `json:"spend_usd"`
	Fields   []FieldProvenance `json:"fields"`
	Tiers    []TierTrail       `json:"tiers"`
}

// BuildTrail derives the audit trail from a record. Fields are sorted by name;
// tiers keep attempt-log order.
func BuildTrail(r *Record) Trail {
	t := Trail{
		RecordID: r.ID,
		State:    r.State,
		Score:    r.Score,
		Label:    r.Label,
		SpendUSD: r.SpendUSD,
	}
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fv := r.Fields[k]
		t.Fields = append(t.Fields, FieldProvenance{
			Field:      k,
			Value:      fv.Value,
			Source:     fv.Source,
			Provider:   fv.Provider,
			Confidence: fv.Confidence,
			WrittenAt:  fv.WrittenAt,
		})
	}
	for _, a := range r.Attempts {
		t.Tiers = append(t.Tiers, TierTrail{
			TierID:         a.TierID,
			Rank:           a.Rank,
			Provider:       a.Provider,
			Outcome:        a.Outcome,
			Reason:         a.Reason,
			MatchedRule:    a.MatchedRule,
			RulesetVersion: a.RulesetVersion,
			CostUSD:        a.CostUSD,
			FieldsWritten:  slices.Clone(a.FieldsWritten),
		})
	}
	return t
}

// Format renders the trail as plain text for the CLI.
func (t Trail) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "record %s  state=%s  score=%.1f (%s)  spend=$%.4f\n", t.RecordID, t.State, t.Score, t.Label, t.SpendUSD)
	b.WriteString("tiers:\n")
	for _, tt := range t.Tiers {
		fmt.Fprintf(&b, "  %d %-16s %-28s", tt.Rank, tt.TierID, tt.Outcome)
		if tt.CostUSD > 0 {
			fmt.Fprintf(&b, " $%.4f", tt.CostUSD)
		}
		if tt.Reason != "" {
			fmt.Fprintf(&b, " (%s)", tt.Reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("fields:\n")
	for _, f := range t.Fields {
		fmt.Fprintf(&b, "  %-20s %v  [%s %.2f]\n", f.Field, f.Value, f.Source, f.Confidence)
	}
	return b.String()
}
