// Package scorer computes a bounded composite quality score for a record
// from a versioned weight table.
package scorer

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/gate"
	"github.com/sells-group/prospect-waterfall/internal/model"
)

// Signal adds bonus points when all of its conditions hold. Points may be
// negative to express a penalty.
type Signal struct {
	ID     string           `yaml:"id" json:"id"`
	When   []gate.Condition `yaml:"when" json:"when"`
	Points float64          `yaml:"points" json:"points"`
}

// Band maps a score range to a label. A score belongs to the highest band
// whose Min it reaches.
type Band struct {
	Label model.Label `yaml:"label" json:"label"`
	Min   float64     `yaml:"min" json:"min"`
}

// WeightTable is one version of the scoring configuration.
type WeightTable struct {
	Version string `yaml:"version" json:"version"`
	// Fields maps a record field to the points it contributes at full
	// confidence.
	Fields             map[string]float64 `yaml:"fields" json:"fields"`
	Signals            []Signal           `yaml:"signals" json:"signals"`
	CompletenessPoints float64            `yaml:"completeness_points" json:"completeness_points"`
	Bands              []Band             `yaml:"bands" json:"bands"`
}

// DefaultBands returns the standard cold/cool/warm/hot thresholds.
func DefaultBands() []Band {
	return []Band{
		{Label: model.LabelCold, Min: 0},
		{Label: model.LabelCool, Min: 40},
		{Label: model.LabelWarm, Min: 65},
		{Label: model.LabelHot, Min: 85},
	}
}

// DefaultWeightTable returns a table suitable for B2B contact prospects.
// Field points sum to 80 and completeness adds up to 20 more.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		Version: "default",
		Fields: map[string]float64{
			"email":          20,
			"phone":          10,
			"title":          15,
			"company":        10,
			"linkedin_url":   5,
			"employee_count": 10,
			"industry":       5,
			"revenue":        5,
		},
		Signals: []Signal{
			{ID: "executive-title", Points: 10, When: []gate.Condition{
				{Field: "seniority", Op: gate.OpIn, Value: []any{"c-level", "vp", "owner", "founder"}},
			}},
			{ID: "bounced-email", Points: -25, When: []gate.Condition{
				{Field: "email_status", Op: gate.OpEq, Value: "invalid"},
			}},
		},
		CompletenessPoints: 20,
		Bands:              DefaultBands(),
	}
}

// ValidateTable checks that a WeightTable is internally consistent.
func ValidateTable(t WeightTable) error {
	var errs []string

	if t.Version == "" {
		errs = append(errs, "version is required")
	}

	for name, w := range t.Fields {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Sprintf("field %s points must be >= 0", name))
		}
	}
	if t.CompletenessPoints < 0 || math.IsNaN(t.CompletenessPoints) {
		errs = append(errs, "completeness_points must be >= 0")
	}

	seen := make(map[string]bool, len(t.Signals))
	for i, s := range t.Signals {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("signal %d: id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("signal %s: duplicate id", s.ID))
		}
		seen[s.ID] = true
		if math.IsNaN(s.Points) || math.IsInf(s.Points, 0) {
			errs = append(errs, fmt.Sprintf("signal %s: points must be finite", s.ID))
		}
		if err := gate.ValidateConditions(s.When); err != nil {
			errs = append(errs, fmt.Sprintf("signal %s: %v", s.ID, err))
		}
		// Scores must be a pure function of record fields.
		for _, c := range s.When {
			if c.Field == gate.FieldScore || c.Field == gate.FieldLabel {
				errs = append(errs, fmt.Sprintf("signal %s: cannot reference %s", s.ID, c.Field))
			}
			if c.Op.TimeBased() {
				errs = append(errs, fmt.Sprintf("signal %s: time-based op %s not allowed", s.ID, c.Op))
			}
		}
	}

	if len(t.Bands) == 0 {
		errs = append(errs, "at least one band is required")
	}
	for i, b := range t.Bands {
		if b.Label == "" {
			errs = append(errs, fmt.Sprintf("band %d: label is required", i))
		}
		if b.Min < 0 || b.Min > 100 {
			errs = append(errs, fmt.Sprintf("band %s: min must be between 0 and 100", b.Label))
		}
		if i == 0 && b.Min != 0 {
			errs = append(errs, "first band must start at 0")
		}
		if i > 0 && b.Min <= t.Bands[i-1].Min {
			errs = append(errs, fmt.Sprintf("band %s: bands must be strictly ascending", b.Label))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: weight table validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
