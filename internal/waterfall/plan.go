// Package waterfall runs a record through an ordered, gated, budgeted
// sequence of provider tiers.
package waterfall

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// FailurePolicy decides what a failed tier does to the rest of the run.
type FailurePolicy string

const (
	ContinueToNext FailurePolicy = "continue"
	AbortPipeline  FailurePolicy = "abort"
)

// DecayConfig holds time decay parameters for field confidence.
type DecayConfig struct {
	HalfLifeDays int     `yaml:"half_life_days" json:"half_life_days"`
	Floor        float64 `yaml:"floor" json:"floor"`
}

// TierDefinition is one step of the waterfall.
type TierDefinition struct {
	ID       string `yaml:"id" json:"id"`
	Rank     int    `yaml:"rank" json:"rank"`
	Provider string `yaml:"provider" json:"provider"`

	Pricing cost.TierPricing `yaml:",inline" json:"pricing"`

	// Fields the tier can populate. Results for other fields are dropped.
	Fields []string `yaml:"fields" json:"fields"`

	// Gate names the eligibility rule set; GateVersion pins one version,
	// otherwise the latest is used.
	Gate        string `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateVersion string `yaml:"gate_version,omitempty" json:"gate_version,omitempty"`

	FailurePolicy FailurePolicy `yaml:"failure_policy" json:"failure_policy"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`

	// Scopes the tier charges against; empty means all scope kinds.
	Scopes []ledger.Kind `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	Decay *DecayConfig             `yaml:"decay,omitempty" json:"decay,omitempty"`
	Retry *resilience.RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Plan is the ordered tier list plus run-wide limits.
type Plan struct {
	Version       string           `yaml:"version" json:"version"`
	RecordTimeout time.Duration    `yaml:"record_timeout" json:"record_timeout"`
	TierTimeout   time.Duration    `yaml:"tier_timeout" json:"tier_timeout"`
	Tiers         []TierDefinition `yaml:"tiers" json:"tiers"`
}

// Normalize applies defaults, orders tiers by rank and validates the plan.
func (p *Plan) Normalize() error {
	if p.TierTimeout <= 0 {
		p.TierTimeout = 30 * time.Second
	}
	for i := range p.Tiers {
		t := &p.Tiers[i]
		if t.Rank == 0 {
			t.Rank = i + 1
		}
		if t.FailurePolicy == "" {
			t.FailurePolicy = ContinueToNext
		}
		if t.Timeout <= 0 {
			t.Timeout = p.TierTimeout
		}
	}
	sort.SliceStable(p.Tiers, func(i, j int) bool { return p.Tiers[i].Rank < p.Tiers[j].Rank })
	return p.Validate()
}

// Validate checks the plan for structural problems.
func (p *Plan) Validate() error {
	var problems []string
	if p.Version == "" {
		problems = append(problems, "version is required")
	}
	if len(p.Tiers) == 0 {
		problems = append(problems, "at least one tier is required")
	}
	ids := make(map[string]bool, len(p.Tiers))
	ranks := make(map[int]string, len(p.Tiers))
	for i, t := range p.Tiers {
		switch {
		case t.ID == "":
			problems = append(problems, "tier "+strconv.Itoa(i)+": id is required")
		case ids[t.ID]:
			problems = append(problems, "tier "+t.ID+": duplicate id")
		}
		ids[t.ID] = true
		if prev, ok := ranks[t.Rank]; ok {
			problems = append(problems, "tier "+t.ID+": rank shared with "+prev)
		}
		ranks[t.Rank] = t.ID
		if t.Provider == "" {
			problems = append(problems, "tier "+t.ID+": provider is required")
		}
		if t.FailurePolicy != ContinueToNext && t.FailurePolicy != AbortPipeline {
			problems = append(problems, "tier "+t.ID+": unknown failure_policy "+string(t.FailurePolicy))
		}
		if t.Pricing.FixedUSD < 0 || t.Pricing.PerFieldUSD < 0 {
			problems = append(problems, "tier "+t.ID+": cost must not be negative")
		}
		for _, k := range t.Scopes {
			if !k.Valid() {
				problems = append(problems, "tier "+t.ID+": unknown scope "+string(k))
			}
		}
		if t.Decay != nil && (t.Decay.Floor < 0 || t.Decay.Floor > 1) {
			problems = append(problems, "tier "+t.ID+": decay floor must be within [0,1]")
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("waterfall: invalid plan: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Tier returns the tier with the given id.
func (p *Plan) Tier(id string) (TierDefinition, bool) {
	for _, t := range p.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return TierDefinition{}, false
}

func (t TierDefinition) scopeKinds() []ledger.Kind {
	if len(t.Scopes) == 0 {
		return ledger.AllKinds
	}
	return t.Scopes
}
