// Package gate decides whether a tier may run for a record. Rule sets are
// versioned so a past decision can be reproduced after the rules change.
package gate

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Effect is what a matching clause decides.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Clause is an AND of conditions. Clauses are ORed in order and the first
// match wins.
type Clause struct {
	ID     string      `yaml:"id" json:"id"`
	Effect Effect      `yaml:"effect" json:"effect"`
	When   []Condition `yaml:"when" json:"when"`
}

// Matches reports whether every condition holds. An empty clause always
// matches.
func (c Clause) Matches(in Input) bool {
	for _, cond := range c.When {
		if !cond.Match(in) {
			return false
		}
	}
	return true
}

// RuleSet is one version of a named set of clauses.
type RuleSet struct {
	Name    string   `yaml:"name" json:"name"`
	Version string   `yaml:"version" json:"version"`
	Clauses []Clause `yaml:"clauses" json:"clauses"`
	// Default applies when no clause matches. Empty means deny.
	Default Effect `yaml:"default" json:"default"`
}

// Decision is the outcome of evaluating a rule set.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	MatchedRule string `json:"matched_rule,omitempty"`
	RuleSet     string `json:"rule_set,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Reason renders the decision for the provenance trail.
func (d Decision) Reason() string {
	verb := "denied"
	if d.Allowed {
		verb = "allowed"
	}
	if d.RuleSet == "" {
		return "ungated"
	}
	if d.MatchedRule == "" {
		return fmt.Sprintf("%s by default of %s@%s", verb, d.RuleSet, d.Version)
	}
	return fmt.Sprintf("%s by %s in %s@%s", verb, d.MatchedRule, d.RuleSet, d.Version)
}

// Evaluate runs the rule set against the input. A nil rule set allows.
func Evaluate(rs *RuleSet, in Input) Decision {
	if rs == nil {
		return Decision{Allowed: true}
	}
	d := Decision{RuleSet: rs.Name, Version: rs.Version}
	for _, c := range rs.Clauses {
		if c.Matches(in) {
			d.Allowed = c.Effect == Allow
			d.MatchedRule = c.ID
			return d
		}
	}
	d.Allowed = rs.Default == Allow
	return d
}

// Validate checks that a rule set is well formed.
func (rs *RuleSet) Validate() error {
	var errs []string
	if rs.Name == "" {
		errs = append(errs, "name is required")
	}
	if rs.Version == "" {
		errs = append(errs, "version is required")
	}
	if rs.Default != "" && rs.Default != Allow && rs.Default != Deny {
		errs = append(errs, fmt.Sprintf("unknown default effect %q", rs.Default))
	}
	seen := make(map[string]bool, len(rs.Clauses))
	for i, c := range rs.Clauses {
		if c.ID == "" {
			errs = append(errs, fmt.Sprintf("clause %d: id is required", i))
		} else if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("clause %s: duplicate id", c.ID))
		}
		seen[c.ID] = true
		if c.Effect != Allow && c.Effect != Deny {
			errs = append(errs, fmt.Sprintf("clause %s: unknown effect %q", c.ID, c.Effect))
		}
		for _, cond := range c.When {
			if err := cond.validate(); err != nil {
				errs = append(errs, fmt.Sprintf("clause %s: %v", c.ID, err))
			}
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("gate: rule set %s@%s invalid: %s", rs.Name, rs.Version, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateConditions checks a standalone list of conditions.
func ValidateConditions(conds []Condition) error {
	for _, c := range conds {
		if err := c.validate(); err != nil {
			return eris.Wrap(err, "gate: invalid condition")
		}
	}
	return nil
}
