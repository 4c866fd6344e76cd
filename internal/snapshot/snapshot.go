// Package snapshot loads the versioned domain configuration (tier plan,
// weight table, gate rule sets and budget policy) and swaps it atomically
// while runs are in flight.
package snapshot

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-waterfall/internal/gate"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/scorer"
	"github.com/sells-group/prospect-waterfall/internal/waterfall"
)

// Snapshot is one immutable version of the domain configuration.
type Snapshot struct {
	Version  string             `yaml:"version" json:"version"`
	Plan     waterfall.Plan     `yaml:"plan" json:"plan"`
	Weights  scorer.WeightTable `yaml:"weights" json:"weights"`
	RuleSets []gate.RuleSet     `yaml:"rulesets" json:"rulesets"`
	Budgets  ledger.Policy      `yaml:"budgets" json:"budgets"`

	raw    []byte
	engine *scorer.Engine
	book   *gate.Book
}

// Load reads and validates a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a snapshot. Every part must be valid for the
// snapshot to load.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "snapshot: parse")
	}
	if s.Version == "" {
		return nil, eris.New("snapshot: version is required")
	}
	if s.Plan.Version == "" {
		s.Plan.Version = s.Version
	}
	if s.Budgets.Version == "" {
		s.Budgets.Version = s.Version
	}

	if err := s.Plan.Normalize(); err != nil {
		return nil, eris.Wrapf(err, "snapshot %s: plan", s.Version)
	}
	engine, err := scorer.NewEngine(s.Weights)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot %s: weights", s.Version)
	}
	book, err := gate.NewBook(s.RuleSets...)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot %s: rulesets", s.Version)
	}
	if err := s.Budgets.Validate(); err != nil {
		return nil, eris.Wrapf(err, "snapshot %s: budgets", s.Version)
	}
	if err := checkGates(&s.Plan, book); err != nil {
		return nil, eris.Wrapf(err, "snapshot %s", s.Version)
	}

	s.raw = data
	s.engine = engine
	s.book = book
	return &s, nil
}

func checkGates(p *waterfall.Plan, book *gate.Book) error {
	var missing []string
	for _, t := range p.Tiers {
		if t.Gate == "" {
			continue
		}
		var ok bool
		if t.GateVersion != "" {
			_, ok = book.Lookup(t.Gate, t.GateVersion)
		} else {
			_, ok = book.Latest(t.Gate)
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("tier %s: unknown rule set %s@%s", t.ID, t.Gate, t.GateVersion))
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("gates: %s", strings.Join(missing, "; "))
	}
	return nil
}

// CheckLeases fails unless every run under the snapshot ends well inside
// ttl, the lifetime of budget reservations and record leases. A plan with
// no record timeout is unbounded and always fails.
func (s *Snapshot) CheckLeases(ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	p := &s.Plan
	if p.RecordTimeout <= 0 {
		return eris.Errorf("snapshot %s: plan.record_timeout is required when reservations expire after %s", s.Version, ttl)
	}
	if p.RecordTimeout+p.TierTimeout >= ttl {
		return eris.Errorf("snapshot %s: record_timeout %s plus tier_timeout %s must stay below reservation ttl %s",
			s.Version, p.RecordTimeout, p.TierTimeout, ttl)
	}
	return nil
}

// Raw returns the bytes the snapshot was parsed from.
func (s *Snapshot) Raw() []byte { return s.raw }

// Engine returns the score engine built from the weight table.
func (s *Snapshot) Engine() *scorer.Engine { return s.engine }

// Book returns the gate rule book.
func (s *Snapshot) Book() *gate.Book { return s.book }

// RunConfig binds the snapshot to a retry policy.
func (s *Snapshot) RunConfig(retry resilience.RetryConfig) waterfall.RunConfig {
	return waterfall.RunConfig{
		Plan:            &s.Plan,
		Scorer:          s.engine,
		Rules:           s.book,
		Retry:           retry,
		SnapshotVersion: s.Version,
	}
}
