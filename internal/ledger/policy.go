package ledger

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // embedded zoneinfo

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/cost"
)

// Reset is how often a scope's spend returns to zero.
type Reset string

const (
	ResetNone    Reset = "none"
	ResetDaily   Reset = "daily"
	ResetWeekly  Reset = "weekly"
	ResetMonthly Reset = "monthly"
)

// Cap is the budget for every scope of one kind.
type Cap struct {
	CapUSD    float64 `yaml:"cap_usd" json:"cap_usd"`
	Unlimited bool    `yaml:"unlimited" json:"unlimited"`
	Reset     Reset   `yaml:"reset" json:"reset"`
}

// Policy is one version of the budget configuration. Kinds with no cap are
// unlimited.
type Policy struct {
	Version  string       `yaml:"version" json:"version"`
	Timezone string       `yaml:"timezone" json:"timezone"`
	Caps     map[Kind]Cap `yaml:"caps" json:"caps"`
	// Overrides replaces the kind cap for a specific scope, keyed "kind:id".
	Overrides map[string]float64 `yaml:"overrides" json:"overrides"`
}

// Validate checks the policy and resolves its timezone.
func (p Policy) Validate() error {
	var errs []string
	if p.Version == "" {
		errs = append(errs, "version is required")
	}
	if _, err := p.location(); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", p.Timezone, err))
	}
	for k, c := range p.Caps {
		if !k.Valid() {
			errs = append(errs, fmt.Sprintf("unknown scope kind %q", k))
		}
		if c.CapUSD < 0 {
			errs = append(errs, fmt.Sprintf("%s cap must be >= 0", k))
		}
		switch c.Reset {
		case "", ResetNone, ResetDaily, ResetWeekly, ResetMonthly:
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown reset %q", k, c.Reset))
		}
	}
	for key, v := range p.Overrides {
		if _, err := ParseScope(key); err != nil {
			errs = append(errs, fmt.Sprintf("override %q: invalid scope key", key))
		}
		if v < 0 {
			errs = append(errs, fmt.Sprintf("override %s must be >= 0", key))
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("ledger: policy validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p Policy) location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// limit is the resolved cap of one scope.
type limit struct {
	micros    int64
	unlimited bool
	reset     Reset
}

func (p Policy) limitFor(s Scope) limit {
	c, ok := p.Caps[s.Kind]
	if !ok {
		return limit{unlimited: true, reset: ResetNone}
	}
	reset := c.Reset
	if reset == "" {
		reset = ResetNone
		if s.Kind == KindDay {
			reset = ResetDaily
		}
	}
	if v, ok := p.Overrides[s.Key()]; ok {
		return limit{micros: cost.Micros(v), reset: reset}
	}
	return limit{micros: cost.Micros(c.CapUSD), unlimited: c.Unlimited, reset: reset}
}

// PeriodKey names the accounting period containing t.
func PeriodKey(reset Reset, t time.Time) string {
	switch reset {
	case ResetDaily:
		return t.Format("2006-01-02")
	case ResetWeekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case ResetMonthly:
		return t.Format("2006-01")
	}
	return "all"
}

// compiled is a validated policy with its timezone resolved.
type compiled struct {
	Policy
	loc *time.Location
}

func compile(p Policy) (*compiled, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	loc, _ := p.location()
	return &compiled{Policy: p, loc: loc}, nil
}

// bucket resolves a scope to its period key and limit at time now.
func (c *compiled) bucket(s Scope, now time.Time) bucketRef {
	l := c.limitFor(s)
	return bucketRef{
		Scope:  s,
		Period: PeriodKey(l.reset, now.In(c.loc)),
		limit:  l,
	}
}

// bucketRef identifies a (scope, period) balance row.
type bucketRef struct {
	Scope  Scope
	Period string
	limit  limit
}

func (b bucketRef) key() string { return b.Scope.Key() + "@" + b.Period }
