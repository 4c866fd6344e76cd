package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

// Op is a comparison operator.
type Op string

const (
	OpLt            Op = "lt"
	OpLte           Op = "lte"
	OpGt            Op = "gt"
	OpGte           Op = "gte"
	OpEq            Op = "eq"
	OpNe            Op = "ne"
	OpIn            Op = "in"
	OpNotIn         Op = "not_in"
	OpExists        Op = "exists"
	OpMissing       Op = "missing"
	OpWithinDays    Op = "within_days"
	OpOlderThanDays Op = "older_than_days"
)

// Virtual fields resolved from the evaluation input rather than the record.
const (
	FieldScore        = "$score"
	FieldCompleteness = "$completeness"
	FieldSpend        = "$spend"
	FieldLabel        = "$label"
)

func (o Op) valid() bool {
	switch o {
	case OpLt, OpLte, OpGt, OpGte, OpEq, OpNe, OpIn, OpNotIn,
		OpExists, OpMissing, OpWithinDays, OpOlderThanDays:
		return true
	}
	return false
}

// TimeBased reports whether the operator depends on the evaluation clock.
func (o Op) TimeBased() bool {
	return o == OpWithinDays || o == OpOlderThanDays
}

// Condition is a single predicate over one record field.
type Condition struct {
	Field string `yaml:"field" json:"field"`
	Op    Op     `yaml:"op" json:"op"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Input is what a condition is evaluated against.
type Input struct {
	Record *model.Record
	Score  float64
	Now    time.Time
}

func (in Input) resolve(field string) (any, bool) {
	switch field {
	case FieldScore:
		return in.Score, true
	case FieldCompleteness:
		if in.Record == nil {
			return 0.0, true
		}
		return in.Record.Completeness(), true
	case FieldSpend:
		if in.Record == nil {
			return 0.0, true
		}
		return in.Record.SpendUSD, true
	case FieldLabel:
		if in.Record == nil {
			return nil, false
		}
		return string(in.Record.Label), true
	}
	if in.Record == nil {
		return nil, false
	}
	fv, ok := in.Record.Field(field)
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

// Match evaluates the condition. An absent field only satisfies "missing".
func (c Condition) Match(in Input) bool {
	v, ok := in.resolve(c.Field)
	switch c.Op {
	case OpExists:
		return ok
	case OpMissing:
		return !ok
	}
	if !ok {
		return false
	}

	switch c.Op {
	case OpLt, OpLte, OpGt, OpGte:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpIn:
		return inSet(v, c.Value)
	case OpNotIn:
		return !inSet(v, c.Value)
	case OpWithinDays, OpOlderThanDays:
		ts, tok := toTime(v)
		days, dok := toFloat(c.Value)
		if !tok || !dok {
			return false
		}
		age := in.Now.Sub(ts)
		limit := time.Duration(days * float64(24*time.Hour))
		if c.Op == OpWithinDays {
			return age <= limit
		}
		return age > limit
	}
	return false
}

func (c Condition) validate() error {
	if c.Field == "" {
		return eris.Errorf("field is required")
	}
	if !c.Op.valid() {
		return eris.Errorf("unknown op %q", c.Op)
	}
	switch c.Op {
	case OpLt, OpLte, OpGt, OpGte, OpWithinDays, OpOlderThanDays:
		if _, ok := toFloat(c.Value); !ok {
			return eris.Errorf("%s on %s needs a numeric value", c.Op, c.Field)
		}
	case OpIn, OpNotIn:
		if _, ok := toList(c.Value); !ok {
			return eris.Errorf("%s on %s needs a list value", c.Op, c.Field)
		}
	}
	return nil
}

func fold(s string) string {
	// Casers are stateful and not safe to share between goroutines.
	return cases.Fold().String(strings.TrimSpace(s))
}

func equal(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return fold(fmt.Sprint(a)) == fold(fmt.Sprint(b))
}

// inSet reports whether v (or, for list values, any element of v) is in set.
func inSet(v, set any) bool {
	members, ok := toList(set)
	if !ok {
		return false
	}
	values, isList := toList(v)
	if !isList {
		values = []any{v}
	}
	for _, x := range values {
		for _, m := range members {
			if equal(x, m) {
				return true
			}
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
