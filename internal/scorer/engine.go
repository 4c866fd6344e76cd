package scorer

import (
	"math"
	"slices"
	"sort"

	"github.com/sells-group/prospect-waterfall/internal/gate"
	"github.com/sells-group/prospect-waterfall/internal/model"
)

// Breakdown explains how a score was assembled.
type Breakdown struct {
	Version      string             `json:"version"`
	Fields       map[string]float64 `json:"fields"`
	Signals      map[string]float64 `json:"signals,omitempty"`
	Completeness float64            `json:"completeness"`
	Raw          float64            `json:"raw"`
	Score        float64            `json:"score"`
	Label        model.Label        `json:"label"`
}

// Engine scores records against one weight table. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	table WeightTable
	bands []Band
	// fields is the weighted field names in a fixed order, so sums do not
	// depend on map iteration.
	fields []string
}

// NewEngine validates the table and returns an Engine for it.
func NewEngine(t WeightTable) (*Engine, error) {
	if err := ValidateTable(t); err != nil {
		return nil, err
	}
	bands := slices.Clone(t.Bands)
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })
	fields := make([]string, 0, len(t.Fields))
	for f := range t.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &Engine{table: t, bands: bands, fields: fields}, nil
}

// Version returns the weight table version.
func (e *Engine) Version() string { return e.table.Version }

// Score returns the record's score in [0, 100] and its label.
func (e *Engine) Score(rec *model.Record) (float64, model.Label) {
	b := e.Breakdown(rec)
	return b.Score, b.Label
}

// Breakdown scores the record and reports every contribution.
func (e *Engine) Breakdown(rec *model.Record) Breakdown {
	b := Breakdown{
		Version: e.table.Version,
		Fields:  make(map[string]float64, len(e.table.Fields)),
	}
	if rec == nil {
		b.Label = e.Label(0)
		return b
	}

	for _, field := range e.fields {
		fv, ok := rec.Field(field)
		if !ok {
			continue
		}
		c := e.table.Fields[field] * clamp(fv.Confidence, 0, 1)
		b.Fields[field] = c
		b.Raw += c
	}

	in := gate.Input{Record: rec}
	for _, s := range e.table.Signals {
		if len(s.When) == 0 {
			continue
		}
		if (gate.Clause{When: s.When}).Matches(in) {
			if b.Signals == nil {
				b.Signals = make(map[string]float64)
			}
			b.Signals[s.ID] = s.Points
			b.Raw += s.Points
		}
	}

	b.Completeness = rec.Completeness()
	b.Raw += e.table.CompletenessPoints * b.Completeness

	b.Score = clamp(b.Raw, 0, 100)
	b.Label = e.Label(b.Score)
	return b
}

// Label maps a score to its band. Lower bounds are inclusive so a score on a
// boundary gets the higher label.
func (e *Engine) Label(score float64) model.Label {
	label := e.bands[0].Label
	for _, band := range e.bands {
		if score >= band.Min {
			label = band.Label
		}
	}
	return label
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
