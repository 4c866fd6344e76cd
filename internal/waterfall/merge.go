package waterfall

import (
	"math"
	"slices"
	"time"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/waterfall/provider"
)

// defaultConfidence applies when neither a field nor its envelope carries a
// confidence.
const defaultConfidence = 0.5

// EffectiveConfidence computes the time-decayed confidence of a data point.
// Formula: effective = max(floor, raw * 2^(-ageDays / halfLifeDays)). The
// floor never lifts a value above its raw confidence.
func EffectiveConfidence(raw float64, asOf, now time.Time, decay *DecayConfig) float64 {
	if raw <= 0 {
		return 0
	}
	if decay == nil || asOf.IsZero() {
		return raw
	}

	ageDays := now.Sub(asOf).Hours() / 24
	if ageDays <= 0 {
		return raw
	}

	halfLife := float64(decay.HalfLifeDays)
	if halfLife <= 0 {
		halfLife = 365
	}

	decayed := raw * math.Pow(2, -ageDays/halfLife)
	floor := math.Min(decay.Floor, raw)
	if decayed < floor {
		return floor
	}
	return decayed
}

// Merge writes a provider result into the record and returns the fields it
// changed. An existing value survives unless the incoming confidence is
// strictly greater than the existing value's effective confidence.
func Merge(rec *model.Record, tier TierDefinition, res *provider.Result, now time.Time) []string {
	if res == nil {
		return nil
	}
	var written []string
	for _, fr := range res.Fields {
		if len(tier.Fields) > 0 && !slices.Contains(tier.Fields, fr.Field) {
			continue
		}
		incoming := model.FieldValue{
			Value:     fr.Value,
			Source:    tier.ID,
			Provider:  tier.Provider,
			WrittenAt: now,
		}
		if incoming.Empty() {
			continue
		}

		conf := fr.Confidence
		if conf <= 0 {
			conf = res.Confidence
		}
		if conf <= 0 {
			conf = defaultConfidence
		}
		conf = math.Min(conf, 1)
		if tier.Decay != nil {
			asOf := now
			if fr.DataAsOf != nil {
				asOf = *fr.DataAsOf
			}
			incoming.Decay = &model.Decay{
				Raw:          conf,
				AsOf:         asOf,
				HalfLifeDays: tier.Decay.HalfLifeDays,
				Floor:        tier.Decay.Floor,
			}
		}
		if fr.DataAsOf != nil {
			conf = EffectiveConfidence(conf, *fr.DataAsOf, now, tier.Decay)
		}
		incoming.Confidence = conf

		if existing, ok := rec.Field(fr.Field); ok {
			if conf <= currentConfidence(existing, tier, now) {
				continue
			}
		}
		rec.Fields[fr.Field] = incoming
		if !slices.Contains(written, fr.Field) {
			written = append(written, fr.Field)
		}
	}
	slices.Sort(written)
	return written
}

// currentConfidence ages a stored value to now. A value written by a
// decaying tier ages from its observation date under that tier's curve.
// Values without a curve of their own, such as upstream input, age from
// their write time under the reading tier's curve.
func currentConfidence(fv model.FieldValue, reader TierDefinition, now time.Time) float64 {
	if d := fv.Decay; d != nil {
		return EffectiveConfidence(d.Raw, d.AsOf, now, &DecayConfig{HalfLifeDays: d.HalfLifeDays, Floor: d.Floor})
	}
	return EffectiveConfidence(fv.Confidence, fv.WrittenAt, now, reader.Decay)
}

// missingFields lists the tier's target fields the record lacks.
func missingFields(rec *model.Record, tier TierDefinition) []string {
	var out []string
	for _, f := range tier.Fields {
		if _, ok := rec.Field(f); !ok {
			out = append(out, f)
		}
	}
	return out
}

// requestFor builds the provider's view of the record.
func requestFor(rec *model.Record, tier TierDefinition, want []string) provider.Request {
	fields := make(map[string]any, len(rec.Fields))
	for k := range rec.Fields {
		if fv, ok := rec.Field(k); ok {
			fields[k] = fv.Value
		}
	}
	return provider.Request{
		RecordID: rec.ID,
		TierID:   tier.ID,
		Fields:   fields,
		Want:     want,
	}
}
