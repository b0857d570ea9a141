package catalog

import (
	"math"
	"strconv"
	"strings"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
)

// Subject is the demographic bucket a result is interpreted against.
// AgeYears is -1 when unknown.
type Subject struct {
	Sex      string
	AgeYears int
}

// Evaluation is the outcome of interpreting one raw value.
type Evaluation struct {
	Flag           lims.Flag
	ReferenceRange string
}

// FlagPolicy interprets a raw value. Implementations must be pure.
type FlagPolicy interface {
	Evaluate(offering *lims.Offering, value string, subject Subject) (Evaluation, error)
}

// RangePolicy flags values against the catalog's reference ranges.
type RangePolicy struct {
	catalog *Catalog
}

func NewRangePolicy(c *Catalog) *RangePolicy {
	return &RangePolicy{catalog: c}
}

func (p *RangePolicy) Evaluate(offering *lims.Offering, value string, subject Subject) (Evaluation, error) {
	t, ok := p.catalog.Test(offering.TestCode)
	if !ok {
		return Evaluation{}, apperr.Validation("test %s is not in the catalog", offering.TestCode)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Evaluation{}, apperr.Validation("result value is required")
	}
	if t.Kind == lims.KindQualitative {
		return evaluateQualitative(t, value)
	}
	return evaluateQuantitative(t, offering, value, subject)
}

func evaluateQualitative(t *Test, value string) (Evaluation, error) {
	var normal []string
	for _, o := range t.Options {
		if o.Flag == lims.FlagNormal {
			normal = append(normal, o.Value)
		}
	}
	ev := Evaluation{Flag: lims.FlagNormal, ReferenceRange: strings.Join(normal, ", ")}
	if len(t.Options) == 0 {
		return ev, nil
	}
	for _, o := range t.Options {
		if strings.EqualFold(o.Value, value) {
			ev.Flag = o.Flag
			return ev, nil
		}
	}
	allowed := make([]string, 0, len(t.Options))
	for _, o := range t.Options {
		allowed = append(allowed, o.Value)
	}
	return Evaluation{}, apperr.Validation("%q is not a valid result for %s", value, t.Code).
		With("allowed", allowed)
}

func evaluateQuantitative(t *Test, offering *lims.Offering, value string, subject Subject) (Evaluation, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Evaluation{}, apperr.Validation("invalid numeric value %q", value)
	}
	if !t.AMR.contains(v) {
		return Evaluation{}, apperr.Validation("value %s is outside the measurable range of %s", value, t.Code).
			With("amr", formatRange(t.AMR.Low, t.AMR.High))
	}

	rule, found := selectRule(t.Ranges, subject)
	low, high := rule.Low, rule.High
	if offering.ReferenceLow != nil || offering.ReferenceHigh != nil {
		low, high = offering.ReferenceLow, offering.ReferenceHigh
		found = true
	}
	if !found {
		if len(t.Ranges) > 0 {
			return Evaluation{}, apperr.Validation("no reference range of %s applies to this patient", t.Code).
				With("sex", subject.Sex).
				With("age", subject.AgeYears)
		}
		// No ranges configured: the value is reported without interpretation.
		return Evaluation{Flag: lims.FlagNormal}, nil
	}

	ev := Evaluation{Flag: lims.FlagNormal, ReferenceRange: formatRange(low, high)}
	switch {
	case rule.CriticalLow != nil && v < *rule.CriticalLow,
		rule.CriticalHigh != nil && v > *rule.CriticalHigh:
		ev.Flag = lims.FlagCritical
	case low != nil && v < *low:
		ev.Flag = lims.FlagLow
	case high != nil && v > *high:
		ev.Flag = lims.FlagHigh
	}
	return ev, nil
}

// selectRule picks the most specific matching bucket: sex outranks age,
// and earlier rules win ties.
func selectRule(rules []RangeRule, s Subject) (RangeRule, bool) {
	best, bestScore := -1, -1
	for i, r := range rules {
		if !r.matches(s) {
			continue
		}
		score := 0
		if r.Sex != "" {
			score += 2
		}
		if r.ageBounded() {
			score++
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return RangeRule{}, false
	}
	return rules[best], true
}

func formatRange(low, high *float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	switch {
	case low != nil && high != nil:
		return f(*low) + " - " + f(*high)
	case low != nil:
		return ">= " + f(*low)
	case high != nil:
		return "<= " + f(*high)
	}
	return ""
}
