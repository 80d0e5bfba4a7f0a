package laboratory

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Range is the set of thresholds a value is classified against. Any bound may be nil.
type Range struct {
	NormalMin    *decimal.Decimal
	NormalMax    *decimal.Decimal
	CriticalLow  *decimal.Decimal
	CriticalHigh *decimal.Decimal
}

// Classify evaluates a numeric value against r. First match wins:
// unparseable, below critical low, above critical high, below normal,
// above normal, otherwise normal.
func Classify(value string, r Range) Classification {
	v, ok := parseNumeric(value)
	if !ok {
		return Unclassified
	}
	switch {
	case r.CriticalLow != nil && v.LessThan(*r.CriticalLow):
		return Critical
	case r.CriticalHigh != nil && v.GreaterThan(*r.CriticalHigh):
		return Critical
	case r.NormalMin != nil && v.LessThan(*r.NormalMin):
		return Low
	case r.NormalMax != nil && v.GreaterThan(*r.NormalMax):
		return High
	}
	return Normal
}

// ClassifyText handles text-valued parameters. Without a categorical rule
// set the value is Unclassified; with one, a listed value passes as Normal.
func ClassifyText(value string, allowed []string) Classification {
	value = strings.TrimSpace(value)
	if value == "" || len(allowed) == 0 {
		return Unclassified
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return Normal
		}
	}
	return Unclassified
}

// Evaluate classifies p according to its value type.
func Evaluate(p TestParameter) Classification {
	if p.ValueType == ValueText {
		return ClassifyText(p.Value, p.AllowedValues)
	}
	return Classify(p.Value, Range{
		NormalMin:    p.NormalMin,
		NormalMax:    p.NormalMax,
		CriticalLow:  p.CriticalLow,
		CriticalHigh: p.CriticalHigh,
	})
}

// Aggregate returns the most severe classification across params.
func Aggregate(params []TestParameter) Severity {
	sev := SeverityNormal
	for _, p := range params {
		switch p.Classification {
		case Critical:
			return SeverityCritical
		case Low, High:
			sev = SeverityAbnormal
		}
	}
	return sev
}

// criticalKeys lists the parameters classified Critical, in input order.
func criticalKeys(params []TestParameter) []string {
	var keys []string
	for _, p := range params {
		if p.Classification == Critical {
			keys = append(keys, p.Key())
		}
	}
	return keys
}

// parseNumeric accepts plain decimal strings. A single comma is read as the
// decimal mark when no '.' is present and fewer than three digits follow it;
// anything else with a comma, such as "1,000", could be a thousands separator
// and is not numeric. Qualified analyzer values such as "<0.5" are not
// numeric either.
func parseNumeric(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, false
	}
	if i := strings.IndexByte(raw, ','); i >= 0 {
		frac := raw[i+1:]
		if strings.Contains(frac, ",") || strings.Contains(raw, ".") || frac == "" || len(frac) >= 3 {
			return decimal.Decimal{}, false
		}
		raw = raw[:i] + "." + frac
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
