package stage

import (
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Metric statuses, best to worst.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusNeutral   = "neutral"
	StatusConcern   = "concern"
	StatusCritical  = "critical"
)

// thresholds are variance bands around a benchmark, in the metric's own
// unit (percentage points, or percent of benchmark for currency metrics).
type thresholds struct {
	excellent float64
	good      float64
	concern   float64
}

// rateStatus compares value to benchmark. Variance at or above zero is at
// least neutral; below -concern is critical.
func rateStatus(value, benchmark float64, higherIsBetter bool, t thresholds) string {
	variance := value - benchmark
	if !higherIsBetter {
		variance = benchmark - value
	}
	switch {
	case variance >= t.excellent:
		return StatusExcellent
	case variance >= t.good:
		return StatusGood
	case variance >= 0:
		return StatusNeutral
	case variance >= -t.concern:
		return StatusConcern
	default:
		return StatusCritical
	}
}

// roundMoney rounds half away from zero to 2 decimals.
func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// roundRatio rounds a percentage to 2 decimals.
func roundRatio(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatter renders figures with locale grouping for one currency.
type formatter struct {
	p      *message.Printer
	symbol string
	scale  int
}

var narrowSymbols = map[string]string{"GBP": "£", "USD": "$", "EUR": "€"}

func newFormatter(code string) formatter {
	tag := language.BritishEnglish
	if code == "USD" {
		tag = language.AmericanEnglish
	}
	f := formatter{p: message.NewPrinter(tag), symbol: code + " ", scale: 2}
	if unit, err := currency.ParseISO(code); err == nil {
		f.scale, _ = currency.Standard.Rounding(unit)
		if sym, ok := narrowSymbols[unit.String()]; ok {
			f.symbol = sym
		}
	}
	return f
}

// money formats v with the currency symbol and grouping, e.g. "£1,250,000".
// Whole amounts drop the fraction.
func (f formatter) money(v float64) string {
	neg := v < 0
	v = math.Abs(v)
	scale := f.scale
	if v == math.Trunc(v) || v >= 10000 {
		scale = 0
	}
	s := f.symbol + f.p.Sprintf("%.*f", scale, v)
	if neg {
		return "-" + s
	}
	return s
}

// compact formats large amounts as "£1.2m" or "£193k".
func (f formatter) compact(v float64) string {
	abs := math.Abs(v)
	sign := ""
	if v < 0 {
		sign = "-"
	}
	switch {
	case abs >= 1e6:
		return sign + f.symbol + strings.TrimSuffix(f.p.Sprintf("%.1f", abs/1e6), ".0") + "m"
	case abs >= 1e3:
		return sign + f.symbol + f.p.Sprintf("%.0f", abs/1e3) + "k"
	default:
		return f.money(v)
	}
}

func (f formatter) percent(v float64) string {
	return f.p.Sprintf("%.1f%%", v)
}
