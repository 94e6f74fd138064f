package analytics

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"crypto-rate-tracker/internal/storage"
)

// percentScale is the precision of change/first before scaling to percent.
const percentScale = 4

var (
	hundred     = decimal.NewFromInt(100)
	stableBound = decimal.RequireFromString("0.1")
	mildBound   = decimal.NewFromInt(1)
)

// priceChange returns last−first and the percentage change relative to the
// first sample, in time order. A zero or missing first price yields 0%.
func priceChange(samples []storage.RateSample) (decimal.Decimal, decimal.Decimal) {
	if len(samples) == 0 {
		return decimal.Zero, decimal.Zero
	}
	first := samples[0].Rate
	change := samples[len(samples)-1].Rate.Sub(first)
	if !first.IsPositive() {
		return change, decimal.Zero
	}
	return change, change.DivRound(first, percentScale).Mul(hundred)
}

func formatPercent(pct decimal.Decimal) string {
	return pct.StringFixed(1) + "%"
}

func trendOf(pct decimal.Decimal) string {
	switch pct.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

func volatilityOf(pct decimal.Decimal) string {
	abs := pct.Abs()
	switch {
	case abs.LessThan(stableBound):
		return "stable"
	case abs.LessThan(mildBound):
		return "mild"
	default:
		return "volatile"
	}
}

func renderReport(r MarketReport, pct decimal.Decimal) string {
	var movement string
	switch r.Trend {
	case "up":
		movement = "moved up " + formatPercent(pct.Abs())
	case "down":
		movement = "moved down " + formatPercent(pct.Abs())
	default:
		movement = "held flat at " + formatPercent(pct)
	}
	return fmt.Sprintf(
		"%s over the last 24 hours: high %s, low %s. The price %s (%s), a %s market.",
		r.Symbol, formatUSD(r.Max), formatUSD(r.Min), movement, formatSignedUSD(r.Change), r.Volatility,
	)
}

// formatUSD renders d as $1,234.57 with half-up rounding to cents.
func formatUSD(d decimal.Decimal) string {
	sign := ""
	if d.Round(2).IsNegative() {
		sign = "-"
	}
	return sign + "$" + groupThousands(d.Abs().StringFixed(2))
}

func formatSignedUSD(d decimal.Decimal) string {
	if d.Round(2).IsPositive() {
		return "+" + formatUSD(d)
	}
	return formatUSD(d)
}

func groupThousands(fixed string) string {
	whole, frac, _ := strings.Cut(fixed, ".")
	if len(whole) <= 3 {
		return fixed
	}

	var b strings.Builder
	lead := len(whole) % 3
	if lead > 0 {
		b.WriteString(whole[:lead])
	}
	for i := lead; i < len(whole); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(whole[i : i+3])
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
