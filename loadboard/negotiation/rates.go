package negotiation

import "github.com/shopspring/decimal"

// Trend classifies an offer against the original posted rate
type Trend string

const (
	TrendIncrease  Trend = "increase"
	TrendDecrease  Trend = "decrease"
	TrendUnchanged Trend = "unchanged"
)

var hundred = decimal.NewFromInt(100)

// RatePerMile divides amount by miles. ok is false when miles is not positive,
// in which case the rate is reported as unavailable.
func RatePerMile(amount decimal.Decimal, miles int) (rate decimal.Decimal, ok bool) {
	if miles <= 0 {
		return decimal.Zero, false
	}
	return amount.Div(decimal.NewFromInt(int64(miles))), true
}

// PercentDelta returns (offer - original) / original * 100. ok is false when
// the original rate is zero.
func PercentDelta(offer, original decimal.Decimal) (delta decimal.Decimal, ok bool) {
	if original.IsZero() {
		return decimal.Zero, false
	}
	return offer.Sub(original).Div(original).Mul(hundred), true
}

// Classify maps a percentage delta onto a display trend.
func Classify(delta decimal.Decimal) Trend {
	switch delta.Sign() {
	case 1:
		return TrendIncrease
	case -1:
		return TrendDecrease
	}
	return TrendUnchanged
}
