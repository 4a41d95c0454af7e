package negotiation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRatePerMile(t *testing.T) {
	tests := []struct {
		amount string
		miles  int
		want   string
		ok     bool
	}{
		{"2000", 800, "2.5", true},
		{"1900", 800, "2.375", true},
		{"450", 1, "450", true},
		{"2000", 0, "0", false},
		{"2000", -12, "0", false},
	}
	for _, tt := range tests {
		got, ok := RatePerMile(usd(tt.amount), tt.miles)
		assert.Equal(t, tt.ok, ok, "%s/%d", tt.amount, tt.miles)
		assert.True(t, got.Equal(usd(tt.want)), "%s/%d = %s", tt.amount, tt.miles, got)
	}
}

func TestPercentDelta(t *testing.T) {
	delta, ok := PercentDelta(usd("2200"), usd("2000"))
	assert.True(t, ok)
	assert.True(t, delta.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, TrendIncrease, Classify(delta))

	delta, ok = PercentDelta(usd("1800"), usd("2000"))
	assert.True(t, ok)
	assert.True(t, delta.Equal(decimal.NewFromInt(-10)))
	assert.Equal(t, TrendDecrease, Classify(delta))

	delta, ok = PercentDelta(usd("2000"), usd("2000"))
	assert.True(t, ok)
	assert.Equal(t, TrendUnchanged, Classify(delta))

	_, ok = PercentDelta(usd("100"), decimal.Zero)
	assert.False(t, ok)
}
