package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiationDerive(t *testing.T) {
	tests := []struct {
		offer, original string
		delta           string
		trend           string
	}{
		{"2200", "2000", "10", "increase"},
		{"1850", "2000", "-7.5", "decrease"},
		{"2000", "2000", "0", "unchanged"},
		{"1000", "3000", "-66.67", "decrease"},
	}
	for _, tt := range tests {
		n := &Negotiation{
			CurrentOffer: decimal.RequireFromString(tt.offer),
			OriginalRate: decimal.RequireFromString(tt.original),
		}
		n.Derive()
		require.NotNil(t, n.PercentDelta, tt.offer)
		assert.Equal(t, tt.delta, n.PercentDelta.String(), tt.offer)
		assert.Equal(t, tt.trend, n.Trend, tt.offer)
	}

	n := &Negotiation{CurrentOffer: decimal.NewFromInt(100), Trend: "increase"}
	n.Derive()
	assert.Nil(t, n.PercentDelta)
	assert.Empty(t, n.Trend)
}
