package tax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/advisor/internal/portfolio"
)

func TestSavingsFlatRates(t *testing.T) {
	rates := DefaultRates()

	assert.Equal(t, 290.0, rates.Savings(1000, portfolio.ShortTerm))
	assert.Equal(t, 150.0, rates.Savings(1000, portfolio.LongTerm))
}

func TestSavingsRoundsToCent(t *testing.T) {
	rates := DefaultRates()

	// 333.33 * 0.29 = 96.6657 -> 96.67
	assert.Equal(t, 96.67, rates.Savings(333.33, portfolio.ShortTerm))
	// 333.33 * 0.15 = 49.9995 -> 50.00
	assert.Equal(t, 50.0, rates.Savings(333.33, portfolio.LongTerm))
}

func TestEstimateAggregates(t *testing.T) {
	lots := []portfolio.TaxLot{
		{UnrealizedLoss: 1000, HoldingPeriod: portfolio.ShortTerm},
		{UnrealizedLoss: 500, HoldingPeriod: portfolio.ShortTerm},
		{UnrealizedLoss: 2000, HoldingPeriod: portfolio.LongTerm},
	}

	impact := DefaultRates().Estimate(lots)
	assert.Equal(t, 1500.0, impact.ShortTermLosses)
	assert.Equal(t, 2000.0, impact.LongTermLosses)
	assert.Equal(t, 3500.0, impact.TotalLosses)
	assert.Equal(t, 435.0, impact.ShortTermSavings)
	assert.Equal(t, 300.0, impact.LongTermSavings)
	assert.Equal(t, 735.0, impact.TotalSavings)
}

func TestOpportunitiesFilterAndOrder(t *testing.T) {
	lots := []portfolio.TaxLot{
		{LotID: "a", UnrealizedLoss: 50},
		{LotID: "b", UnrealizedLoss: 2100},
		{LotID: "c", UnrealizedLoss: 100},
		{LotID: "d", UnrealizedLoss: 0},
		{LotID: "e", UnrealizedLoss: 830},
	}

	opps := Opportunities(lots, 100)
	require.Len(t, opps, 3)
	assert.Equal(t, "b", opps[0].LotID)
	assert.Equal(t, "e", opps[1].LotID)
	assert.Equal(t, "c", opps[2].LotID)
}

func TestOpportunitiesEmpty(t *testing.T) {
	assert.Empty(t, Opportunities(nil, 100))
	assert.Empty(t, Opportunities([]portfolio.TaxLot{{UnrealizedLoss: 10}}, 100))
}
