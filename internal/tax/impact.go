// Package tax estimates the tax savings of harvesting losses and scans
// lots for harvesting opportunities. All math is deterministic and rounded
// to the cent; the rates are flat approximations, not real brackets.
package tax

import (
	"math"
	"sort"

	"github.com/quantfolio/advisor/internal/portfolio"
)

// Rates holds the flat approximation rates applied to harvested losses.
type Rates struct {
	// ShortTerm approximates ordinary income offset (federal + state).
	ShortTerm float64 `yaml:"short_term"`
	// LongTerm approximates the capital gains offset rate.
	LongTerm float64 `yaml:"long_term"`
}

// DefaultRates returns the standard approximation: 24% federal + 5% state
// for short-term, 15% capital gains for long-term.
func DefaultRates() Rates {
	return Rates{ShortTerm: 0.29, LongTerm: 0.15}
}

// Savings returns the estimated tax savings for one loss amount, rounded
// to the cent.
func (r Rates) Savings(loss float64, period portfolio.HoldingPeriod) float64 {
	rate := r.LongTerm
	if period == portfolio.ShortTerm {
		rate = r.ShortTerm
	}
	return roundCent(loss * rate)
}

// Impact is the aggregated savings estimate for a set of lots.
type Impact struct {
	ShortTermLosses  float64 `json:"short_term_losses"`
	LongTermLosses   float64 `json:"long_term_losses"`
	TotalLosses      float64 `json:"total_losses"`
	ShortTermSavings float64 `json:"short_term_savings"`
	LongTermSavings  float64 `json:"long_term_savings"`
	TotalSavings     float64 `json:"total_savings"`
}

// Estimate aggregates per-period losses and savings across the lots.
func (r Rates) Estimate(lots []portfolio.TaxLot) Impact {
	var impact Impact
	for _, lot := range lots {
		if lot.HoldingPeriod == portfolio.ShortTerm {
			impact.ShortTermLosses += lot.UnrealizedLoss
		} else {
			impact.LongTermLosses += lot.UnrealizedLoss
		}
	}
	impact.ShortTermLosses = roundCent(impact.ShortTermLosses)
	impact.LongTermLosses = roundCent(impact.LongTermLosses)
	impact.TotalLosses = roundCent(impact.ShortTermLosses + impact.LongTermLosses)
	impact.ShortTermSavings = roundCent(impact.ShortTermLosses * r.ShortTerm)
	impact.LongTermSavings = roundCent(impact.LongTermLosses * r.LongTerm)
	impact.TotalSavings = roundCent(impact.ShortTermSavings + impact.LongTermSavings)
	return impact
}

// Opportunities filters lots to unrealized losses at or above minThreshold
// and sorts them descending by loss, largest tax benefit first.
func Opportunities(lots []portfolio.TaxLot, minThreshold float64) []portfolio.TaxLot {
	out := make([]portfolio.TaxLot, 0, len(lots))
	for _, lot := range lots {
		if lot.UnrealizedLoss >= minThreshold && lot.UnrealizedLoss > 0 {
			out = append(out, lot)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UnrealizedLoss > out[j].UnrealizedLoss
	})
	return out
}

func roundCent(v float64) float64 {
	return math.Round(v*100) / 100
}
