// Package portfolio holds the account-level domain types shared by the
// compliance gate, the workflows, and the tax analyzer: holdings snapshots,
// proposed trades, and tax lots.
package portfolio

import (
	"math"
	"sort"
	"time"
)

// TradeAction is the direction of a proposed trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// Trade is a single proposed order, expressed in notional dollars.
type Trade struct {
	Asset  string      `json:"asset"`
	Action TradeAction `json:"action"`
	Amount float64     `json:"amount"`
	Reason string      `json:"reason,omitempty"`
}

// NetCashEffect returns the signed cash impact of the trade: sells raise
// cash, buys consume it. A trade in the CASH asset is a direct transfer.
func (t Trade) NetCashEffect() float64 {
	switch {
	case t.Asset == "CASH" && t.Action == ActionBuy:
		return t.Amount
	case t.Asset == "CASH" && t.Action == ActionSell:
		return -t.Amount
	case t.Action == ActionBuy:
		return -t.Amount
	default:
		return t.Amount
	}
}

// Holding is a position within a snapshot, grouped by asset class for
// rebalance math.
type Holding struct {
	Asset      string  `json:"asset"`
	AssetClass string  `json:"asset_class"`
	Value      float64 `json:"value"`
	Quantity   float64 `json:"quantity,omitempty"`
}

// Snapshot is a point-in-time view of one account's portfolio. It is read
// by the compliance gate and the rebalance planner; sagas never mutate it.
type Snapshot struct {
	PortfolioID string    `json:"portfolio_id"`
	Holdings    []Holding `json:"holdings"`
	TotalValue  float64   `json:"total_value"`
	TakenAt     time.Time `json:"taken_at"`
}

// Cash sums the value of cash-class holdings.
func (s Snapshot) Cash() float64 {
	var cash float64
	for _, h := range s.Holdings {
		if h.AssetClass == "cash" {
			cash += h.Value
		}
	}
	return cash
}

// ClassWeights returns current allocation percentages by asset class,
// in percent units (0-100).
func (s Snapshot) ClassWeights() map[string]float64 {
	weights := make(map[string]float64)
	if s.TotalValue <= 0 {
		return weights
	}
	for _, h := range s.Holdings {
		weights[h.AssetClass] += h.Value / s.TotalValue * 100
	}
	return weights
}

// HoldingPeriod classifies a tax lot by how long it was held.
type HoldingPeriod string

const (
	ShortTerm HoldingPeriod = "short_term" // held < 365 days
	LongTerm  HoldingPeriod = "long_term"  // held >= 365 days
)

// TaxLot is a specific purchased quantity of a security with its own cost
// basis. Lots are materialized from a snapshot at scan time and are
// immutable inputs to a harvesting saga.
type TaxLot struct {
	LotID         string        `json:"lot_id"`
	Asset         string        `json:"asset"`
	Quantity      float64       `json:"quantity"`
	PurchasePrice float64       `json:"purchase_price"`
	CurrentPrice  float64       `json:"current_price"`
	PurchaseDate  time.Time     `json:"purchase_date"`
	DaysHeld      int           `json:"days_held"`
	HoldingPeriod HoldingPeriod `json:"holding_period"`

	// UnrealizedLoss is positive for a losing lot.
	UnrealizedLoss float64 `json:"unrealized_loss"`

	WashSaleClear bool   `json:"wash_sale_clear"`
	Replacement   string `json:"suggested_replacement,omitempty"`
}

// CostBasis is purchase price times quantity.
func (l TaxLot) CostBasis() float64 { return l.PurchasePrice * l.Quantity }

// CurrentValue is current price times quantity.
func (l TaxLot) CurrentValue() float64 { return l.CurrentPrice * l.Quantity }

// ClassifyLot fills the derived holding-period fields from the purchase
// date relative to asOf.
func ClassifyLot(lot TaxLot, asOf time.Time) TaxLot {
	lot.DaysHeld = int(asOf.Sub(lot.PurchaseDate).Hours() / 24)
	if lot.DaysHeld >= 365 {
		lot.HoldingPeriod = LongTerm
	} else {
		lot.HoldingPeriod = ShortTerm
	}
	loss := lot.CostBasis() - lot.CurrentValue()
	if loss > 0 {
		lot.UnrealizedLoss = round2(loss)
	} else {
		lot.UnrealizedLoss = 0
	}
	return lot
}

// BuildRebalancePlan generates the trades needed to move the snapshot to
// the target allocation. Targets are percent units keyed by asset class and
// must cover the classes being traded. A trade is generated only where the
// drift exceeds tolerancePP percentage points. Output is sorted with sells
// first so proceeds settle before buys are placed.
func BuildRebalancePlan(snapshot Snapshot, targets map[string]float64, tolerancePP float64) []Trade {
	current := snapshot.ClassWeights()

	var trades []Trade
	for class, target := range targets {
		drift := target - current[class]
		if math.Abs(drift) <= tolerancePP {
			continue
		}
		action := ActionBuy
		reason := "underweight"
		if drift < 0 {
			action = ActionSell
			reason = "overweight"
		}
		trades = append(trades, Trade{
			Asset:  canonicalAsset(class),
			Action: action,
			Amount: round2(math.Abs(drift) / 100 * snapshot.TotalValue),
			Reason: reason,
		})
	}

	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Action != trades[j].Action {
			return trades[i].Action == ActionSell
		}
		return trades[i].Asset < trades[j].Asset
	})
	return trades
}

func canonicalAsset(class string) string {
	out := make([]rune, 0, len(class))
	for _, r := range class {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
