package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/tax"
	"github.com/quantfolio/advisor/internal/washsale"
)

// HarvestRequest asks for unrealized losses in the given lots to be
// harvested. RecentPurchases is the transaction history the wash-sale
// window is checked against.
type HarvestRequest struct {
	PortfolioID     string                 `json:"portfolio_id"`
	Snapshot        portfolio.Snapshot     `json:"snapshot"`
	Lots            []portfolio.TaxLot     `json:"tax_lots"`
	RecentPurchases []washsale.Purchase    `json:"recent_purchases,omitempty"`
	Agent           identity.AgentIdentity `json:"agent"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`

	// MinLossThreshold overrides the configured floor when positive.
	MinLossThreshold float64 `json:"min_loss_threshold,omitempty"`
}

// StartHarvest validates the request, runs the compliance gate against
// the prospective loss sales, and starts a tax-loss-harvesting saga.
func (s *Service) StartHarvest(ctx context.Context, req HarvestRequest) (saga.Execution, error) {
	if req.PortfolioID == "" {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowHarvest, "missing portfolio id")
	}
	if len(req.Lots) == 0 {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowHarvest, "no tax lots to scan")
	}
	if req.Snapshot.TotalValue <= 0 {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowHarvest, "snapshot has no value")
	}

	// Gate against the worst case: every candidate lot sold at current
	// value. The saga may end up selling fewer after the wash-sale check.
	var prospective []portfolio.Trade
	for _, lot := range req.Lots {
		prospective = append(prospective, portfolio.Trade{
			Asset:  lot.Asset,
			Action: portfolio.ActionSell,
			Amount: lot.CurrentValue(),
			Reason: "tax-loss harvest",
		})
	}
	if _, err := s.gate.Check(ctx, req.Agent, req.Snapshot, prospective, ""); err != nil {
		return saga.Execution{}, err
	}

	threshold := s.cfg.MinLossThreshold
	if req.MinLossThreshold > 0 {
		threshold = req.MinLossThreshold
	}
	state := &harvestState{
		executor:   s.executor,
		detector:   s.detector,
		recorder:   s.recorder,
		rates:      s.rates,
		agent:      req.Agent,
		lots:       req.Lots,
		purchases:  req.RecentPurchases,
		threshold:  threshold,
		windowDays: s.cfg.WashSaleWindowDays,
	}
	return s.orch.Start(ctx, saga.StartRequest{
		Workflow:       saga.WorkflowHarvest,
		PortfolioID:    req.PortfolioID,
		Agent:          req.Agent,
		IdempotencyKey: req.IdempotencyKey,
		Steps:          state.steps(),
	})
}

// lotSale pairs a harvested lot with its fill, so compensation and the
// replacement purchase can reference the original execution.
type lotSale struct {
	lot  portfolio.TaxLot
	fill broker.Execution
}

// TaxRecord is one realized-loss entry written for year-end reporting.
type TaxRecord struct {
	RecordID        string                  `json:"record_id"`
	LotID           string                  `json:"lot_id"`
	AssetSold       string                  `json:"asset_sold"`
	Quantity        float64                 `json:"quantity"`
	Proceeds        float64                 `json:"proceeds"`
	CostBasis       float64                 `json:"cost_basis"`
	RealizedLoss    float64                 `json:"realized_loss"`
	HoldingPeriod   portfolio.HoldingPeriod `json:"holding_period"`
	EstimatedSaving float64                 `json:"estimated_saving"`
	Replacement     string                  `json:"replacement_asset,omitempty"`
	TaxYear         int                     `json:"tax_year"`
	RecordedAt      time.Time               `json:"recorded_at"`
}

// harvestState is the mutable context shared by one harvesting saga's
// step closures.
type harvestState struct {
	executor   broker.OrderExecutor
	detector   *washsale.Detector
	recorder   audit.Recorder
	rates      tax.Rates
	agent      identity.AgentIdentity
	lots       []portfolio.TaxLot
	purchases  []washsale.Purchase
	threshold  float64
	windowDays int

	mu           sync.Mutex
	candidates   []portfolio.TaxLot
	cleared      []portfolio.TaxLot
	blocked      []portfolio.TaxLot
	sales        []lotSale
	proceeds     float64
	replacements map[string]broker.Execution // keyed by sold asset
	records      []TaxRecord
}

func (st *harvestState) steps() []saga.Step {
	return []saga.Step{
		{Name: "IdentifyLosses", Forward: st.identifyLosses},
		{Name: "CheckWashSale", Forward: st.checkWashSale},
		{Name: "SellLossPositions", Forward: st.sellLossPositions, Compensate: st.buyBackLots},
		{Name: "PurchaseReplacement", Forward: st.purchaseReplacements, Pivot: true},
		{Name: "RecordTaxLot", Forward: st.recordTaxLots},
	}
}

// identifyLosses classifies each lot's holding period and keeps losses at
// or above the threshold, largest first. Read-only, so no compensation.
func (st *harvestState) identifyLosses(context.Context) error {
	now := time.Now().UTC()
	classified := make([]portfolio.TaxLot, len(st.lots))
	for i, lot := range st.lots {
		classified[i] = portfolio.ClassifyLot(lot, now)
	}

	st.mu.Lock()
	st.candidates = tax.Opportunities(classified, st.threshold)
	st.mu.Unlock()
	return nil
}

// checkWashSale clears each candidate against the purchase history. A
// blocked lot is skipped, not fatal; the step fails only when nothing
// harvestable remains. Every per-lot decision is audited.
func (st *harvestState) checkWashSale(ctx context.Context) error {
	sagaID := saga.IDFromContext(ctx)
	now := time.Now().UTC()

	st.mu.Lock()
	candidates := append([]portfolio.TaxLot(nil), st.candidates...)
	st.mu.Unlock()

	var cleared, blocked []portfolio.TaxLot
	for _, lot := range candidates {
		clearance := st.detector.CheckLot(lot.Asset, now, st.purchases, st.windowDays)
		lot.WashSaleClear = clearance.Clear
		lot.Replacement = clearance.Replacement

		trace := fmt.Sprintf("no substantially identical purchase within %d days of sale", st.windowDays)
		action := "cleared lot " + lot.LotID
		if clearance.Clear {
			if subs := st.detector.Replacements(lot.Asset); len(subs) > 0 {
				lot.Replacement = subs[0]
			}
			cleared = append(cleared, lot)
		} else {
			action = "blocked lot " + lot.LotID
			trace = fmt.Sprintf("purchase of %s on %s is substantially identical to %s",
				clearance.ConflictAsset, clearance.ConflictDate.Format("2006-01-02"), lot.Asset)
			blocked = append(blocked, lot)
		}
		if _, err := st.recorder.Record(ctx, audit.Event{
			AgentID:        st.agent.ID,
			AgentAuthority: st.agent.Authority,
			EventType:      audit.EventWashSaleCheck,
			SagaID:         sagaID,
			StepName:       "CheckWashSale",
			ActionTaken:    action,
			ReasoningTrace: trace,
		}); err != nil {
			return fmt.Errorf("audit record: %w", err)
		}
	}

	st.mu.Lock()
	st.cleared = cleared
	st.blocked = blocked
	st.mu.Unlock()

	if len(cleared) == 0 {
		return fmt.Errorf("no harvestable lots after wash-sale check (%d blocked)", len(blocked))
	}
	return nil
}

func (st *harvestState) sellLossPositions(ctx context.Context) error {
	st.mu.Lock()
	cleared := append([]portfolio.TaxLot(nil), st.cleared...)
	st.mu.Unlock()

	for _, lot := range cleared {
		exec, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:    lot.Asset,
			Action:   portfolio.ActionSell,
			Amount:   lot.CurrentValue(),
			PriceRef: lot.CurrentPrice,
		})
		if err != nil {
			return fmt.Errorf("sell lot %s (%s): %w", lot.LotID, lot.Asset, err)
		}
		st.mu.Lock()
		st.sales = append(st.sales, lotSale{lot: lot, fill: exec})
		st.proceeds += exec.Amount
		st.mu.Unlock()
	}
	return nil
}

// buyBackLots restores the sold positions at their recorded price
// reference, newest fill first.
func (st *harvestState) buyBackLots(ctx context.Context) error {
	st.mu.Lock()
	sales := append([]lotSale(nil), st.sales...)
	st.mu.Unlock()

	for i := len(sales) - 1; i >= 0; i-- {
		sale := sales[i]
		if _, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:           sale.lot.Asset,
			Action:          portfolio.ActionBuy,
			Amount:          sale.fill.Amount,
			PriceRef:        sale.fill.FillPrice,
			CompensationFor: sale.fill.OrderID,
		}); err != nil {
			return fmt.Errorf("buy back lot %s: %w", sale.lot.LotID, err)
		}
	}

	st.mu.Lock()
	st.sales = nil
	st.proceeds = 0
	st.mu.Unlock()
	return nil
}

// purchaseReplacements is the pivot: sale proceeds are reinvested into
// non-identical substitutes. A lot with no configured substitute stays in
// cash rather than failing the saga.
func (st *harvestState) purchaseReplacements(ctx context.Context) error {
	st.mu.Lock()
	sales := append([]lotSale(nil), st.sales...)
	st.mu.Unlock()

	bought := make(map[string]broker.Execution, len(sales))
	for _, sale := range sales {
		replacement := sale.lot.Replacement
		if replacement == "" {
			continue
		}
		exec, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:  replacement,
			Action: portfolio.ActionBuy,
			Amount: sale.fill.Amount,
		})
		if err != nil {
			return fmt.Errorf("replace %s with %s: %w", sale.lot.Asset, replacement, err)
		}
		bought[sale.lot.Asset] = exec
	}

	st.mu.Lock()
	st.replacements = bought
	st.mu.Unlock()
	return nil
}

// recordTaxLots writes the realized-loss records for year-end reporting.
// It runs only after the pivot and is never compensated.
func (st *harvestState) recordTaxLots(ctx context.Context) error {
	sagaID := saga.IDFromContext(ctx)
	now := time.Now().UTC()

	st.mu.Lock()
	defer st.mu.Unlock()

	records := make([]TaxRecord, 0, len(st.sales))
	var totalLoss, totalSaving float64
	for _, sale := range st.sales {
		record := TaxRecord{
			RecordID:        "tax_" + uuid.New().String()[:8],
			LotID:           sale.lot.LotID,
			AssetSold:       sale.lot.Asset,
			Quantity:        sale.lot.Quantity,
			Proceeds:        sale.fill.Amount,
			CostBasis:       sale.lot.CostBasis(),
			RealizedLoss:    sale.lot.UnrealizedLoss,
			HoldingPeriod:   sale.lot.HoldingPeriod,
			EstimatedSaving: st.rates.Savings(sale.lot.UnrealizedLoss, sale.lot.HoldingPeriod),
			TaxYear:         now.Year(),
			RecordedAt:      now,
		}
		if exec, ok := st.replacements[sale.lot.Asset]; ok {
			record.Replacement = exec.Asset
		}
		records = append(records, record)
		totalLoss += record.RealizedLoss
		totalSaving += record.EstimatedSaving
	}
	st.records = records

	if _, err := st.recorder.Record(ctx, audit.Event{
		AgentID:        st.agent.ID,
		AgentAuthority: st.agent.Authority,
		EventType:      audit.EventStepExecuted,
		SagaID:         sagaID,
		StepName:       "RecordTaxLot",
		ActionTaken:    fmt.Sprintf("recorded %d realized-loss lots for tax year %d", len(records), now.Year()),
		ReasoningTrace: fmt.Sprintf("harvested $%.2f in losses, estimated $%.2f in tax savings", totalLoss, totalSaving),
	}); err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	return nil
}
