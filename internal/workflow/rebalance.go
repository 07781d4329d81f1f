package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/saga"
)

// RebalanceRequest asks for a portfolio to be brought back to its target
// allocations.
type RebalanceRequest struct {
	PortfolioID    string                 `json:"portfolio_id"`
	Snapshot       portfolio.Snapshot     `json:"snapshot"`
	Targets        map[string]float64     `json:"target_allocations"`
	Agent          identity.AgentIdentity `json:"agent"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// StartRebalance validates the request, runs the compliance gate against
// the proposed trades, and starts a rebalance saga. Validation and gate
// failures reject the request before any side effect.
func (s *Service) StartRebalance(ctx context.Context, req RebalanceRequest) (saga.Execution, error) {
	if req.PortfolioID == "" {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowRebalance, "missing portfolio id")
	}
	if req.Snapshot.TotalValue <= 0 {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowRebalance, "snapshot has no value")
	}
	if reason := validateTargets(req.Targets); reason != "" {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowRebalance, reason)
	}

	plan := portfolio.BuildRebalancePlan(req.Snapshot, req.Targets, s.cfg.DriftTolerancePP)
	if len(plan) == 0 {
		return saga.Execution{}, s.rejectValidation(ctx, req.Agent, saga.WorkflowRebalance,
			fmt.Sprintf("all allocations within %.1fpp of target, nothing to trade", s.cfg.DriftTolerancePP))
	}

	if _, err := s.gate.Check(ctx, req.Agent, req.Snapshot, plan, ""); err != nil {
		return saga.Execution{}, err
	}

	state := &rebalanceState{
		executor:       s.executor,
		snapshot:       req.Snapshot,
		trades:         plan,
		maxSnapshotAge: s.cfg.MaxSnapshotAge,
	}
	return s.orch.Start(ctx, saga.StartRequest{
		Workflow:       saga.WorkflowRebalance,
		PortfolioID:    req.PortfolioID,
		Agent:          req.Agent,
		IdempotencyKey: req.IdempotencyKey,
		Steps:          state.steps(),
	})
}

// rebalanceState is the mutable context shared by one rebalance saga's
// step closures. The orchestrator runs steps strictly sequentially, but
// compensation may inspect state written by a later step, so access stays
// behind the mutex.
type rebalanceState struct {
	executor       broker.OrderExecutor
	snapshot       portfolio.Snapshot
	trades         []portfolio.Trade
	maxSnapshotAge time.Duration

	mu       sync.Mutex
	sells    []broker.Execution
	proceeds float64
	settled  bool
}

func (st *rebalanceState) steps() []saga.Step {
	return []saga.Step{
		{Name: "ValidateMarket", Forward: st.validateMarket},
		{Name: "PlaceSellOrders", Forward: st.placeSellOrders, Compensate: st.buyBackSells},
		{Name: "SettleCash", Forward: st.settleCash},
		{Name: "PlaceBuyOrders", Forward: st.placeBuyOrders, Pivot: true},
	}
}

// validateMarket is read-only: it rejects a stale snapshot rather than
// trading against prices that no longer hold. Its compensation is a no-op.
func (st *rebalanceState) validateMarket(context.Context) error {
	age := time.Since(st.snapshot.TakenAt)
	if age > st.maxSnapshotAge {
		return fmt.Errorf("snapshot is %s old, max %s", age.Round(time.Minute), st.maxSnapshotAge)
	}
	return nil
}

func (st *rebalanceState) placeSellOrders(ctx context.Context) error {
	for _, trade := range st.trades {
		if trade.Action != portfolio.ActionSell {
			continue
		}
		exec, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:  trade.Asset,
			Action: portfolio.ActionSell,
			Amount: trade.Amount,
		})
		if err != nil {
			return fmt.Errorf("sell %s: %w", trade.Asset, err)
		}
		st.mu.Lock()
		st.sells = append(st.sells, exec)
		st.proceeds += exec.Amount
		st.mu.Unlock()
	}
	return nil
}

// buyBackSells reverses placeSellOrders: each filled sell is re-bought at
// its recorded price reference, newest fill first. A partial buyback still
// reports the error so it lands in the audit trail as a soft failure.
func (st *rebalanceState) buyBackSells(ctx context.Context) error {
	st.mu.Lock()
	sells := append([]broker.Execution(nil), st.sells...)
	st.mu.Unlock()

	for i := len(sells) - 1; i >= 0; i-- {
		sell := sells[i]
		if _, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:           sell.Asset,
			Action:          portfolio.ActionBuy,
			Amount:          sell.Amount,
			PriceRef:        sell.FillPrice,
			CompensationFor: sell.OrderID,
		}); err != nil {
			return fmt.Errorf("buy back %s: %w", sell.Asset, err)
		}
	}

	st.mu.Lock()
	st.sells = nil
	st.proceeds = 0
	st.mu.Unlock()
	return nil
}

// settleCash verifies the sell proceeds are available before buys are
// placed. Reversal happens transitively through the sell compensation, so
// it carries no compensation of its own.
func (st *rebalanceState) settleCash(context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	var expected float64
	for _, trade := range st.trades {
		if trade.Action == portfolio.ActionSell {
			expected += trade.Amount
		}
	}
	if st.proceeds < expected {
		return fmt.Errorf("settled %.2f of expected %.2f in sell proceeds", st.proceeds, expected)
	}
	st.settled = true
	return nil
}

// placeBuyOrders is the pivot: once the buys fill, earlier steps are
// irrevocably committed and any later failure requires manual remediation.
func (st *rebalanceState) placeBuyOrders(ctx context.Context) error {
	st.mu.Lock()
	available := st.proceeds + st.snapshot.Cash()
	st.mu.Unlock()

	var cost float64
	for _, trade := range st.trades {
		if trade.Action == portfolio.ActionBuy {
			cost += trade.Amount
		}
	}
	if cost > available {
		return fmt.Errorf("buys need %.2f but only %.2f is available", cost, available)
	}

	for _, trade := range st.trades {
		if trade.Action != portfolio.ActionBuy {
			continue
		}
		if _, err := st.executor.PlaceOrder(ctx, broker.Order{
			Asset:  trade.Asset,
			Action: portfolio.ActionBuy,
			Amount: trade.Amount,
		}); err != nil {
			return fmt.Errorf("buy %s: %w", trade.Asset, err)
		}
	}
	return nil
}
