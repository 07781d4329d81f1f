package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/compliance"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/tax"
	"github.com/quantfolio/advisor/internal/washsale"
)

type fixture struct {
	service  *Service
	broker   *SimExecutorSpy
	recorder *audit.MemoryRecorder
	agent    identity.AgentIdentity
}

// SimExecutorSpy wraps SimBroker and keeps the order log for assertions.
type SimExecutorSpy struct {
	inner *broker.SimBroker

	mu     sync.Mutex
	orders []broker.Order
}

func (s *SimExecutorSpy) PlaceOrder(ctx context.Context, order broker.Order) (broker.Execution, error) {
	exec, err := s.inner.PlaceOrder(ctx, order)
	if err == nil {
		s.mu.Lock()
		s.orders = append(s.orders, order)
		s.mu.Unlock()
	}
	return exec, err
}

func (s *SimExecutorSpy) Orders() []broker.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.Order(nil), s.orders...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	recorder := audit.NewMemoryRecorder()
	registry := identity.NewRegistry()
	agent := identity.NewAgent("rebalance", "1.0.0", identity.AuthorityTradeLarge)
	registry.Register(agent)

	detector, err := washsale.NewDetector(washsale.Config{
		Families: []washsale.Family{
			{Name: "total_us_stock", Tickers: []string{"VTI", "ITOT"}},
			{Name: "sp500", Tickers: []string{"SPY", "SPLG"}},
			{Name: "total_bond", Tickers: []string{"BND", "AGG"}},
			{Name: "corp_bond", Tickers: []string{"LQD"}},
			{Name: "gold", Tickers: []string{"GLD"}},
			{Name: "gold_miners", Tickers: []string{"GDX"}},
			{Name: "apple", Tickers: []string{"AAPL"}},
			{Name: "microsoft", Tickers: []string{"MSFT"}},
			{Name: "alphabet", Tickers: []string{"GOOGL"}},
		},
		Replacements: map[string][]string{
			"VTI": {"SPLG"},
			"BND": {"LQD"},
			"GLD": {"GDX"},
		},
	})
	require.NoError(t, err)

	sim := broker.NewSimBroker(broker.Config{
		OrdersPerSecond:     1000,
		Burst:               100,
		ConsecutiveFailures: 100,
		BreakerTimeout:      time.Second,
	})
	spy := &SimExecutorSpy{inner: sim}

	gate := compliance.NewGate(compliance.DefaultGateConfig(), registry, recorder)
	orchCfg := saga.DefaultConfig()
	orchCfg.StepTimeout = 2 * time.Second
	orch := saga.New(orchCfg, recorder, saga.NewMemoryIdempotencyStore(), saga.Hooks{})

	service := NewService(DefaultConfig(), orch, gate, detector, tax.DefaultRates(), spy, recorder)
	return &fixture{service: service, broker: spy, recorder: recorder, agent: agent}
}

func (f *fixture) failOrders(hook func(broker.Order) error) {
	f.broker.inner.SetFailHook(hook)
}

func (f *fixture) waitTerminal(t *testing.T, sagaID string) saga.Execution {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		exec, err := f.service.Orchestrator().Status(sagaID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("saga %s did not terminate", sagaID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// driftedSnapshot is a $100k portfolio at 60/30/8/2 against a 60/30/5/5
// target: only cash and alternatives drift beyond tolerance.
func driftedSnapshot() portfolio.Snapshot {
	return portfolio.Snapshot{
		PortfolioID: "pf-1",
		TotalValue:  100_000,
		TakenAt:     time.Now().UTC(),
		Holdings: []portfolio.Holding{
			{Asset: "VTI", AssetClass: "stocks", Value: 60_000},
			{Asset: "BND", AssetClass: "bonds", Value: 30_000},
			{Asset: "CASH", AssetClass: "cash", Value: 8_000},
			{Asset: "GLD", AssetClass: "alternatives", Value: 2_000},
		},
	}
}

func rebalanceTargets() map[string]float64 {
	return map[string]float64{"stocks": 60, "bonds": 30, "cash": 5, "alternatives": 5}
}

func TestRebalanceHappyPath(t *testing.T) {
	f := newFixture(t)

	exec, err := f.service.StartRebalance(context.Background(), RebalanceRequest{
		PortfolioID: "pf-1",
		Snapshot:    driftedSnapshot(),
		Targets:     rebalanceTargets(),
		Agent:       f.agent,
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, saga.StatusSuccess, final.Status)
	require.Len(t, final.Steps, 4)
	assert.Equal(t, "PlaceBuyOrders", final.Steps[3].Name)
	assert.True(t, final.Steps[3].IsPivot)

	// Only the two drifted classes trade: SELL CASH 3pp, BUY ALTERNATIVES 3pp.
	orders := f.broker.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, "CASH", orders[0].Asset)
	assert.Equal(t, portfolio.ActionSell, orders[0].Action)
	assert.InDelta(t, 3_000, orders[0].Amount, 0.01)
	assert.Equal(t, "ALTERNATIVES", orders[1].Asset)
	assert.Equal(t, portfolio.ActionBuy, orders[1].Action)
	assert.InDelta(t, 3_000, orders[1].Amount, 0.01)
}

func TestRebalancePivotFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.failOrders(func(o broker.Order) error {
		if o.Action == portfolio.ActionBuy && o.CompensationFor == "" {
			return errors.New("insufficient buying power")
		}
		return nil
	})

	exec, err := f.service.StartRebalance(context.Background(), RebalanceRequest{
		PortfolioID: "pf-1",
		Snapshot:    driftedSnapshot(),
		Targets:     rebalanceTargets(),
		Agent:       f.agent,
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, saga.StatusRolledBack, final.Status)
	assert.Equal(t, saga.StepFailed, final.Steps[3].Status)
	assert.Equal(t, saga.StepCompensated, final.Steps[2].Status) // SettleCash
	assert.Equal(t, saga.StepCompensated, final.Steps[1].Status) // PlaceSellOrders
	assert.Equal(t, saga.StepCompensated, final.Steps[0].Status) // ValidateMarket

	// The cash sale was bought back at its recorded reference.
	orders := f.broker.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, portfolio.ActionSell, orders[0].Action)
	assert.Equal(t, portfolio.ActionBuy, orders[1].Action)
	assert.NotEmpty(t, orders[1].CompensationFor)
}

func TestRebalanceRejectsBadTargets(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.StartRebalance(context.Background(), RebalanceRequest{
		PortfolioID: "pf-1",
		Snapshot:    driftedSnapshot(),
		Targets:     map[string]float64{"stocks": 60, "bonds": 30},
		Agent:       f.agent,
	})
	var vErr *saga.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "sum to 90.00%")

	events, qErr := f.recorder.Query(context.Background(), audit.Filter{AgentID: f.agent.ID})
	require.NoError(t, qErr)
	var rejected bool
	for _, e := range events {
		rejected = rejected || e.EventType == audit.EventValidationRejected
	}
	assert.True(t, rejected, "rejection must be audited")
	assert.Empty(t, f.broker.Orders(), "no side effects before validation")
}

func TestRebalanceRejectsWhenWithinTolerance(t *testing.T) {
	f := newFixture(t)

	snap := driftedSnapshot()
	_, err := f.service.StartRebalance(context.Background(), RebalanceRequest{
		PortfolioID: "pf-1",
		Snapshot:    snap,
		Targets:     map[string]float64{"stocks": 60, "bonds": 30, "cash": 8, "alternatives": 2},
		Agent:       f.agent,
	})
	var vErr *saga.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "nothing to trade")
}

func TestRebalanceComplianceViolationRejects(t *testing.T) {
	f := newFixture(t)

	// 20pp of drift in one class makes a $20k trade on a $100k book,
	// breaching the 10% per-trade rule before anything executes.
	snap := portfolio.Snapshot{
		PortfolioID: "pf-1",
		TotalValue:  100_000,
		TakenAt:     time.Now().UTC(),
		Holdings: []portfolio.Holding{
			{Asset: "VTI", AssetClass: "stocks", Value: 75_000},
			{Asset: "BND", AssetClass: "bonds", Value: 20_000},
			{Asset: "CASH", AssetClass: "cash", Value: 5_000},
		},
	}
	_, err := f.service.StartRebalance(context.Background(), RebalanceRequest{
		PortfolioID: "pf-1",
		Snapshot:    snap,
		Targets:     map[string]float64{"stocks": 55, "bonds": 40, "cash": 5},
		Agent:       f.agent,
	})
	var violation *compliance.Violation
	require.ErrorAs(t, err, &violation)
	assert.Empty(t, f.broker.Orders())
}

// harvestSnapshot is a $500k book, large enough that selling any single
// fixture lot stays within the 10% per-trade rule.
func harvestSnapshot() portfolio.Snapshot {
	return portfolio.Snapshot{
		PortfolioID: "pf-1",
		TotalValue:  500_000,
		TakenAt:     time.Now().UTC(),
		Holdings: []portfolio.Holding{
			{Asset: "VTI", AssetClass: "stocks", Value: 350_000},
			{Asset: "BND", AssetClass: "bonds", Value: 100_000},
			{Asset: "CASH", AssetClass: "cash", Value: 50_000},
		},
	}
}

// harvestLots builds the six-lot scan fixture: five clean losing lots and
// one VTI lot that a recent ITOT purchase wash-blocks.
func harvestLots(now time.Time) []portfolio.TaxLot {
	lot := func(id, asset string, qty, buy, cur float64, daysHeld int) portfolio.TaxLot {
		return portfolio.TaxLot{
			LotID:         id,
			Asset:         asset,
			Quantity:      qty,
			PurchasePrice: buy,
			CurrentPrice:  cur,
			PurchaseDate:  now.AddDate(0, 0, -daysHeld),
		}
	}
	return []portfolio.TaxLot{
		lot("lot-1", "VTI", 100, 220, 200, 400),  // blocked by recent ITOT buy
		lot("lot-2", "AAPL", 50, 190, 170, 100),  // short-term loss 1000
		lot("lot-3", "MSFT", 20, 420, 370, 500),  // long-term loss 1000
		lot("lot-4", "GOOGL", 30, 180, 140, 90),  // short-term loss 1200
		lot("lot-5", "BND", 200, 80, 72, 600),    // long-term loss 1600
		lot("lot-6", "GLD", 40, 185, 160, 30),    // short-term loss 1000
	}
}

func TestHarvestSkipsWashBlockedLot(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	exec, err := f.service.StartHarvest(context.Background(), HarvestRequest{
		PortfolioID: "pf-1",
		Snapshot:    harvestSnapshot(),
		Lots:        harvestLots(now),
		RecentPurchases: []washsale.Purchase{
			{Asset: "ITOT", Date: now.AddDate(0, 0, -10)},
		},
		Agent: f.agent,
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, saga.StatusSuccess, final.Status)
	require.Len(t, final.Steps, 5)
	assert.Equal(t, "PurchaseReplacement", final.Steps[3].Name)
	assert.True(t, final.Steps[3].IsPivot)
	assert.Equal(t, 3, final.PivotIndex)

	// Five clean lots sold; VTI never traded.
	var sells, buys []broker.Order
	for _, o := range f.broker.Orders() {
		if o.Action == portfolio.ActionSell {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
		assert.NotEqual(t, "VTI", o.Asset)
	}
	assert.Len(t, sells, 5)

	// Replacements only where one is configured: BND -> LQD, GLD -> GDX.
	replaced := make(map[string]bool)
	for _, o := range buys {
		replaced[o.Asset] = true
	}
	assert.True(t, replaced["LQD"])
	assert.True(t, replaced["GDX"])

	// The blocked lot's decision is in the audit trail.
	events, qErr := f.recorder.Query(context.Background(), audit.Filter{SagaID: final.ID})
	require.NoError(t, qErr)
	var blocked bool
	for _, e := range events {
		if e.EventType == audit.EventWashSaleCheck && e.ActionTaken == "blocked lot lot-1" {
			blocked = true
			assert.Contains(t, e.ReasoningTrace, "ITOT")
		}
	}
	assert.True(t, blocked)
}

// failingRecorder fails Record for one step name to force a post-pivot
// step failure.
type failingRecorder struct {
	audit.Recorder
	failStep string
}

func (f *failingRecorder) Record(ctx context.Context, event audit.Event) (string, error) {
	if event.StepName == f.failStep && event.EventType == audit.EventStepExecuted {
		return "", fmt.Errorf("ledger unavailable")
	}
	return f.Recorder.Record(ctx, event)
}

func TestHarvestPostPivotFailureDoesNotCompensate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	// RecordTaxLot runs after the pivot; failing its ledger write must
	// leave every earlier step committed.
	wrapped := &failingRecorder{Recorder: f.recorder, failStep: "RecordTaxLot"}
	orchCfg := saga.DefaultConfig()
	orchCfg.StepTimeout = 2 * time.Second
	orch := saga.New(orchCfg, f.recorder, nil, saga.Hooks{})
	gate := compliance.NewGate(compliance.DefaultGateConfig(), registryWith(f.agent), f.recorder)
	service := NewService(DefaultConfig(), orch, gate, f.service.Detector(), tax.DefaultRates(), f.broker, wrapped)

	exec, err := service.StartHarvest(context.Background(), HarvestRequest{
		PortfolioID: "pf-1",
		Snapshot:    harvestSnapshot(),
		Lots:        harvestLots(now),
		Agent:       f.agent,
	})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	var final saga.Execution
	for {
		final, err = orch.Status(exec.ID)
		require.NoError(t, err)
		if final.Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("saga did not terminate")
		case <-time.After(5 * time.Millisecond):
		}
	}

	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, saga.StepFailed, final.Steps[4].Status)
	for i := 0; i < 4; i++ {
		assert.Equal(t, saga.StepSuccess, final.Steps[i].Status, "step %d must stay committed", i)
	}
	for _, o := range f.broker.Orders() {
		assert.Empty(t, o.CompensationFor, "no buyback may occur post-pivot")
	}
}

func registryWith(agents ...identity.AgentIdentity) *identity.Registry {
	registry := identity.NewRegistry()
	for _, a := range agents {
		registry.Register(a)
	}
	return registry
}

func TestHarvestRejectsEmptyLots(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.StartHarvest(context.Background(), HarvestRequest{
		PortfolioID: "pf-1",
		Snapshot:    harvestSnapshot(),
		Agent:       f.agent,
	})
	var vErr *saga.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "no tax lots")
}

func TestHarvestFailsWhenEverythingBlocked(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	lots := []portfolio.TaxLot{{
		LotID:         "lot-1",
		Asset:         "VTI",
		Quantity:      100,
		PurchasePrice: 220,
		CurrentPrice:  200,
		PurchaseDate:  now.AddDate(0, 0, -400),
	}}
	exec, err := f.service.StartHarvest(context.Background(), HarvestRequest{
		PortfolioID: "pf-1",
		Snapshot:    harvestSnapshot(),
		Lots:        lots,
		RecentPurchases: []washsale.Purchase{
			{Asset: "VTI", Date: now.AddDate(0, 0, -5)},
		},
		Agent: f.agent,
	})
	require.NoError(t, err)

	final := f.waitTerminal(t, exec.ID)
	assert.Equal(t, saga.StatusRolledBack, final.Status)
	assert.Equal(t, saga.StepFailed, final.Steps[1].Status)
	assert.Empty(t, f.broker.Orders())
}

func TestOpportunitiesScan(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	candidates, impact := f.service.Opportunities(harvestLots(now), []washsale.Purchase{
		{Asset: "ITOT", Date: now.AddDate(0, 0, -10)},
	}, now, -1)

	require.Len(t, candidates, 6)
	// Sorted largest loss first.
	assert.Equal(t, "VTI", candidates[0].Asset)
	assert.False(t, candidates[0].WashSaleClear)
	assert.Equal(t, "SPLG", candidates[0].Replacement)
	for _, c := range candidates[1:] {
		assert.True(t, c.WashSaleClear)
	}
	// 3 short-term lots at 0.29, 3 long-term at 0.15.
	assert.InDelta(t, 3_200, impact.ShortTermLosses, 0.01)
	assert.InDelta(t, 4_600, impact.LongTermLosses, 0.01)
	assert.InDelta(t, 3_200*0.29+4_600*0.15, impact.TotalSavings, 0.01)
}

func TestOpportunitiesZeroThresholdKeepsAllLosses(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	lots := append(harvestLots(now), portfolio.TaxLot{
		LotID:         "lot-7",
		Asset:         "AAPL",
		Quantity:      1,
		PurchasePrice: 200,
		CurrentPrice:  160, // $40 loss, below the configured floor
		PurchaseDate:  now.AddDate(0, 0, -20),
	})

	defaulted, _ := f.service.Opportunities(lots, nil, now, -1)
	assert.Len(t, defaulted, 6)

	all, _ := f.service.Opportunities(lots, nil, now, 0)
	require.Len(t, all, 7)
	assert.Equal(t, "lot-7", all[6].LotID)
}
