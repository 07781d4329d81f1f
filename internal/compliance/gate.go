// Package compliance runs the deterministic pre-trade gate. The gate is
// evaluated once, before any saga step, against the full proposed trade set
// and a portfolio snapshot; on failure the saga never starts.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
)

// Rule identifiers as they appear in audit events.
const (
	RuleCashFloor = "cash_floor"
	RuleTradeSize = "trade_size"
	RuleAuthority = "agent_authority"
)

// GateConfig holds the deterministic thresholds for the gate rules.
type GateConfig struct {
	// MinCashPct is the cash floor as a fraction of total portfolio
	// value. Resulting cash below it fails Rule A.
	MinCashPct float64 `yaml:"min_cash_pct"`

	// MaxTradePct caps each individual trade's notional as a fraction of
	// total portfolio value (Rule B).
	MaxTradePct float64 `yaml:"max_trade_pct"`
}

// DefaultGateConfig returns the documented defaults: 2% cash floor, 10%
// per-trade cap.
func DefaultGateConfig() GateConfig {
	return GateConfig{MinCashPct: 0.02, MaxTradePct: 0.10}
}

// Result is the full outcome of one gate evaluation.
type Result struct {
	Passed bool               `json:"passed"`
	Rules  []audit.RuleResult `json:"rules"`
}

// FailedRules returns only the failing rule results.
func (r Result) FailedRules() []audit.RuleResult {
	var failed []audit.RuleResult
	for _, rule := range r.Rules {
		if !rule.Passed {
			failed = append(failed, rule)
		}
	}
	return failed
}

// Violation is returned when the gate rejects a trade set. It carries
// every failing rule, not just the first.
type Violation struct {
	Rules []audit.RuleResult
}

func (v *Violation) Error() string {
	reasons := make([]string, 0, len(v.Rules))
	for _, r := range v.Rules {
		reasons = append(reasons, fmt.Sprintf("%s: %s", r.RuleID, r.Reason))
	}
	return "compliance violation: " + strings.Join(reasons, "; ")
}

// Gate validates proposed trade sets before execution.
type Gate struct {
	config GateConfig
	agents *identity.Registry
	audit  audit.Recorder
}

// NewGate wires a gate with its agent registry and audit sink.
func NewGate(config GateConfig, agents *identity.Registry, recorder audit.Recorder) *Gate {
	return &Gate{config: config, agents: agents, audit: recorder}
}

// Check evaluates every rule against the trade set, records exactly one
// audit event with the full rule breakdown, and returns a *Violation error
// when any rule fails.
func (g *Gate) Check(ctx context.Context, agent identity.AgentIdentity, snapshot portfolio.Snapshot, trades []portfolio.Trade, sagaID string) (Result, error) {
	result := Result{Passed: true}
	result.Rules = append(result.Rules, g.checkAuthority(agent, trades)...)
	result.Rules = append(result.Rules, g.checkCashFloor(snapshot, trades))
	result.Rules = append(result.Rules, g.checkTradeSize(snapshot, trades)...)

	var factors []string
	for _, rule := range result.Rules {
		if !rule.Passed {
			result.Passed = false
		}
		factors = append(factors, fmt.Sprintf("%s=%t", rule.RuleID, rule.Passed))
	}

	action := "trade set approved"
	trace := fmt.Sprintf("evaluated %d rules against %d proposed trades", len(result.Rules), len(trades))
	if !result.Passed {
		action = "trade set rejected"
	}
	if _, err := g.audit.Record(ctx, audit.Event{
		AgentID:         agent.ID,
		AgentAuthority:  agent.Authority,
		EventType:       audit.EventComplianceCheck,
		SagaID:          sagaID,
		ActionTaken:     action,
		ReasoningTrace:  trace,
		DecisionFactors: factors,
		RuleResults:     result.Rules,
	}); err != nil {
		return result, fmt.Errorf("record compliance audit event: %w", err)
	}

	if !result.Passed {
		log.Warn().
			Str("saga_id", sagaID).
			Str("agent_id", agent.ID).
			Int("failed_rules", len(result.FailedRules())).
			Msg("compliance gate rejected trade set")
		return result, &Violation{Rules: result.FailedRules()}
	}
	return result, nil
}

// checkCashFloor is Rule A: resulting cash = current cash + net cash effect
// of all trades; it must be non-negative and at least MinCashPct of total
// value.
func (g *Gate) checkCashFloor(snapshot portfolio.Snapshot, trades []portfolio.Trade) audit.RuleResult {
	resulting := snapshot.Cash()
	for _, t := range trades {
		resulting += t.NetCashEffect()
	}
	minRequired := snapshot.TotalValue * g.config.MinCashPct

	switch {
	case resulting < 0:
		return audit.RuleResult{
			RuleID: RuleCashFloor,
			Reason: fmt.Sprintf("trades would leave negative cash ($%.2f)", resulting),
		}
	case resulting < minRequired:
		return audit.RuleResult{
			RuleID: RuleCashFloor,
			Reason: fmt.Sprintf("resulting cash $%.2f below %.0f%% floor ($%.2f)", resulting, g.config.MinCashPct*100, minRequired),
		}
	default:
		return audit.RuleResult{
			RuleID: RuleCashFloor,
			Passed: true,
			Reason: fmt.Sprintf("resulting cash $%.2f meets $%.2f floor", resulting, minRequired),
		}
	}
}

// checkTradeSize is Rule B: every individual trade notional must be at most
// MaxTradePct of total value. All violations are collected, not just the
// first.
func (g *Gate) checkTradeSize(snapshot portfolio.Snapshot, trades []portfolio.Trade) []audit.RuleResult {
	maxNotional := snapshot.TotalValue * g.config.MaxTradePct

	var results []audit.RuleResult
	for _, t := range trades {
		if t.Amount > maxNotional {
			results = append(results, audit.RuleResult{
				RuleID: RuleTradeSize,
				Reason: fmt.Sprintf("%s %s $%.2f exceeds %.0f%% limit ($%.2f)", t.Action, t.Asset, t.Amount, g.config.MaxTradePct*100, maxNotional),
			})
		}
	}
	if len(results) == 0 {
		results = append(results, audit.RuleResult{
			RuleID: RuleTradeSize,
			Passed: true,
			Reason: fmt.Sprintf("all %d trades within $%.2f limit", len(trades), maxNotional),
		})
	}
	return results
}

// checkAuthority verifies the acting agent is registered with trading
// authority, and enforces the per-trade cap tied to its level when one
// applies.
func (g *Gate) checkAuthority(agent identity.AgentIdentity, trades []portfolio.Trade) []audit.RuleResult {
	if !g.agents.HasAuthority(agent.ID, identity.AuthorityTradeSmall) {
		return []audit.RuleResult{{
			RuleID: RuleAuthority,
			Reason: fmt.Sprintf("agent %s lacks trading authority", agent.ID),
		}}
	}

	if limit := agent.Authority.TradeLimit(); limit > 0 {
		for _, t := range trades {
			if t.Amount > limit {
				return []audit.RuleResult{{
					RuleID: RuleAuthority,
					Reason: fmt.Sprintf("%s %s $%.2f exceeds %s limit ($%.2f)", t.Action, t.Asset, t.Amount, agent.Authority, limit),
				}}
			}
		}
	}

	return []audit.RuleResult{{
		RuleID: RuleAuthority,
		Passed: true,
		Reason: fmt.Sprintf("agent %s authorized at %s", agent.ID, agent.Authority),
	}}
}
