// Package workflow assembles the two trading sagas: payload validation,
// the compliance gate, and the step lists handed to the orchestrator.
package workflow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/compliance"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/portfolio"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/tax"
	"github.com/quantfolio/advisor/internal/washsale"
)

// Config tunes workflow construction.
type Config struct {
	// MinLossThreshold is the smallest unrealized loss, in dollars, worth
	// harvesting.
	MinLossThreshold float64 `yaml:"min_loss_threshold"`

	// DriftTolerancePP is the allocation drift, in percentage points,
	// below which no rebalance trade is generated.
	DriftTolerancePP float64 `yaml:"drift_tolerance_pp"`

	// WashSaleWindowDays is the statutory window on each side of a sale
	// date (30 days each side, a 61-day total window).
	WashSaleWindowDays int `yaml:"wash_sale_window_days"`

	// MaxSnapshotAge bounds how stale a portfolio snapshot may be before
	// market validation rejects it.
	MaxSnapshotAge time.Duration `yaml:"max_snapshot_age"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinLossThreshold:   100,
		DriftTolerancePP:   0.5,
		WashSaleWindowDays: 30,
		MaxSnapshotAge:     24 * time.Hour,
	}
}

// Service builds and starts sagas. It owns no saga state of its own; all
// execution state lives with the orchestrator.
type Service struct {
	cfg      Config
	orch     *saga.Orchestrator
	gate     *compliance.Gate
	detector *washsale.Detector
	rates    tax.Rates
	executor broker.OrderExecutor
	recorder audit.Recorder
}

// NewService wires the workflow layer.
func NewService(cfg Config, orch *saga.Orchestrator, gate *compliance.Gate, detector *washsale.Detector, rates tax.Rates, executor broker.OrderExecutor, recorder audit.Recorder) *Service {
	if cfg.MinLossThreshold <= 0 {
		cfg.MinLossThreshold = DefaultConfig().MinLossThreshold
	}
	if cfg.DriftTolerancePP <= 0 {
		cfg.DriftTolerancePP = DefaultConfig().DriftTolerancePP
	}
	if cfg.WashSaleWindowDays <= 0 {
		cfg.WashSaleWindowDays = DefaultConfig().WashSaleWindowDays
	}
	if cfg.MaxSnapshotAge <= 0 {
		cfg.MaxSnapshotAge = DefaultConfig().MaxSnapshotAge
	}
	return &Service{
		cfg:      cfg,
		orch:     orch,
		gate:     gate,
		detector: detector,
		rates:    rates,
		executor: executor,
		recorder: recorder,
	}
}

// Orchestrator exposes the underlying engine for status, cancel, list and
// subscribe calls.
func (s *Service) Orchestrator() *saga.Orchestrator { return s.orch }

// TaxRates returns the flat rates used for savings estimates.
func (s *Service) TaxRates() tax.Rates { return s.rates }

// Detector returns the wash-sale detector for read-only queries.
func (s *Service) Detector() *washsale.Detector { return s.detector }

// Opportunities runs the pre-trade harvesting scan: classify lots, keep
// losses at or above the threshold, and annotate each with its wash-sale
// clearance and suggested replacement. No orders are placed. A negative
// minLoss falls back to the configured threshold; zero keeps every loss.
func (s *Service) Opportunities(lots []portfolio.TaxLot, purchases []washsale.Purchase, asOf time.Time, minLoss float64) ([]portfolio.TaxLot, tax.Impact) {
	if minLoss < 0 {
		minLoss = s.cfg.MinLossThreshold
	}
	classified := make([]portfolio.TaxLot, len(lots))
	for i, lot := range lots {
		classified[i] = portfolio.ClassifyLot(lot, asOf)
	}
	candidates := tax.Opportunities(classified, minLoss)
	for i := range candidates {
		clearance := s.detector.CheckLot(candidates[i].Asset, asOf, purchases, s.cfg.WashSaleWindowDays)
		candidates[i].WashSaleClear = clearance.Clear
		candidates[i].Replacement = clearance.Replacement
		if clearance.Clear {
			if subs := s.detector.Replacements(candidates[i].Asset); len(subs) > 0 {
				candidates[i].Replacement = subs[0]
			}
		}
	}
	return candidates, s.rates.Estimate(candidates)
}

// rejectValidation audits and returns a ValidationError. Rejections happen
// before any side effect, so there is never a saga ID to attach.
func (s *Service) rejectValidation(ctx context.Context, agent identity.AgentIdentity, workflow saga.Workflow, reason string) error {
	if _, err := s.recorder.Record(ctx, audit.Event{
		AgentID:        agent.ID,
		AgentAuthority: agent.Authority,
		EventType:      audit.EventValidationRejected,
		ActionTaken:    fmt.Sprintf("rejected %s request before execution", workflow),
		ReasoningTrace: reason,
	}); err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	return &saga.ValidationError{Reason: reason}
}

// validateTargets checks that target allocations are non-negative percents
// summing to 100 within rounding tolerance. It returns the rejection
// reason, empty when valid.
func validateTargets(targets map[string]float64) string {
	if len(targets) == 0 {
		return "no target allocations"
	}
	var sum float64
	for class, pct := range targets {
		if pct < 0 {
			return fmt.Sprintf("negative target for %s", class)
		}
		sum += pct
	}
	if math.Abs(sum-100) > 0.01 {
		return fmt.Sprintf("target allocations sum to %.2f%%, want 100%%", sum)
	}
	return ""
}
