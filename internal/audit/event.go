// Package audit implements the append-only event trail that captures the
// WHO, WHAT, and WHY of every decision the system makes. Events are
// immutable once recorded; that property is a regulatory requirement.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/advisor/internal/identity"
)

// EventType identifies the kind of auditable event.
type EventType string

const (
	EventSagaStarted        EventType = "saga_started"
	EventSagaCompleted      EventType = "saga_completed"
	EventStepExecuted       EventType = "step_executed"
	EventStepFailed         EventType = "step_failed"
	EventStepCompensated    EventType = "step_compensated"
	EventRollbackInitiated  EventType = "rollback_initiated"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventComplianceCheck    EventType = "compliance_check"
	EventWashSaleCheck      EventType = "wash_sale_check"
	EventValidationRejected EventType = "validation_rejected"
	EventCancelRequested    EventType = "cancel_requested"
	EventErrorOccurred      EventType = "error_occurred"
)

// RuleResult is the outcome of one deterministic compliance rule. Results
// are transient in the gate and persisted only through audit events.
type RuleResult struct {
	RuleID string `json:"rule_id" db:"rule_id"`
	Passed bool   `json:"passed" db:"passed"`
	Reason string `json:"reason" db:"reason"`
}

// Event is a single immutable audit record.
type Event struct {
	EventID   string    `json:"event_id" db:"event_id"`
	Timestamp time.Time `json:"timestamp" db:"ts"`

	// WHO
	AgentID        string             `json:"agent_id" db:"agent_id"`
	AgentAuthority identity.Authority `json:"agent_authority" db:"agent_authority"`

	// WHAT
	EventType   EventType `json:"event_type" db:"event_type"`
	SagaID      string    `json:"saga_id,omitempty" db:"saga_id"`
	StepName    string    `json:"step_name,omitempty" db:"step_name"`
	ActionTaken string    `json:"action_taken" db:"action_taken"`

	// WHY
	ReasoningTrace  string       `json:"reasoning_trace" db:"reasoning_trace"`
	DecisionFactors []string     `json:"decision_factors,omitempty" db:"-"`
	RuleResults     []RuleResult `json:"rule_results,omitempty" db:"-"`
}

// NewEvent stamps a fresh event ID and timestamp onto the given event.
func NewEvent(e Event) Event {
	e.EventID = "evt_" + uuid.New().String()
	e.Timestamp = time.Now().UTC()
	return e
}

// Filter selects events for a query. Zero fields match everything.
type Filter struct {
	SagaID  string
	AgentID string
	From    time.Time
	To      time.Time

	// Cursor resumes a paged query strictly after (CursorTime, CursorID).
	// The compound key keeps ordering stable under concurrent appends.
	CursorTime time.Time
	CursorID   string

	Limit int
}

// Report aggregates recorded events over a time range for regulators.
type Report struct {
	GeneratedAt   time.Time            `json:"generated_at"`
	From          time.Time            `json:"from"`
	To            time.Time            `json:"to"`
	TotalEvents   int                  `json:"total_events"`
	EventsByType  map[EventType]int    `json:"events_by_type"`
	EventsByAgent map[string]int       `json:"events_by_agent"`
	RuleSummary   map[string]RuleStats `json:"rule_summary"`
}

// RuleStats counts pass/fail outcomes for one rule ID.
type RuleStats struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}
