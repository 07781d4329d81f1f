// Package saga implements the transactional workflow engine: strictly
// ordered step execution, reverse-order compensation on pre-pivot failure,
// and forward-only semantics once the pivot step has run.
package saga

import (
	"context"
	"time"
)

// Workflow identifies which step list a saga runs.
type Workflow string

const (
	WorkflowRebalance Workflow = "rebalance"
	WorkflowHarvest   Workflow = "tax_loss_harvest"
)

// Status is the overall lifecycle state of a saga.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccess    Status = "success"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusRolledBack || s == StatusFailed
}

// StepStatus is the state of one step within a saga.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSuccess     StepStatus = "success"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Action is a forward or compensating unit of work. Actions receive a
// context carrying the per-step timeout and must respect cancellation.
type Action func(ctx context.Context) error

type sagaIDKey struct{}

func withSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, sagaIDKey{}, sagaID)
}

// IDFromContext extracts the saga ID from an action's context, letting
// step implementations stamp their own audit events.
func IDFromContext(ctx context.Context) string {
	sagaID, _ := ctx.Value(sagaIDKey{}).(string)
	return sagaID
}

// Step pairs a forward action with its compensating action. Steps before
// the pivot must carry a compensation (a nil Compensate is treated as a
// no-op for read-only steps); the pivot and everything after it are never
// compensated.
type Step struct {
	Name       string
	Forward    Action
	Compensate Action
	Pivot      bool
}

// StepState is the externally visible state of one step.
type StepState struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	IsPivot bool       `json:"isPivot"`
	Error   string     `json:"error,omitempty"`
}

// Execution is a read-only snapshot of a saga. Snapshots are value copies;
// mutating one never touches the orchestrator's record.
type Execution struct {
	ID             string      `json:"id"`
	Workflow       Workflow    `json:"type"`
	PortfolioID    string      `json:"portfolio_id"`
	AgentID        string      `json:"agent_id"`
	Steps          []StepState `json:"steps"`
	PivotIndex     int         `json:"pivotIndex"`
	Status         Status      `json:"overallStatus"`
	Error          string      `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	IdempotencyKey string      `json:"-"`
}

// Transition is one step-status change, published on the saga's stream in
// the exact order the orchestrator applies it.
type Transition struct {
	SagaID     string     `json:"saga_id"`
	Seq        int        `json:"seq"`
	StepName   string     `json:"step_name,omitempty"`
	StepStatus StepStatus `json:"step_status,omitempty"`
	SagaStatus Status     `json:"saga_status"`
	IsPivot    bool       `json:"is_pivot,omitempty"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// validateSteps enforces the structural invariants of a workflow's step
// list: non-empty, unique names, exactly one pivot.
func validateSteps(steps []Step) (pivotIndex int, err error) {
	if len(steps) == 0 {
		return 0, &ConfigurationError{Reason: "empty step list"}
	}
	pivotIndex = -1
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return 0, &ConfigurationError{Reason: "step with empty name"}
		}
		if _, dup := seen[step.Name]; dup {
			return 0, &ConfigurationError{Reason: "duplicate step name " + step.Name}
		}
		seen[step.Name] = struct{}{}
		if step.Forward == nil {
			return 0, &ConfigurationError{Reason: "step " + step.Name + " has no forward action"}
		}
		if step.Pivot {
			if pivotIndex >= 0 {
				return 0, &ConfigurationError{Reason: "multiple pivot steps"}
			}
			pivotIndex = i
		}
	}
	if pivotIndex < 0 {
		return 0, &ConfigurationError{Reason: "no pivot step"}
	}
	return pivotIndex, nil
}
