// Package persistence declares the durable stores behind the in-memory
// engine: terminal saga executions for operator review and the append-only
// audit ledger.
package persistence

import (
	"context"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/saga"
)

// SagaRepo archives saga executions. The orchestrator remains the system
// of record while a saga is live; executions are archived on reaching a
// terminal state.
type SagaRepo interface {
	// Save inserts or updates the execution snapshot keyed by saga ID.
	Save(ctx context.Context, exec saga.Execution) error

	// Get returns the archived execution for the given saga ID.
	Get(ctx context.Context, sagaID string) (saga.Execution, error)

	// ListByPortfolio returns archived executions for one portfolio,
	// newest first, capped at limit.
	ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]saga.Execution, error)
}

// AuditRepo is the durable half of the audit trail. Events are append
// only; there is no update or delete.
type AuditRepo interface {
	Insert(ctx context.Context, event audit.Event) error
	Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error)
}
