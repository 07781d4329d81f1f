package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id         TEXT PRIMARY KEY,
		ts               TIMESTAMPTZ NOT NULL,
		agent_id         TEXT NOT NULL,
		agent_authority  TEXT NOT NULL DEFAULT '',
		event_type       TEXT NOT NULL,
		saga_id          TEXT NOT NULL DEFAULT '',
		step_name        TEXT NOT NULL DEFAULT '',
		action_taken     TEXT NOT NULL DEFAULT '',
		reasoning_trace  TEXT NOT NULL DEFAULT '',
		decision_factors JSONB,
		rule_results     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_saga ON audit_events (saga_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_cursor ON audit_events (ts, event_id)`,
	`CREATE TABLE IF NOT EXISTS saga_executions (
		saga_id      TEXT PRIMARY KEY,
		workflow     TEXT NOT NULL,
		portfolio_id TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		pivot_index  INT NOT NULL,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		steps        JSONB NOT NULL DEFAULT '[]',
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_executions_portfolio ON saga_executions (portfolio_id, created_at DESC)`,
}

// Migrate creates the advisor tables when they do not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
