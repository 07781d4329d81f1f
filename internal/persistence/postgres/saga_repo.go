package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/advisor/internal/persistence"
	"github.com/quantfolio/advisor/internal/saga"
)

type sagaRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSagaRepo creates the PostgreSQL saga archive.
func NewSagaRepo(db *sqlx.DB, timeout time.Duration) persistence.SagaRepo {
	return &sagaRepo{db: db, timeout: timeout}
}

type sagaRow struct {
	SagaID      string       `db:"saga_id"`
	Workflow    string       `db:"workflow"`
	PortfolioID string       `db:"portfolio_id"`
	AgentID     string       `db:"agent_id"`
	PivotIndex  int          `db:"pivot_index"`
	Status      string       `db:"status"`
	Error       string       `db:"error"`
	Steps       []byte       `db:"steps"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r *sagaRepo) Save(ctx context.Context, exec saga.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	var completedAt interface{}
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}

	query := `
		INSERT INTO saga_executions
		(saga_id, workflow, portfolio_id, agent_id, pivot_index, status,
		 error, steps, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			steps = EXCLUDED.steps,
			completed_at = EXCLUDED.completed_at`

	if _, err := r.db.ExecContext(ctx, query,
		exec.ID, string(exec.Workflow), exec.PortfolioID, exec.AgentID,
		exec.PivotIndex, string(exec.Status), exec.Error, steps,
		exec.CreatedAt, completedAt); err != nil {
		return fmt.Errorf("save saga %s: %w", exec.ID, err)
	}
	return nil
}

func (r *sagaRepo) Get(ctx context.Context, sagaID string) (saga.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row sagaRow
	err := r.db.GetContext(ctx, &row,
		`SELECT saga_id, workflow, portfolio_id, agent_id, pivot_index, status,
		        error, steps, created_at, completed_at
		 FROM saga_executions WHERE saga_id = $1`, sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Execution{}, &saga.NotFoundError{SagaID: sagaID}
	}
	if err != nil {
		return saga.Execution{}, fmt.Errorf("get saga %s: %w", sagaID, err)
	}
	return row.toExecution()
}

func (r *sagaRepo) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]saga.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var rows []sagaRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT saga_id, workflow, portfolio_id, agent_id, pivot_index, status,
		        error, steps, created_at, completed_at
		 FROM saga_executions WHERE portfolio_id = $1
		 ORDER BY created_at DESC LIMIT $2`, portfolioID, limit); err != nil {
		return nil, fmt.Errorf("list sagas for %s: %w", portfolioID, err)
	}

	execs := make([]saga.Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toExecution()
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (row sagaRow) toExecution() (saga.Execution, error) {
	exec := saga.Execution{
		ID:          row.SagaID,
		Workflow:    saga.Workflow(row.Workflow),
		PortfolioID: row.PortfolioID,
		AgentID:     row.AgentID,
		PivotIndex:  row.PivotIndex,
		Status:      saga.Status(row.Status),
		Error:       row.Error,
		CreatedAt:   row.CreatedAt,
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		exec.CompletedAt = &t
	}
	if len(row.Steps) > 0 {
		if err := json.Unmarshal(row.Steps, &exec.Steps); err != nil {
			return saga.Execution{}, fmt.Errorf("unmarshal steps for %s: %w", row.SagaID, err)
		}
	}
	return exec, nil
}
