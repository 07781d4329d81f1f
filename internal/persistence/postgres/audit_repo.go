// Package postgres implements the durable stores on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/identity"
	"github.com/quantfolio/advisor/internal/persistence"
)

// Open connects to PostgreSQL with the given pool limits.
func Open(dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	return db, nil
}

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates the PostgreSQL audit ledger. The backing table is
// insert-only; immutability is enforced at the database role level.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

type auditRow struct {
	EventID        string    `db:"event_id"`
	Timestamp      time.Time `db:"ts"`
	AgentID        string    `db:"agent_id"`
	AgentAuthority string    `db:"agent_authority"`
	EventType      string    `db:"event_type"`
	SagaID         string    `db:"saga_id"`
	StepName       string    `db:"step_name"`
	ActionTaken    string    `db:"action_taken"`
	ReasoningTrace string    `db:"reasoning_trace"`
	Factors        []byte    `db:"decision_factors"`
	RuleResults    []byte    `db:"rule_results"`
}

func (r *auditRepo) Insert(ctx context.Context, event audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	factors, err := json.Marshal(event.DecisionFactors)
	if err != nil {
		return fmt.Errorf("marshal decision factors: %w", err)
	}
	rules, err := json.Marshal(event.RuleResults)
	if err != nil {
		return fmt.Errorf("marshal rule results: %w", err)
	}

	query := `
		INSERT INTO audit_events
		(event_id, ts, agent_id, agent_authority, event_type, saga_id,
		 step_name, action_taken, reasoning_trace, decision_factors, rule_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if _, err := r.db.ExecContext(ctx, query,
		event.EventID, event.Timestamp, event.AgentID, string(event.AgentAuthority),
		string(event.EventType), event.SagaID, event.StepName, event.ActionTaken,
		event.ReasoningTrace, factors, rules); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *auditRepo) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.SagaID != "" {
		conds = append(conds, "saga_id = "+arg(filter.SagaID))
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = "+arg(filter.AgentID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts <= "+arg(filter.To))
	}
	if !filter.CursorTime.IsZero() {
		conds = append(conds, fmt.Sprintf("(ts, event_id) > (%s, %s)", arg(filter.CursorTime), arg(filter.CursorID)))
	}

	query := "SELECT event_id, ts, agent_id, agent_authority, event_type, saga_id, step_name, action_taken, reasoning_trace, decision_factors, rule_results FROM audit_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts, event_id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (row auditRow) toEvent() (audit.Event, error) {
	event := audit.Event{
		EventID:        row.EventID,
		Timestamp:      row.Timestamp,
		AgentID:        row.AgentID,
		AgentAuthority: identity.Authority(row.AgentAuthority),
		EventType:      audit.EventType(row.EventType),
		SagaID:         row.SagaID,
		StepName:       row.StepName,
		ActionTaken:    row.ActionTaken,
		ReasoningTrace: row.ReasoningTrace,
	}
	if len(row.Factors) > 0 {
		if err := json.Unmarshal(row.Factors, &event.DecisionFactors); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal decision factors for %s: %w", row.EventID, err)
		}
	}
	if len(row.RuleResults) > 0 {
		if err := json.Unmarshal(row.RuleResults, &event.RuleResults); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal rule results for %s: %w", row.EventID, err)
		}
	}
	return event, nil
}

// DurableRecorder implements audit.Recorder on the Postgres ledger.
type DurableRecorder struct {
	repo persistence.AuditRepo
}

// NewDurableRecorder wraps an AuditRepo as an audit.Recorder.
func NewDurableRecorder(repo persistence.AuditRepo) *DurableRecorder {
	return &DurableRecorder{repo: repo}
}

func (r *DurableRecorder) Record(ctx context.Context, event audit.Event) (string, error) {
	if event.EventID == "" {
		event = audit.NewEvent(event)
	}
	if err := r.repo.Insert(ctx, event); err != nil {
		return "", err
	}
	return event.EventID, nil
}

func (r *DurableRecorder) Query(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	return r.repo.Query(ctx, filter)
}
