package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/qustavo/dotsql"

	rulengine "github.com/forgeworks/go-rulengine"
)

//go:embed queries.sql
var queriesSQL string

// SQLite persists rules and executions in SQLite through named queries. Rule
// definitions are stored as JSON documents; the columns needed for filtering
// and atomic counter updates are extracted alongside.
type SQLite struct {
	db  *sqlx.DB
	dot *dotsql.DotSql
}

// OpenSQLite opens (or creates) the database at path and prepares the schema.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids table locks.
	db.SetMaxOpenConns(1)

	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing connection and prepares the schema.
func NewSQLite(db *sqlx.DB) (*SQLite, error) {
	dot, err := dotsql.LoadFromString(queriesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}
	s := &SQLite{db: db, dot: dot}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	for _, name := range []string{"create-rules-table", "create-executions-table", "create-executions-rule-index"} {
		if _, err := s.dot.Exec(s.db, name); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type ruleRow struct {
	ID              string         `db:"id"`
	Code            string         `db:"code"`
	Status          string         `db:"status"`
	Type            string         `db:"type"`
	EventName       sql.NullString `db:"event_name"`
	Definition      string         `db:"definition"`
	ExecutionCount  int64          `db:"execution_count"`
	LastExecutedAt  sql.NullTime   `db:"last_executed_at"`
	NextExecutionAt sql.NullTime   `db:"next_execution_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r ruleRow) hydrate() (*rulengine.Rule, error) {
	var rule rulengine.Rule
	if err := json.Unmarshal([]byte(r.Definition), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", r.ID, err)
	}
	// Counters live in columns so increments stay atomic; the document copy
	// may be stale.
	rule.ExecutionCount = r.ExecutionCount
	if r.LastExecutedAt.Valid {
		ts := r.LastExecutedAt.Time
		rule.LastExecutedAt = &ts
	}
	if r.NextExecutionAt.Valid {
		ts := r.NextExecutionAt.Time
		rule.NextExecutionAt = &ts
	}
	rule.CreatedAt = r.CreatedAt
	rule.UpdatedAt = r.UpdatedAt
	return &rule, nil
}

// SaveRule validates and upserts a rule.
func (s *SQLite) SaveRule(ctx context.Context, rule *rulengine.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	var eventName any
	if rule.Trigger.Event != nil {
		eventName = rule.Trigger.Event.EventName
	}
	var nextAt any
	if rule.NextExecutionAt != nil {
		nextAt = *rule.NextExecutionAt
	}
	var lastAt any
	if rule.LastExecutedAt != nil {
		lastAt = *rule.LastExecutedAt
	}

	query, err := s.dot.Raw("upsert-rule")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.Code, string(rule.Status), string(rule.Type), eventName,
		string(definition), rule.ExecutionCount, lastAt, nextAt,
		rule.CreatedAt, rule.UpdatedAt)
	return err
}

// GetRule loads one rule, or a not-found error.
func (s *SQLite) GetRule(ctx context.Context, id string) (*rulengine.Rule, error) {
	query, err := s.dot.Raw("get-rule")
	if err != nil {
		return nil, err
	}
	var row ruleRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
				"rule_id": id,
			})
		}
		return nil, err
	}
	return row.hydrate()
}

// DeleteRule removes a rule.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	query, err := s.dot.Raw("delete-rule")
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rulengine.CloneError(rulengine.ErrRuleNotFound, "", nil, map[string]any{
			"rule_id": id,
		})
	}
	return nil
}

// ListRules returns every rule ordered by code.
func (s *SQLite) ListRules(ctx context.Context) ([]*rulengine.Rule, error) {
	return s.selectRules(ctx, "list-rules")
}

// FindActiveByEventName returns active event rules bound to the event name.
func (s *SQLite) FindActiveByEventName(ctx context.Context, eventName string) ([]*rulengine.Rule, error) {
	return s.selectRules(ctx, "find-active-by-event", eventName)
}

// FindActiveSchedules returns active schedule rules.
func (s *SQLite) FindActiveSchedules(ctx context.Context) ([]*rulengine.Rule, error) {
	return s.selectRules(ctx, "find-active-schedules")
}

func (s *SQLite) selectRules(ctx context.Context, name string, args ...any) ([]*rulengine.Rule, error) {
	query, err := s.dot.Raw(name)
	if err != nil {
		return nil, err
	}
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*rulengine.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.hydrate()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// SaveExecution upserts the execution's JSON record.
func (s *SQLite) SaveExecution(ctx context.Context, exec *rulengine.Execution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	var finishedAt any
	if exec.FinishedAt != nil {
		finishedAt = *exec.FinishedAt
	}
	query, err := s.dot.Raw("save-execution")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		exec.ID, exec.RuleID, string(exec.Status), string(exec.TriggerType),
		string(record), exec.StartedAt, finishedAt)
	return err
}

// GetExecution loads one execution record, or nil when absent.
func (s *SQLite) GetExecution(ctx context.Context, id string) (*rulengine.Execution, error) {
	query, err := s.dot.Raw("get-execution")
	if err != nil {
		return nil, err
	}
	var record string
	if err := s.db.GetContext(ctx, &record, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var exec rulengine.Execution
	if err := json.Unmarshal([]byte(record), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns the rule's executions, most recently started first.
func (s *SQLite) ListExecutions(ctx context.Context, ruleID string, limit int) ([]*rulengine.Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	query, err := s.dot.Raw("list-executions-by-rule")
	if err != nil {
		return nil, err
	}
	var records []string
	if err := s.db.SelectContext(ctx, &records, query, ruleID, limit); err != nil {
		return nil, err
	}
	out := make([]*rulengine.Execution, 0, len(records))
	for _, record := range records {
		var exec rulengine.Execution
		if err := json.Unmarshal([]byte(record), &exec); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, nil
}

// IncrementRuleCounters bumps the rule's execution counter atomically.
func (s *SQLite) IncrementRuleCounters(ctx context.Context, ruleID string, at time.Time) error {
	query, err := s.dot.Raw("increment-rule-counters")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, at, ruleID)
	return err
}

// UpdateNextExecution stores the rule's next scheduled run.
func (s *SQLite) UpdateNextExecution(ctx context.Context, ruleID string, next *time.Time) error {
	var nextAt any
	if next != nil {
		nextAt = *next
	}
	query, err := s.dot.Raw("update-next-execution")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, nextAt, ruleID)
	return err
}

// DeleteExecutionsBefore removes finished executions older than the cutoff.
func (s *SQLite) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, err := s.dot.Raw("delete-executions-before")
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
