package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) CreateAutomationRule(ctx context.Context, r *AutomationRule) error {
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO automation_rules (name, enabled, trigger_type, trigger_config,
				action_type, action_config, priority, last_executed_at, last_execution_context)
			VALUES (:name, :enabled, :trigger_type, :trigger_config,
				:action_type, :action_config, :priority, :last_executed_at, :last_execution_context)`, r)
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetAutomationRule(ctx context.Context, id int64) (*AutomationRule, error) {
	var r AutomationRule
	err := s.db.GetContext(ctx, &r, `SELECT * FROM automation_rules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListEnabledRules returns enabled rules ascending by priority, the
// engine's evaluation order.
func (s *Store) ListEnabledRules(ctx context.Context) ([]AutomationRule, error) {
	var rules []AutomationRule
	err := s.db.SelectContext(ctx, &rules,
		`SELECT * FROM automation_rules WHERE enabled = 1 ORDER BY priority, id`)
	return rules, err
}

func (s *Store) UpdateAutomationRule(ctx context.Context, r *AutomationRule) error {
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE automation_rules SET name = :name, enabled = :enabled,
				trigger_type = :trigger_type, trigger_config = :trigger_config,
				action_type = :action_type, action_config = :action_config,
				priority = :priority, last_executed_at = :last_executed_at,
				last_execution_context = :last_execution_context
			WHERE id = :id`, r)
		return err
	})
}

func (s *Store) DeleteAutomationRule(ctx context.Context, id int64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
		return err
	})
}

// MarkRuleExecuted stamps a rule's execution time and idempotency context.
func (s *Store) MarkRuleExecuted(ctx context.Context, id int64, at time.Time, execCtx JSONMap) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE automation_rules SET last_executed_at = ?, last_execution_context = ?
			WHERE id = ?`, at, execCtx, id)
		return err
	})
}
