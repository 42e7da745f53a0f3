package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gpufleet/internal/model"
)

const (
	insertRuleSQL = `INSERT INTO automation_rules (
        deployment_id,
        rule_type,
        config,
        is_enabled,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$5
    )
    RETURNING id;`

	selectRuleSQL = `SELECT
        id, deployment_id, rule_type, config, is_enabled, created_at, updated_at
    FROM automation_rules
    WHERE id = $1;`

	listRulesSQL = `SELECT
        id, deployment_id, rule_type, config, is_enabled, created_at, updated_at
    FROM automation_rules
    ORDER BY id;`

	listEnabledRulesSQL = `SELECT
        id, deployment_id, rule_type, config, is_enabled, created_at, updated_at
    FROM automation_rules
    WHERE is_enabled
    ORDER BY id;`

	setRuleEnabledSQL = `UPDATE automation_rules
    SET is_enabled = $2, updated_at = $3
    WHERE id = $1;`

	updateRuleConfigSQL = `UPDATE automation_rules
    SET config = $2, updated_at = $3
    WHERE id = $1;`

	deleteRuleSQL = `DELETE FROM automation_rules WHERE id = $1;`
)

// CreateRule persists a validated automation rule.
func (s *Store) CreateRule(ctx context.Context, rule model.AutomationRule) (model.AutomationRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AutomationRule{}, err
	}

	raw, err := model.MarshalRuleConfig(rule.Config)
	if err != nil {
		return model.AutomationRule{}, err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.DeploymentID,
		string(rule.Type),
		[]byte(raw),
		rule.Enabled,
		now,
	)
	if err := row.Scan(&rule.ID); err != nil {
		return model.AutomationRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// GetRule fetches one rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (model.AutomationRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AutomationRule{}, err
	}

	rule, err := scanRule(pool.QueryRow(ctx, selectRuleSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutomationRule{}, ErrNotFound
		}
		return model.AutomationRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules lists every rule, disabled ones included.
func (s *Store) ListRules(ctx context.Context) ([]model.AutomationRule, error) {
	return s.queryRules(ctx, listRulesSQL)
}

// ListEnabledRules lists the rules the evaluator runs against.
func (s *Store) ListEnabledRules(ctx context.Context) ([]model.AutomationRule, error) {
	return s.queryRules(ctx, listEnabledRulesSQL)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]model.AutomationRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("list rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]model.AutomationRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// SetRuleEnabled toggles a rule on or off.
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, setRuleEnabledSQL, id, enabled, time.Now().UTC())
	if execErr != nil {
		return fmt.Errorf("set rule enabled: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRuleConfig replaces a rule's config payload. Callers validate the
// config before it gets here.
func (s *Store) UpdateRuleConfig(ctx context.Context, id int64, cfg model.RuleConfig) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	raw, err := model.MarshalRuleConfig(cfg)
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, updateRuleConfigSQL, id, []byte(raw), time.Now().UTC())
	if execErr != nil {
		return fmt.Errorf("update rule config: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule permanently.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, deleteRuleSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete rule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (model.AutomationRule, error) {
	var (
		rule    model.AutomationRule
		typeStr string
		raw     json.RawMessage
	)

	if err := row.Scan(
		&rule.ID,
		&rule.DeploymentID,
		&typeStr,
		&raw,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return model.AutomationRule{}, err
	}

	rule.Type = model.RuleType(typeStr)
	cfg, err := model.ParseRuleConfig(rule.Type, raw)
	if err != nil {
		return model.AutomationRule{}, fmt.Errorf("rule %d: %w", rule.ID, err)
	}
	rule.Config = cfg
	return rule, nil
}
