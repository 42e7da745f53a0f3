package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gpufleet/internal/model"
)

const (
	insertExecutionSQL = `INSERT INTO execution_logs (
        rule_id,
        trigger_reason,
        action_taken,
        target_deployment_id,
        status,
        result_message,
        error_message,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	listExecutionsSQL = `SELECT
        id, rule_id, trigger_reason, action_taken, target_deployment_id,
        status, result_message, error_message, executed_at
    FROM execution_logs
    ORDER BY executed_at DESC, id DESC
    LIMIT $1;`

	listExecutionsByRuleSQL = `SELECT
        id, rule_id, trigger_reason, action_taken, target_deployment_id,
        status, result_message, error_message, executed_at
    FROM execution_logs
    WHERE rule_id = $1
    ORDER BY executed_at DESC, id DESC
    LIMIT $2;`

	listExecutionsByDeploymentSQL = `SELECT
        id, rule_id, trigger_reason, action_taken, target_deployment_id,
        status, result_message, error_message, executed_at
    FROM execution_logs
    WHERE target_deployment_id = $1
    ORDER BY executed_at DESC, id DESC
    LIMIT $2;`

	countExecutionsSQL = `SELECT COUNT(*) FROM execution_logs;`
)

// AppendExecution records one automation decision. Entries are never updated
// or deleted afterwards.
func (s *Store) AppendExecution(ctx context.Context, entry model.ExecutionLog) (model.ExecutionLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ExecutionLog{}, err
	}

	var errMsg any
	if entry.ErrorMessage != nil {
		errMsg = *entry.ErrorMessage
	}

	row := pool.QueryRow(ctx, insertExecutionSQL,
		entry.RuleID,
		entry.TriggerReason,
		string(entry.ActionTaken),
		entry.TargetDeploymentID,
		string(entry.Status),
		entry.ResultMessage,
		errMsg,
		entry.ExecutedAt,
	)
	if err := row.Scan(&entry.ID); err != nil {
		return model.ExecutionLog{}, fmt.Errorf("insert execution log: %w", err)
	}
	return entry, nil
}

// ListExecutions returns the global audit trail, newest first.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]model.ExecutionLog, error) {
	return s.queryExecutions(ctx, listExecutionsSQL, limit)
}

// ListExecutionsByRule returns one rule's audit trail, newest first.
func (s *Store) ListExecutionsByRule(ctx context.Context, ruleID int64, limit int) ([]model.ExecutionLog, error) {
	return s.queryExecutions(ctx, listExecutionsByRuleSQL, ruleID, limit)
}

// ListExecutionsByDeployment returns one deployment's audit trail, newest first.
func (s *Store) ListExecutionsByDeployment(ctx context.Context, deploymentID int64, limit int) ([]model.ExecutionLog, error) {
	return s.queryExecutions(ctx, listExecutionsByDeploymentSQL, deploymentID, limit)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]model.ExecutionLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]model.ExecutionLog, 0)
	for rows.Next() {
		entry, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// CountExecutions counts the audit trail.
func (s *Store) CountExecutions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countExecutionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count executions: %w", scanErr)
	}
	return count, nil
}

func scanExecution(row pgx.Row) (model.ExecutionLog, error) {
	var (
		entry     model.ExecutionLog
		actionStr string
		statusStr string
		errMsg    sql.NullString
	)

	if err := row.Scan(
		&entry.ID,
		&entry.RuleID,
		&entry.TriggerReason,
		&actionStr,
		&entry.TargetDeploymentID,
		&statusStr,
		&entry.ResultMessage,
		&errMsg,
		&entry.ExecutedAt,
	); err != nil {
		return model.ExecutionLog{}, err
	}

	entry.ActionTaken = model.ActionType(actionStr)
	entry.Status = model.ExecutionStatus(statusStr)
	if errMsg.Valid {
		msg := errMsg.String
		entry.ErrorMessage = &msg
	}
	return entry, nil
}
