package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gpufleet/internal/model"
)

const (
	insertHealthCheckSQL = `INSERT INTO health_checks (
        deployment_id,
        status,
        response_time_ms,
        checked_at,
        error_message
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id;`

	listRecentHealthChecksSQL = `SELECT
        id, deployment_id, status, response_time_ms, checked_at, error_message
    FROM health_checks
    WHERE deployment_id = $1
    ORDER BY checked_at DESC
    LIMIT $2;`

	uptimePercentSQL = `SELECT
        COUNT(*) FILTER (WHERE status = 'healthy'),
        COUNT(*)
    FROM health_checks
    WHERE deployment_id = $1
      AND checked_at >= $2;`

	pruneHealthChecksSQL = `DELETE FROM health_checks
    WHERE deployment_id = $1
      AND id NOT IN (
        SELECT id FROM health_checks
        WHERE deployment_id = $1
        ORDER BY checked_at DESC
        LIMIT $2
      );`
)

// AppendHealthCheck records one probe outcome.
func (s *Store) AppendHealthCheck(ctx context.Context, check model.HealthCheck) (model.HealthCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.HealthCheck{}, err
	}

	var responseTime any
	if check.ResponseTimeMS != nil {
		responseTime = *check.ResponseTimeMS
	}
	var errMsg any
	if check.ErrorMessage != nil {
		errMsg = *check.ErrorMessage
	}

	row := pool.QueryRow(ctx, insertHealthCheckSQL,
		check.DeploymentID,
		string(check.Status),
		responseTime,
		check.CheckedAt,
		errMsg,
	)
	if err := row.Scan(&check.ID); err != nil {
		return model.HealthCheck{}, fmt.Errorf("insert health check: %w", err)
	}
	return check, nil
}

// ListRecentHealthChecks returns the newest probes first.
func (s *Store) ListRecentHealthChecks(ctx context.Context, deploymentID int64, limit int) ([]model.HealthCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentHealthChecksSQL, deploymentID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list health checks: %w", queryErr)
	}
	defer rows.Close()

	checks := make([]model.HealthCheck, 0, limit)
	for rows.Next() {
		check, scanErr := scanHealthCheck(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		checks = append(checks, check)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return checks, nil
}

// UptimePercent computes healthy checks over total checks since the given
// time. No checks at all reads as 100: silence is not downtime.
func (s *Store) UptimePercent(ctx context.Context, deploymentID int64, since time.Time) (float64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var healthy, total int64
	if scanErr := pool.QueryRow(ctx, uptimePercentSQL, deploymentID, since).Scan(&healthy, &total); scanErr != nil {
		return 0, fmt.Errorf("uptime percent: %w", scanErr)
	}
	if total == 0 {
		return 100, nil
	}
	return float64(healthy) / float64(total) * 100, nil
}

// PruneHealthChecks trims a deployment's history to the most recent keep rows.
func (s *Store) PruneHealthChecks(ctx context.Context, deploymentID int64, keep int) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, pruneHealthChecksSQL, deploymentID, keep); execErr != nil {
		return fmt.Errorf("prune health checks: %w", execErr)
	}
	return nil
}

func scanHealthCheck(row pgx.Row) (model.HealthCheck, error) {
	var (
		check        model.HealthCheck
		statusStr    string
		responseTime sql.NullInt64
		errMsg       sql.NullString
	)

	if err := row.Scan(
		&check.ID,
		&check.DeploymentID,
		&statusStr,
		&responseTime,
		&check.CheckedAt,
		&errMsg,
	); err != nil {
		return model.HealthCheck{}, err
	}

	check.Status = model.HealthCheckStatus(statusStr)
	if responseTime.Valid {
		value := responseTime.Int64
		check.ResponseTimeMS = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		check.ErrorMessage = &msg
	}
	return check, nil
}
