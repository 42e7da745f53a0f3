package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

const (
	insertDeploymentSQL = `INSERT INTO deployments (
        name,
        provider,
        instance_id,
        gpu_type,
        gpu_count,
        status,
        health,
        cost_accumulated,
        cost_updated_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10
    )
    RETURNING id;`

	selectDeploymentSQL = `SELECT
        id, name, provider, instance_id, gpu_type, gpu_count,
        status, health, cost_accumulated, cost_updated_at, created_at, updated_at
    FROM deployments
    WHERE id = $1;`

	listDeploymentsSQL = `SELECT
        id, name, provider, instance_id, gpu_type, gpu_count,
        status, health, cost_accumulated, cost_updated_at, created_at, updated_at
    FROM deployments
    WHERE status <> 'deleted'
    ORDER BY id;`

	listDeploymentsByStatusSQL = `SELECT
        id, name, provider, instance_id, gpu_type, gpu_count,
        status, health, cost_accumulated, cost_updated_at, created_at, updated_at
    FROM deployments
    WHERE status = $1
    ORDER BY id;`

	updateDeploymentStatusSQL = `UPDATE deployments
    SET status = $2, updated_at = $3
    WHERE id = $1;`

	updateDeploymentHealthSQL = `UPDATE deployments
    SET health = $2, updated_at = $3
    WHERE id = $1;`

	updateDeploymentCostSQL = `UPDATE deployments
    SET cost_accumulated = $2, cost_updated_at = $3, updated_at = $3
    WHERE id = $1;`

	updateDeploymentInstanceSQL = `UPDATE deployments
    SET provider = $2, instance_id = $3, updated_at = $4
    WHERE id = $1;`

	deleteDeploymentSQL = `UPDATE deployments
    SET status = 'deleted', updated_at = $2
    WHERE id = $1;`
)

const pgUniqueViolation = "23505"

// CreateDeployment registers a deployment. The partial unique index on
// (provider, instance_id) enforces one registry entry per live instance.
func (s *Store) CreateDeployment(ctx context.Context, dep model.Deployment) (model.Deployment, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Deployment{}, err
	}

	now := time.Now().UTC()
	dep.CreatedAt = now
	dep.UpdatedAt = now
	if dep.CostUpdatedAt.IsZero() {
		dep.CostUpdatedAt = now
	}

	row := pool.QueryRow(ctx, insertDeploymentSQL,
		dep.Name,
		string(dep.Provider),
		dep.InstanceID,
		dep.GPUType,
		dep.GPUCount,
		string(dep.Status),
		string(dep.Health),
		dep.CostAccumulated.String(),
		dep.CostUpdatedAt,
		now,
	)
	if err := row.Scan(&dep.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.Deployment{}, ErrDuplicateInstance
		}
		return model.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return dep, nil
}

// GetDeployment fetches one deployment by id, deleted ones included.
func (s *Store) GetDeployment(ctx context.Context, id int64) (model.Deployment, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Deployment{}, err
	}

	dep, err := scanDeployment(pool.QueryRow(ctx, selectDeploymentSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deployment{}, ErrNotFound
		}
		return model.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	return dep, nil
}

// ListDeployments lists every non-deleted deployment.
func (s *Store) ListDeployments(ctx context.Context) ([]model.Deployment, error) {
	return s.queryDeployments(ctx, listDeploymentsSQL)
}

// ListDeploymentsByStatus lists deployments in a given lifecycle state.
func (s *Store) ListDeploymentsByStatus(ctx context.Context, status model.DeploymentStatus) ([]model.Deployment, error) {
	return s.queryDeployments(ctx, listDeploymentsByStatusSQL, string(status))
}

func (s *Store) queryDeployments(ctx context.Context, query string, args ...any) ([]model.Deployment, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list deployments: %w", queryErr)
	}
	defer rows.Close()

	deps := make([]model.Deployment, 0)
	for rows.Next() {
		dep, scanErr := scanDeployment(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deps = append(deps, dep)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deps, nil
}

// UpdateDeploymentStatus writes a lifecycle transition.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, id int64, status model.DeploymentStatus) error {
	return s.execDeploymentUpdate(ctx, updateDeploymentStatusSQL, id, string(status), time.Now().UTC())
}

// UpdateDeploymentHealth writes the derived health state.
func (s *Store) UpdateDeploymentHealth(ctx context.Context, id int64, health model.HealthState) error {
	return s.execDeploymentUpdate(ctx, updateDeploymentHealthSQL, id, string(health), time.Now().UTC())
}

// UpdateDeploymentCost writes the accumulated cost and its accrual watermark.
func (s *Store) UpdateDeploymentCost(ctx context.Context, id int64, cost decimal.Decimal, at time.Time) error {
	return s.execDeploymentUpdate(ctx, updateDeploymentCostSQL, id, cost.String(), at)
}

// UpdateDeploymentInstance rebinds a deployment to a provider instance,
// used after provisioning and migration.
func (s *Store) UpdateDeploymentInstance(ctx context.Context, id int64, provider model.Provider, instanceID string) error {
	return s.execDeploymentUpdate(ctx, updateDeploymentInstanceSQL, id, string(provider), instanceID, time.Now().UTC())
}

// DeleteDeployment tombstones the registry entry.
func (s *Store) DeleteDeployment(ctx context.Context, id int64) error {
	return s.execDeploymentUpdate(ctx, deleteDeploymentSQL, id, time.Now().UTC())
}

func (s *Store) execDeploymentUpdate(ctx context.Context, query string, id int64, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	all := append([]any{id}, args...)
	cmdTag, execErr := pool.Exec(ctx, query, all...)
	if execErr != nil {
		return fmt.Errorf("update deployment: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDeployment(row pgx.Row) (model.Deployment, error) {
	var (
		dep           model.Deployment
		providerStr   string
		statusStr     string
		healthStr     string
		costStr       string
		costUpdatedAt time.Time
	)

	if err := row.Scan(
		&dep.ID,
		&dep.Name,
		&providerStr,
		&dep.InstanceID,
		&dep.GPUType,
		&dep.GPUCount,
		&statusStr,
		&healthStr,
		&costStr,
		&costUpdatedAt,
		&dep.CreatedAt,
		&dep.UpdatedAt,
	); err != nil {
		return model.Deployment{}, err
	}

	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("parse accumulated cost: %w", err)
	}

	dep.Provider = model.Provider(providerStr)
	dep.Status = model.DeploymentStatus(statusStr)
	dep.Health = model.HealthState(healthStr)
	dep.CostAccumulated = cost
	dep.CostUpdatedAt = costUpdatedAt
	return dep, nil
}
