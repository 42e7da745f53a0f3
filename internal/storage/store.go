package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gpufleet/internal/config"
	"gpufleet/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateInstance indicates another live deployment already claims
	// the same (provider, instance id) pair.
	ErrDuplicateInstance = errors.New("storage: duplicate provider instance")
)

// DeploymentStore defines registry persistence. Status writes flow through
// the action executor and the reconciliation path only.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, dep model.Deployment) (model.Deployment, error)
	GetDeployment(ctx context.Context, id int64) (model.Deployment, error)
	ListDeployments(ctx context.Context) ([]model.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status model.DeploymentStatus) ([]model.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, id int64, status model.DeploymentStatus) error
	UpdateDeploymentHealth(ctx context.Context, id int64, health model.HealthState) error
	UpdateDeploymentCost(ctx context.Context, id int64, cost decimal.Decimal, at time.Time) error
	UpdateDeploymentInstance(ctx context.Context, id int64, provider model.Provider, instanceID string) error
	DeleteDeployment(ctx context.Context, id int64) error
}

// RuleStore defines automation rule persistence.
type RuleStore interface {
	CreateRule(ctx context.Context, rule model.AutomationRule) (model.AutomationRule, error)
	GetRule(ctx context.Context, id int64) (model.AutomationRule, error)
	ListRules(ctx context.Context) ([]model.AutomationRule, error)
	ListEnabledRules(ctx context.Context) ([]model.AutomationRule, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	UpdateRuleConfig(ctx context.Context, id int64, cfg model.RuleConfig) error
	DeleteRule(ctx context.Context, id int64) error
}

// HealthCheckStore defines probe history persistence: a bounded rolling
// window per deployment plus an uptime aggregate.
type HealthCheckStore interface {
	AppendHealthCheck(ctx context.Context, check model.HealthCheck) (model.HealthCheck, error)
	ListRecentHealthChecks(ctx context.Context, deploymentID int64, limit int) ([]model.HealthCheck, error)
	UptimePercent(ctx context.Context, deploymentID int64, since time.Time) (float64, error)
	PruneHealthChecks(ctx context.Context, deploymentID int64, keep int) error
}

// PriceStore defines the market price time series, keyed by
// (provider, gpu type) independent of any single deployment.
type PriceStore interface {
	AppendPriceRecord(ctx context.Context, rec model.PriceRecord) (model.PriceRecord, error)
	ListPriceRecords(ctx context.Context, provider model.Provider, gpuType string, from, to time.Time) ([]model.PriceRecord, error)
	LatestPrices(ctx context.Context, gpuType string) (map[model.Provider]decimal.Decimal, error)
	DeletePriceRecordsBefore(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionLogStore defines the append-only automation audit trail.
type ExecutionLogStore interface {
	AppendExecution(ctx context.Context, entry model.ExecutionLog) (model.ExecutionLog, error)
	ListExecutions(ctx context.Context, limit int) ([]model.ExecutionLog, error)
	ListExecutionsByRule(ctx context.Context, ruleID int64, limit int) ([]model.ExecutionLog, error)
	ListExecutionsByDeployment(ctx context.Context, deploymentID int64, limit int) ([]model.ExecutionLog, error)
	CountExecutions(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend aggregates every persistence concern the app wires.
type Backend interface {
	DeploymentStore
	RuleStore
	HealthCheckStore
	PriceStore
	ExecutionLogStore
}

// Store is the PostgreSQL-backed Backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Used to keep multiple engine replicas from double-acting.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; releasing the session drops the lock anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
