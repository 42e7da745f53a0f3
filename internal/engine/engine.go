package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/alerting"
	"gpufleet/internal/config"
	"gpufleet/internal/logging"
	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/scheduler"
	"gpufleet/internal/storage"
)

// Lock key offsets per loop. Loops inside one process never contend with
// each other; across replicas each loop is held by exactly one process.
const (
	lockOffsetHealth   = 0
	lockOffsetPrice    = 1
	lockOffsetEvaluate = 2
)

// Engine owns the three monitoring loops and the shared state between
// them: the in-memory tracker, the price cache and the action executor.
type Engine struct {
	cfg      config.EngineConfig
	store    storage.Backend
	registry *provider.Registry
	metrics  *Metrics
	locker   storage.AdvisoryLocker
	logger   zerolog.Logger

	tracker  *tracker
	cache    *priceCache
	executor *Executor
	health   *HealthMonitor
	price    *PriceMonitor
	eval     *Evaluator
}

// New wires the engine components around a shared store and provider
// registry. When the store also implements AdvisoryLocker and a lock key
// is configured, every tick is guarded so replicas never double-act.
func New(cfg config.EngineConfig, store storage.Backend, registry *provider.Registry, notifier alerting.Notifier, metrics *Metrics, logger zerolog.Logger) *Engine {
	tr := newTracker()
	cache := newPriceCache()

	executor := NewExecutor(store, registry, notifier, metrics, ExecutorOptions{}, logger)
	health := NewHealthMonitor(store, registry, tr, metrics, HealthOptions{
		ProbeTimeout:     cfg.ProbeTimeout,
		WorkerLimit:      cfg.WorkerLimit,
		ProvisionTimeout: cfg.DeadmanInterval,
	}, logger)
	price := NewPriceMonitor(store, registry, cache, metrics, PriceOptions{
		WorkerLimit: cfg.WorkerLimit,
	}, logger)
	eval := NewEvaluator(store, executor, tr, cache, notifier, metrics, EvaluatorOptions{
		WorkerLimit: cfg.WorkerLimit,
	}, logger)

	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		metrics:  metrics,
		logger:   logging.Component(logger, "engine"),
		tracker:  tr,
		cache:    cache,
		executor: executor,
		health:   health,
		price:    price,
		eval:     eval,
	}
	if locker, ok := store.(storage.AdvisoryLocker); ok && cfg.AdvisoryLockKey != 0 {
		e.locker = locker
	}
	return e
}

// Executor exposes the action executor for manual actions via the API.
func (e *Engine) Executor() *Executor { return e.executor }

// Forget drops per-deployment runtime state (failure streaks, restart
// budget, alert baselines) after the deployment is tombstoned.
func (e *Engine) Forget(deploymentID int64) {
	e.tracker.Forget(deploymentID)
}

// Run reconciles once, then drives the health, price and evaluation loops
// until ctx is cancelled. On shutdown it waits up to ActionGrace for
// in-flight provider actions to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("health_tick", e.cfg.HealthTick).
		Dur("price_tick", e.cfg.PriceTick).
		Dur("evaluate_interval", e.cfg.EvaluateInterval).
		Bool("replica_locking", e.locker != nil).
		Msg("engine starting")

	// One synchronous pass before the loops begin so deployments stuck in
	// creating from a previous run are promoted or failed promptly.
	now := time.Now().UTC()
	if err := e.health.Tick(ctx, now); err != nil && ctx.Err() == nil {
		e.logger.Error().Err(err).Msg("startup reconcile failed")
	}
	if err := e.price.Tick(ctx, now); err != nil && ctx.Err() == nil {
		e.logger.Error().Err(err).Msg("startup price sample failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	loops := []struct {
		name     string
		interval time.Duration
		offset   int64
		tick     scheduler.TickFunc
	}{
		{"health", e.cfg.HealthTick, lockOffsetHealth, e.health.Tick},
		{"price", e.cfg.PriceTick, lockOffsetPrice, e.price.Tick},
		{"evaluate", e.cfg.EvaluateInterval, lockOffsetEvaluate, e.eval.Tick},
	}
	for _, l := range loops {
		loop := scheduler.New(scheduler.Options{
			Name:         l.name,
			Interval:     l.interval,
			AlignToStart: e.cfg.AlignTicks,
			StartupDelay: e.cfg.StartupDelay,
		}, e.logger)
		tick := e.withReplicaLock(l.offset, l.tick)
		g.Go(func() error { return loop.Run(gctx, tick) })
	}

	err := g.Wait()

	if done := e.executor.Wait(e.cfg.ActionGrace); !done {
		e.logger.Warn().Dur("grace", e.cfg.ActionGrace).Msg("shutdown grace elapsed with actions still in flight")
	}
	e.logger.Info().Msg("engine stopped")

	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// TickOnce drives one synchronous health, price and evaluation pass with
// the given clock. Simulation and tests use it to step time explicitly.
func (e *Engine) TickOnce(ctx context.Context, now time.Time) error {
	if err := e.health.Tick(ctx, now); err != nil {
		return err
	}
	if err := e.price.Tick(ctx, now); err != nil {
		return err
	}
	return e.eval.Tick(ctx, now)
}

// HealthSnapshot combines the stored health state with the in-memory
// probe counters for one deployment. Uptime covers the last 24 hours.
func (e *Engine) HealthSnapshot(ctx context.Context, deploymentID int64) (model.HealthSnapshot, error) {
	dep, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	uptime, err := e.store.UptimePercent(ctx, deploymentID, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return model.HealthSnapshot{}, err
	}

	st := e.tracker.Snapshot(deploymentID)
	return model.HealthSnapshot{
		DeploymentID:        deploymentID,
		Health:              dep.Health,
		UptimePercent24h:    uptime,
		ConsecutiveFailures: st.consecutiveFailures,
		LastCheckedAt:       st.lastCheckedAt,
		UnhealthySince:      st.unhealthySince,
		RestartCount:        st.restartCount,
	}, nil
}

// withReplicaLock wraps a tick so only one replica runs it at a time.
// A held lock is not an error: the tick is skipped and the cadence kept.
func (e *Engine) withReplicaLock(offset int64, tick scheduler.TickFunc) scheduler.TickFunc {
	if e.locker == nil {
		return tick
	}
	key := e.cfg.AdvisoryLockKey + offset
	return func(ctx context.Context, now time.Time) error {
		unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			return fmt.Errorf("advisory lock %d: %w", key, err)
		}
		if !acquired {
			e.logger.Debug().Int64("lock_key", key).Msg("tick held by another replica, skipping")
			return nil
		}
		defer unlock()
		return tick(ctx, now)
	}
}
