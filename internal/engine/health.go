package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

// unhealthyAfter is how many consecutive non-healthy probes flip a running
// deployment into the unhealthy sub-state.
const unhealthyAfter = 3

// HealthOptions tune the monitor.
type HealthOptions struct {
	// ProbeTimeout bounds probes that have no rule-supplied timeout, such as
	// provisioning checks.
	ProbeTimeout time.Duration
	// WorkerLimit caps concurrent probes per tick.
	WorkerLimit int
	// KeepChecks is the per-deployment rolling history window.
	KeepChecks int
	// ProvisionTimeout is how long a deployment may sit in creating before it
	// is declared failed.
	ProvisionTimeout time.Duration
}

func (o *HealthOptions) defaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = 8
	}
	if o.KeepChecks <= 0 {
		o.KeepChecks = 500
	}
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = 10 * time.Minute
	}
}

type healthStore interface {
	storage.DeploymentStore
	storage.RuleStore
	storage.HealthCheckStore
}

// HealthMonitor probes running deployments on each rule's cadence and keeps
// the derived health sub-state current. Probe failures are recorded, never
// fatal: the loop always finishes its tick.
type HealthMonitor struct {
	store    healthStore
	registry *provider.Registry
	tracker  *tracker
	metrics  *Metrics
	logger   zerolog.Logger
	opts     HealthOptions
}

// NewHealthMonitor constructs the monitor.
func NewHealthMonitor(store healthStore, registry *provider.Registry, tracker *tracker, metrics *Metrics, opts HealthOptions, logger zerolog.Logger) *HealthMonitor {
	opts.defaults()
	return &HealthMonitor{
		store:    store,
		registry: registry,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger.With().Str("component", "health_monitor").Logger(),
		opts:     opts,
	}
}

// Tick probes every running deployment whose health_check cadence is due and
// walks creating deployments towards running or error.
func (h *HealthMonitor) Tick(ctx context.Context, now time.Time) error {
	started := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.TickDuration.WithLabelValues("health").Observe(time.Since(started).Seconds())
		}
	}()

	running, err := h.store.ListDeploymentsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running deployments: %w", err)
	}
	creating, err := h.store.ListDeploymentsByStatus(ctx, model.StatusCreating)
	if err != nil {
		return fmt.Errorf("list creating deployments: %w", err)
	}

	rules, err := h.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.WorkerLimit)

	for _, dep := range running {
		rule := mostSpecific(rules, dep.ID, model.RuleHealthCheck)
		if rule == nil {
			continue
		}
		cfg, ok := rule.Config.(model.HealthCheckConfig)
		if !ok {
			continue
		}

		st := h.tracker.Snapshot(dep.ID)
		if st.lastCheckedAt != nil && now.Sub(*st.lastCheckedAt) < cfg.Interval() {
			continue
		}

		dep := dep
		g.Go(func() error {
			h.probeOne(gctx, dep, cfg, now)
			return nil
		})
	}

	for _, dep := range creating {
		dep := dep
		g.Go(func() error {
			h.provisionOne(gctx, dep, now)
			return nil
		})
	}

	return g.Wait()
}

func (h *HealthMonitor) probeOne(ctx context.Context, dep model.Deployment, cfg model.HealthCheckConfig, now time.Time) {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	var (
		res      provider.ProbeResult
		probeErr error
	)
	adapter, err := h.registry.Adapter(dep.Provider)
	if err != nil {
		probeErr = err
	} else {
		res, probeErr = adapter.Probe(probeCtx, dep)
	}

	status, errMsg := classifyProbe(res, probeErr)

	check := model.HealthCheck{
		DeploymentID: dep.ID,
		Status:       status,
		CheckedAt:    now,
	}
	if status == model.CheckHealthy || status == model.CheckUnhealthy {
		ms := res.ResponseTime.Milliseconds()
		check.ResponseTimeMS = &ms
	}
	if errMsg != "" {
		check.ErrorMessage = &errMsg
	}

	if _, err := h.store.AppendHealthCheck(ctx, check); err != nil {
		h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to persist health check")
	}
	if err := h.store.PruneHealthChecks(ctx, dep.ID, h.opts.KeepChecks); err != nil {
		h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to prune health checks")
	}

	if h.metrics != nil {
		h.metrics.ProbesTotal.WithLabelValues(string(status)).Inc()
		h.metrics.ProbeDuration.Observe(res.ResponseTime.Seconds())
	}

	h.tracker.RecordCheck(dep.ID, status, now)
	st := h.tracker.Snapshot(dep.ID)

	health := dep.Health
	switch {
	case status.Healthy():
		health = model.HealthHealthy
	case st.consecutiveFailures >= unhealthyAfter:
		health = model.HealthUnhealthy
	}
	if health != dep.Health {
		if err := h.store.UpdateDeploymentHealth(ctx, dep.ID, health); err != nil {
			h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to update health state")
		}
		if health == model.HealthUnhealthy {
			h.logger.Warn().
				Int64("deployment_id", dep.ID).
				Int("consecutive_failures", st.consecutiveFailures).
				Msg("deployment turned unhealthy")
		} else {
			h.logger.Info().Int64("deployment_id", dep.ID).Msg("deployment recovered")
		}
	}

	h.logger.Debug().
		Int64("deployment_id", dep.ID).
		Str("status", string(status)).
		Dur("response_time", res.ResponseTime).
		Msg("probe recorded")
}

// provisionOne walks one creating deployment: reachable means running, a
// blown provisioning window means error. This is the provider-status
// reconciliation path, the only status writer besides the executor.
func (h *HealthMonitor) provisionOne(ctx context.Context, dep model.Deployment, now time.Time) {
	probeCtx, cancel := context.WithTimeout(ctx, h.opts.ProbeTimeout)
	defer cancel()

	adapter, err := h.registry.Adapter(dep.Provider)
	if err == nil && dep.InstanceID != "" {
		res, probeErr := adapter.Probe(probeCtx, dep)
		if probeErr == nil && res.Reachable {
			if err := h.store.UpdateDeploymentStatus(ctx, dep.ID, model.StatusRunning); err != nil {
				h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to promote deployment")
				return
			}
			if err := h.store.UpdateDeploymentHealth(ctx, dep.ID, model.HealthHealthy); err != nil {
				h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to update health state")
			}
			// Billing starts at promotion, not at registration.
			if err := h.store.UpdateDeploymentCost(ctx, dep.ID, dep.CostAccumulated, now); err != nil {
				h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to reset cost watermark")
			}
			h.logger.Info().Int64("deployment_id", dep.ID).Msg("deployment provisioned and running")
			return
		}
	}

	if now.Sub(dep.CreatedAt) > h.opts.ProvisionTimeout {
		if err := h.store.UpdateDeploymentStatus(ctx, dep.ID, model.StatusError); err != nil {
			h.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to fail provisioning")
			return
		}
		h.logger.Warn().
			Int64("deployment_id", dep.ID).
			Dur("age", now.Sub(dep.CreatedAt)).
			Msg("provisioning window expired, deployment marked error")
	}
}

func classifyProbe(res provider.ProbeResult, err error) (model.HealthCheckStatus, string) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.CheckTimeout, "probe timed out"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return model.CheckTimeout, "probe timed out"
		}
		return model.CheckError, err.Error()
	}
	if res.Reachable {
		return model.CheckHealthy, ""
	}
	return model.CheckUnhealthy, ""
}
