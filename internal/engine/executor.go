package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"gpufleet/internal/alerting"
	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

// SkipReasonInProgress is recorded when an action request finds another
// action holding the deployment's lock.
const SkipReasonInProgress = "action already in progress"

// SkipReasonRetriesExhausted is recorded when the restart budget is spent and
// the deployment is circuit-broken into error.
const SkipReasonRetriesExhausted = "max restart retries exhausted"

// ExecutorOptions tune provider call behaviour.
type ExecutorOptions struct {
	// ActionTimeout bounds one action including transport retries.
	ActionTimeout time.Duration
	// RetryBase is the initial backoff interval for transient errors.
	RetryBase time.Duration
	// MaxRetries caps transport retries inside a single action.
	MaxRetries uint64
}

func (o *ExecutorOptions) defaults() {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
}

// Request asks the executor to perform one provider action against a
// deployment. Rule is nil for operator-initiated actions.
type Request struct {
	DeploymentID int64
	Rule         *model.AutomationRule
	Action       model.ActionType
	Reason       string
	// Target names the destination provider for migrate.
	Target model.Provider
}

// Executor performs provider actions with at-most-one in flight per
// deployment. Every request produces exactly one execution log entry:
// success, failed, or skipped.
type Executor struct {
	store    executorStore
	registry *provider.Registry
	notifier alerting.Notifier
	metrics  *Metrics
	logger   zerolog.Logger
	opts     ExecutorOptions

	locks    sync.Map
	inFlight sync.WaitGroup
}

type executorStore interface {
	storage.DeploymentStore
	storage.ExecutionLogStore
}

// NewExecutor constructs the action executor.
func NewExecutor(store executorStore, registry *provider.Registry, notifier alerting.Notifier, metrics *Metrics, opts ExecutorOptions, logger zerolog.Logger) *Executor {
	opts.defaults()
	return &Executor{
		store:    store,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With().Str("component", "executor").Logger(),
		opts:     opts,
	}
}

func (e *Executor) lockFor(deploymentID int64) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(deploymentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Execute runs one action request to completion and returns its log entry.
// The returned error covers persistence problems only; action failures are
// reported through the entry's status.
func (e *Executor) Execute(ctx context.Context, req Request) (model.ExecutionLog, error) {
	mu := e.lockFor(req.DeploymentID)
	if !mu.TryLock() {
		return e.appendEntry(ctx, req, model.ExecutionSkipped, SkipReasonInProgress, nil)
	}
	defer mu.Unlock()

	e.inFlight.Add(1)
	defer e.inFlight.Done()

	// Re-read under the lock so the gate below sees the freshest status, not
	// the evaluator's snapshot.
	dep, err := e.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return model.ExecutionLog{}, fmt.Errorf("load deployment %d: %w", req.DeploymentID, err)
	}

	if reason, ok := e.gate(dep, req); !ok {
		return e.appendEntry(ctx, req, model.ExecutionSkipped, reason, nil)
	}

	// Detach from the tick's cancellation: a started provider call runs to
	// its own deadline so shutdown never tears state mid-action.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ActionTimeout)
	defer cancel()

	started := time.Now()
	result, actionErr := e.perform(callCtx, dep, req)
	if e.metrics != nil {
		e.metrics.ActionDuration.Observe(time.Since(started).Seconds())
	}

	if actionErr != nil {
		e.logger.Error().Err(actionErr).
			Int64("deployment_id", dep.ID).
			Str("action", string(req.Action)).
			Msg("action failed")
		return e.appendEntry(ctx, req, model.ExecutionFailed, req.Reason, actionErr)
	}

	if err := e.applyResult(ctx, dep, req, result); err != nil {
		return model.ExecutionLog{}, err
	}

	e.emitEvent(ctx, dep, req)

	e.logger.Info().
		Int64("deployment_id", dep.ID).
		Str("action", string(req.Action)).
		Str("result", result.message).
		Msg("action executed")
	return e.appendEntry(ctx, req, model.ExecutionSuccess, req.Reason, nil, result.message)
}

// CircuitBreak forces a deployment into error once its restart budget is
// exhausted, recording the decision as a skipped restart. If another action
// holds the lock the break is retried on the next evaluation tick.
func (e *Executor) CircuitBreak(ctx context.Context, req Request) (model.ExecutionLog, bool, error) {
	mu := e.lockFor(req.DeploymentID)
	if !mu.TryLock() {
		return model.ExecutionLog{}, false, nil
	}
	defer mu.Unlock()

	dep, err := e.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return model.ExecutionLog{}, false, fmt.Errorf("load deployment %d: %w", req.DeploymentID, err)
	}
	if !model.CanTransition(dep.Status, model.StatusError) {
		return model.ExecutionLog{}, false, nil
	}

	if err := e.store.UpdateDeploymentStatus(ctx, dep.ID, model.StatusError); err != nil {
		return model.ExecutionLog{}, false, fmt.Errorf("force error status: %w", err)
	}
	if e.metrics != nil {
		e.metrics.CircuitBreaks.Inc()
	}

	e.logger.Warn().
		Int64("deployment_id", dep.ID).
		Msg("restart budget exhausted, deployment halted")

	entry, err := e.appendEntry(ctx, req, model.ExecutionSkipped, SkipReasonRetriesExhausted, nil)
	return entry, true, err
}

// Wait blocks until in-flight actions finish or the grace period expires.
func (e *Executor) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// gate decides whether the action is legal against the deployment's current
// status. Illegal requests are skipped, never failed: nothing was attempted.
func (e *Executor) gate(dep model.Deployment, req Request) (string, bool) {
	switch req.Action {
	case model.ActionRestart:
		if dep.Status != model.StatusRunning {
			return fmt.Sprintf("deployment status is %s, restart needs running", dep.Status), false
		}
	case model.ActionStop:
		if !model.CanTransition(dep.Status, model.StatusStopped) {
			return fmt.Sprintf("deployment status is %s, nothing to stop", dep.Status), false
		}
	case model.ActionStart:
		if !model.CanTransition(dep.Status, model.StatusRunning) {
			return fmt.Sprintf("deployment status is %s, cannot start", dep.Status), false
		}
	case model.ActionMigrate:
		if dep.Status != model.StatusRunning && dep.Status != model.StatusStopped {
			return fmt.Sprintf("deployment status is %s, cannot migrate", dep.Status), false
		}
		if !req.Target.Valid() {
			return fmt.Sprintf("unknown migration target %q", req.Target), false
		}
		if req.Target == dep.Provider {
			return "migration target equals current provider", false
		}
	default:
		return fmt.Sprintf("action %q is not executable", req.Action), false
	}
	return "", true
}

type actionResult struct {
	status     model.DeploymentStatus
	provider   model.Provider
	instanceID string
	rebind     bool
	message    string
}

// perform drives the provider call with bounded retries on transient errors.
// Retries here never touch a rule's own restart budget.
func (e *Executor) perform(ctx context.Context, dep model.Deployment, req Request) (actionResult, error) {
	var result actionResult

	operation := func() error {
		var err error
		switch req.Action {
		case model.ActionRestart:
			adapter, aerr := e.registry.Adapter(dep.Provider)
			if aerr != nil {
				return backoff.Permanent(aerr)
			}
			if err = adapter.Restart(ctx, dep); err == nil {
				result = actionResult{status: dep.Status, message: "instance restarted"}
			}
		case model.ActionStop:
			adapter, aerr := e.registry.Adapter(dep.Provider)
			if aerr != nil {
				return backoff.Permanent(aerr)
			}
			if err = adapter.Stop(ctx, dep); err == nil {
				result = actionResult{status: model.StatusStopped, message: "instance stopped"}
			}
		case model.ActionStart:
			adapter, aerr := e.registry.Adapter(dep.Provider)
			if aerr != nil {
				return backoff.Permanent(aerr)
			}
			var instanceID string
			if instanceID, err = adapter.Start(ctx, dep); err == nil {
				result = actionResult{
					status:     model.StatusRunning,
					provider:   dep.Provider,
					instanceID: instanceID,
					rebind:     instanceID != dep.InstanceID,
					message:    "instance started",
				}
			}
		case model.ActionMigrate:
			var instanceID string
			if instanceID, err = e.registry.Migrate(ctx, dep, req.Target); err == nil {
				result = actionResult{
					status:     model.StatusRunning,
					provider:   req.Target,
					instanceID: instanceID,
					rebind:     true,
					message:    fmt.Sprintf("migrated to %s", req.Target),
				}
			}
		}
		if err == nil {
			return nil
		}
		if provider.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.opts.RetryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, e.opts.MaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return actionResult{}, err
	}
	return result, nil
}

func (e *Executor) applyResult(ctx context.Context, dep model.Deployment, req Request, result actionResult) error {
	if result.rebind {
		if err := e.store.UpdateDeploymentInstance(ctx, dep.ID, result.provider, result.instanceID); err != nil {
			return fmt.Errorf("rebind instance: %w", err)
		}
	}
	if result.status != dep.Status && model.CanTransition(dep.Status, result.status) {
		if err := e.store.UpdateDeploymentStatus(ctx, dep.ID, result.status); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		// The cost meter runs only while the deployment runs. Reset the
		// watermark on entry so stopped time is never billed.
		if result.status == model.StatusRunning {
			if err := e.store.UpdateDeploymentCost(ctx, dep.ID, dep.CostAccumulated, time.Now().UTC()); err != nil {
				return fmt.Errorf("reset cost watermark: %w", err)
			}
		}
	}
	if e.metrics != nil && req.Action == model.ActionRestart && req.Rule != nil {
		e.metrics.RestartsExecuted.Inc()
	}
	return nil
}

// emitEvent notifies downstream channels about rule-driven restarts and cost
// stops. Delivery failures are logged and absorbed: the execution log row is
// the source of truth.
func (e *Executor) emitEvent(ctx context.Context, dep model.Deployment, req Request) {
	if e.notifier == nil || req.Rule == nil {
		return
	}

	var kind model.EventKind
	switch {
	case req.Action == model.ActionRestart:
		kind = model.EventRestart
	case req.Rule.Type == model.RuleCostLimit:
		kind = model.EventCostLimit
	default:
		return
	}

	event := model.Event{
		DeploymentID: dep.ID,
		RuleID:       req.Rule.ID,
		Kind:         kind,
		Message:      req.Reason,
		OccurredAt:   time.Now().UTC(),
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to dispatch event")
	} else if e.metrics != nil {
		e.metrics.AlertsEmitted.WithLabelValues(string(kind)).Inc()
	}
}

func (e *Executor) appendEntry(ctx context.Context, req Request, status model.ExecutionStatus, reason string, actionErr error, resultMessage ...string) (model.ExecutionLog, error) {
	entry := model.ExecutionLog{
		TriggerReason:      reason,
		ActionTaken:        req.Action,
		TargetDeploymentID: &req.DeploymentID,
		Status:             status,
		ExecutedAt:         time.Now().UTC(),
	}
	if req.Rule != nil {
		ruleID := req.Rule.ID
		entry.RuleID = &ruleID
	}
	if len(resultMessage) > 0 {
		entry.ResultMessage = resultMessage[0]
	} else {
		entry.ResultMessage = string(status)
	}
	if actionErr != nil {
		msg := actionErr.Error()
		entry.ErrorMessage = &msg
	}

	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(string(req.Action), string(status)).Inc()
	}

	stored, err := e.store.AppendExecution(ctx, entry)
	if err != nil {
		return entry, fmt.Errorf("append execution log: %w", err)
	}
	return stored, nil
}
