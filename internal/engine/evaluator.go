package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/alerting"
	"gpufleet/internal/logging"
	"gpufleet/internal/model"
	"gpufleet/internal/storage"
)

// evalStore is the storage surface the evaluator reads rules and prices
// from. Writes go through the executor, never directly from here.
type evalStore interface {
	storage.DeploymentStore
	storage.RuleStore
	storage.PriceStore
	storage.ExecutionLogStore
}

// EvaluatorOptions tunes the rule evaluation loop.
type EvaluatorOptions struct {
	// WorkerLimit bounds concurrent per-deployment evaluations.
	WorkerLimit int
}

func (o *EvaluatorOptions) defaults() {
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = 8
	}
}

// Evaluator walks every active deployment once per tick and decides, per
// deployment, which rule (if any) gets to act. Priority is fixed:
// cost_limit, then auto_restart, then price_alert. At most one provider
// action is attempted per deployment per tick; price alerts are
// notifications and fire independently of the other two.
type Evaluator struct {
	store    evalStore
	executor *Executor
	tracker  *tracker
	cache    *priceCache
	notifier alerting.Notifier
	metrics  *Metrics
	opts     EvaluatorOptions
	logger   zerolog.Logger
}

// NewEvaluator builds an evaluator sharing the tracker and price cache
// with the health and price monitors.
func NewEvaluator(store evalStore, executor *Executor, tracker *tracker, cache *priceCache, notifier alerting.Notifier, metrics *Metrics, opts EvaluatorOptions, logger zerolog.Logger) *Evaluator {
	opts.defaults()
	return &Evaluator{
		store:    store,
		executor: executor,
		tracker:  tracker,
		cache:    cache,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		logger:   logging.Component(logger, "evaluator"),
	}
}

// Tick evaluates the enabled rules against every deployment that can still
// be acted on. Evaluation is read-only except through the executor, so two
// overlapping ticks degrade to skipped actions rather than double ones.
func (ev *Evaluator) Tick(ctx context.Context, now time.Time) error {
	if ev.metrics != nil {
		start := time.Now()
		defer func() {
			ev.metrics.TickDuration.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
		}()
	}

	deployments, err := ev.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	rules, err := ev.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	if len(deployments) == 0 || len(rules) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ev.opts.WorkerLimit)
	for _, dep := range deployments {
		if dep.Status == model.StatusError || dep.Status == model.StatusDeleted {
			// Automation stays off until an operator resets the deployment.
			continue
		}
		dep := dep
		g.Go(func() error {
			ev.evaluateDeployment(gctx, dep, rules, now)
			return nil
		})
	}
	return g.Wait()
}

func (ev *Evaluator) evaluateDeployment(ctx context.Context, dep model.Deployment, rules []model.AutomationRule, now time.Time) {
	restartRule := mostSpecific(rules, dep.ID, model.RuleAutoRestart)
	if restartRule != nil {
		if cfg, ok := restartRule.Config.(model.AutoRestartConfig); ok {
			// A deployment that has stayed healthy for the full unhealthy
			// threshold earns its restart budget back.
			ev.tracker.MaybeResetRestarts(dep.ID, now, cfg.Threshold())
		}
	}

	actionTaken := false
	if rule := mostSpecific(rules, dep.ID, model.RuleCostLimit); rule != nil {
		actionTaken = ev.evaluateCostLimit(ctx, dep, rule)
	}
	if !actionTaken && restartRule != nil {
		actionTaken = ev.evaluateAutoRestart(ctx, dep, restartRule, now)
	}
	if rule := mostSpecific(rules, dep.ID, model.RulePriceAlert); rule != nil {
		ev.evaluatePriceAlert(ctx, dep, rule, now)
	}
}

// evaluateCostLimit stops a running deployment whose accumulated cost has
// reached the budget. It reports true when the rule claimed this tick's
// action slot, even if the stop itself failed; the next tick retries.
func (ev *Evaluator) evaluateCostLimit(ctx context.Context, dep model.Deployment, rule *model.AutomationRule) bool {
	cfg, ok := rule.Config.(model.CostLimitConfig)
	if !ok {
		return false
	}
	if dep.Status != model.StatusRunning {
		return false
	}
	if dep.CostAccumulated.LessThan(cfg.MaxCostUSD) {
		return false
	}

	reason := fmt.Sprintf("accumulated cost $%s reached limit $%s", dep.CostAccumulated.StringFixed(2), cfg.MaxCostUSD.StringFixed(2))
	entry, err := ev.executor.Execute(ctx, Request{
		DeploymentID: dep.ID,
		Rule:         rule,
		Action:       model.ActionStop,
		Reason:       reason,
	})
	if err != nil {
		ev.logger.Error().Err(err).Int64("deployment_id", dep.ID).Int64("rule_id", rule.ID).Msg("cost limit stop failed")
		return true
	}
	if entry.Status == model.ExecutionSuccess {
		ev.logger.Warn().
			Int64("deployment_id", dep.ID).
			Int64("rule_id", rule.ID).
			Str("cost", dep.CostAccumulated.StringFixed(2)).
			Str("limit", cfg.MaxCostUSD.StringFixed(2)).
			Msg("deployment stopped by cost limit")
	}
	return true
}

// evaluateAutoRestart restarts a deployment that has been continuously
// unhealthy past the rule's threshold. Once the restart budget is spent it
// breaks the circuit instead, parking the deployment in error status.
func (ev *Evaluator) evaluateAutoRestart(ctx context.Context, dep model.Deployment, rule *model.AutomationRule, now time.Time) bool {
	cfg, ok := rule.Config.(model.AutoRestartConfig)
	if !ok {
		return false
	}
	if dep.Status != model.StatusRunning || dep.Health != model.HealthUnhealthy {
		return false
	}

	st := ev.tracker.Snapshot(dep.ID)
	if st.unhealthySince == nil {
		return false
	}
	span := now.Sub(*st.unhealthySince)
	if span < cfg.Threshold() {
		return false
	}

	if st.restartCount >= cfg.MaxRetries {
		entry, applied, err := ev.executor.CircuitBreak(ctx, Request{
			DeploymentID: dep.ID,
			Rule:         rule,
			Action:       model.ActionRestart,
			Reason:       fmt.Sprintf("unhealthy for %s with %d restarts already spent", span.Truncate(time.Second), st.restartCount),
		})
		if err != nil {
			ev.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("circuit break failed")
			return true
		}
		if applied {
			ev.logger.Error().
				Int64("deployment_id", dep.ID).
				Int64("rule_id", rule.ID).
				Int("restarts", st.restartCount).
				Str("skip_reason", entry.ResultMessage).
				Msg("restart budget exhausted, deployment moved to error")
		}
		return applied
	}

	reason := fmt.Sprintf("unhealthy for %s (threshold %s), restart %d of %d",
		span.Truncate(time.Second), cfg.Threshold(), st.restartCount+1, cfg.MaxRetries)
	entry, err := ev.executor.Execute(ctx, Request{
		DeploymentID: dep.ID,
		Rule:         rule,
		Action:       model.ActionRestart,
		Reason:       reason,
	})
	if err != nil {
		ev.logger.Error().Err(err).Int64("deployment_id", dep.ID).Int64("rule_id", rule.ID).Msg("auto restart failed")
		return true
	}
	if entry.Status == model.ExecutionSuccess {
		count := ev.tracker.RestartExecuted(dep.ID, now)
		ev.logger.Warn().
			Int64("deployment_id", dep.ID).
			Int64("rule_id", rule.ID).
			Int("restart_count", count).
			Dur("unhealthy_for", span).
			Msg("deployment restarted by automation")
	}
	return true
}

// evaluatePriceAlert compares the latest market price against the rule's
// baseline and fires a notification when the move exceeds the threshold in
// either direction. The baseline rebases to the firing price so the next
// alert measures from there, not from the original price.
func (ev *Evaluator) evaluatePriceAlert(ctx context.Context, dep model.Deployment, rule *model.AutomationRule, now time.Time) {
	cfg, ok := rule.Config.(model.PriceAlertConfig)
	if !ok {
		return
	}

	current, ok, err := ev.cache.lookup(ctx, ev.store, dep.Provider, dep.GPUType)
	if err != nil {
		ev.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("price lookup failed")
		return
	}
	if !ok || !current.IsPositive() {
		return
	}

	baseline, seen := ev.tracker.Baseline(rule.ID, dep.ID)
	if !seen || !baseline.IsPositive() {
		ev.tracker.SetBaseline(rule.ID, dep.ID, current)
		return
	}

	deviation := current.Sub(baseline).Div(baseline).Mul(decimal.NewFromInt(100))
	if deviation.Abs().LessThan(decimal.NewFromFloat(cfg.ThresholdPercentage)) {
		return
	}

	direction := "rose"
	if deviation.IsNegative() {
		direction = "dropped"
	}
	message := fmt.Sprintf("price for %s on %s %s %s%% from $%s to $%s/hr",
		dep.GPUType, dep.Provider, direction, deviation.Abs().StringFixed(2),
		baseline.StringFixed(4), current.StringFixed(4))

	if ev.notifier != nil {
		event := model.Event{
			DeploymentID: dep.ID,
			RuleID:       rule.ID,
			Kind:         model.EventPriceAlert,
			Message:      message,
			OccurredAt:   now,
		}
		if err := ev.notifier.Notify(ctx, event); err != nil {
			ev.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("price alert notification failed")
		}
	}

	ruleID := rule.ID
	depID := dep.ID
	entry := model.ExecutionLog{
		RuleID:             &ruleID,
		TriggerReason:      message,
		ActionTaken:        model.ActionNotify,
		TargetDeploymentID: &depID,
		Status:             model.ExecutionSuccess,
		ResultMessage:      "notification dispatched",
		ExecutedAt:         now,
	}
	if _, err := ev.store.AppendExecution(ctx, entry); err != nil {
		ev.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to record price alert")
	}

	// Rebase regardless of delivery outcome: the alert decision was made
	// and logged, and measuring the next move from the old baseline would
	// re-fire every tick.
	ev.tracker.SetBaseline(rule.ID, dep.ID, current)
	if ev.metrics != nil {
		ev.metrics.AlertsEmitted.WithLabelValues(string(model.EventPriceAlert)).Inc()
	}
	ev.logger.Warn().
		Int64("deployment_id", dep.ID).
		Int64("rule_id", rule.ID).
		Str("deviation_pct", deviation.StringFixed(2)).
		Msg(message)
}

// mostSpecific picks the rule of the given type that governs a deployment:
// a rule bound to the deployment beats an account-wide one, and ties go to
// the oldest rule.
func mostSpecific(rules []model.AutomationRule, deploymentID int64, ruleType model.RuleType) *model.AutomationRule {
	var candidate *model.AutomationRule
	for i := range rules {
		rule := &rules[i]
		if rule.Type != ruleType || !rule.AppliesTo(deploymentID) {
			continue
		}
		if candidate == nil || (candidate.AccountWide() && !rule.AccountWide()) {
			candidate = rule
		}
	}
	return candidate
}
