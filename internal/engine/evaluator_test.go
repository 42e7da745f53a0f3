package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

type evalFixture struct {
	store   *storage.Memory
	fake    *provider.Fake
	tracker *tracker
	cache   *priceCache
	ev      *Evaluator
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	store := storage.NewMemory()
	fake := provider.NewFake(model.ProviderRunPod)
	registry := provider.NewRegistry(fake)
	metrics := NewMetrics(prometheus.NewRegistry())
	tr := newTracker()
	cache := newPriceCache()
	exec := NewExecutor(store, registry, nil, metrics,
		ExecutorOptions{ActionTimeout: time.Second, RetryBase: time.Millisecond, MaxRetries: 1}, zerolog.Nop())
	ev := NewEvaluator(store, exec, tr, cache, nil, metrics, EvaluatorOptions{}, zerolog.Nop())
	return &evalFixture{store: store, fake: fake, tracker: tr, cache: cache, ev: ev}
}

func (f *evalFixture) costRule(t *testing.T, deploymentID *int64, limit string) model.AutomationRule {
	t.Helper()
	rule, err := f.store.CreateRule(context.Background(), model.AutomationRule{
		DeploymentID: deploymentID,
		Type:         model.RuleCostLimit,
		Config:       model.CostLimitConfig{MaxCostUSD: decimal.RequireFromString(limit)},
		Enabled:      true,
	})
	require.NoError(t, err)
	return rule
}

func (f *evalFixture) restartRule(t *testing.T, thresholdSec, maxRetries int) model.AutomationRule {
	t.Helper()
	rule, err := f.store.CreateRule(context.Background(), model.AutomationRule{
		Type:    model.RuleAutoRestart,
		Config:  model.AutoRestartConfig{UnhealthyThresholdSec: thresholdSec, MaxRetries: maxRetries},
		Enabled: true,
	})
	require.NoError(t, err)
	return rule
}

func (f *evalFixture) priceRule(t *testing.T, thresholdPct float64) model.AutomationRule {
	t.Helper()
	rule, err := f.store.CreateRule(context.Background(), model.AutomationRule{
		Type:    model.RulePriceAlert,
		Config:  model.PriceAlertConfig{ThresholdPercentage: thresholdPct, CheckIntervalMin: 1},
		Enabled: true,
	})
	require.NoError(t, err)
	return rule
}

func (f *evalFixture) markUnhealthy(t *testing.T, dep model.Deployment, since time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpdateDeploymentHealth(context.Background(), dep.ID, model.HealthUnhealthy))
	f.tracker.RecordCheck(dep.ID, model.CheckUnhealthy, since)
}

func TestEvaluator_AutoRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	f.fake.SetReachable("pod-1", true)

	f.restartRule(t, 60, 3)
	f.markUnhealthy(t, dep, now.Add(-2*time.Minute))

	require.NoError(t, f.ev.Tick(ctx, now))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ActionRestart, rows[0].ActionTaken)
	assert.Equal(t, model.ExecutionSuccess, rows[0].Status)
	assert.Equal(t, "unhealthy for 2m0s (threshold 1m0s), restart 1 of 3", rows[0].TriggerReason)

	st := f.tracker.Snapshot(dep.ID)
	assert.Equal(t, 1, st.restartCount)
	require.NotNil(t, st.unhealthySince)
	assert.Equal(t, now, *st.unhealthySince, "the unhealthy span re-accumulates after a restart")
}

func TestEvaluator_AutoRestart_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")

	f.restartRule(t, 120, 3)
	f.markUnhealthy(t, dep, now.Add(-time.Minute))

	require.NoError(t, f.ev.Tick(ctx, now))

	count, err := f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "the unhealthy span has not reached the threshold yet")
}

func TestEvaluator_AutoRestart_CircuitBreaksWhenBudgetSpent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	f.fake.SetReachable("pod-1", true)

	f.restartRule(t, 60, 1)
	f.markUnhealthy(t, dep, now.Add(-2*time.Minute))
	f.tracker.RestartExecuted(dep.ID, now.Add(-90*time.Second))

	require.NoError(t, f.ev.Tick(ctx, now))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ExecutionSkipped, rows[0].Status)
	assert.Equal(t, SkipReasonRetriesExhausted, rows[0].TriggerReason)

	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.NotContains(t, f.fake.Calls(), "restart pod-1", "no provider call once the budget is spent")

	// Error status parks the deployment: the next tick leaves it alone.
	require.NoError(t, f.ev.Tick(ctx, now.Add(30*time.Second)))
	count, err := f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEvaluator_CostLimitBeatsRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	f.fake.SetReachable("pod-1", true)

	f.costRule(t, nil, "10")
	f.restartRule(t, 60, 3)
	f.markUnhealthy(t, dep, now.Add(-5*time.Minute))
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("12.50"), now.Add(-time.Minute)))

	require.NoError(t, f.ev.Tick(ctx, now))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "one provider action per deployment per tick")
	assert.Equal(t, model.ActionStop, rows[0].ActionTaken)
	assert.Equal(t, model.ExecutionSuccess, rows[0].Status)
	assert.Equal(t, "accumulated cost $12.50 reached limit $10.00", rows[0].TriggerReason)

	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, got.Status)
	assert.NotContains(t, f.fake.Calls(), "restart pod-1", "the restart slot is gone this tick")
}

func TestEvaluator_CostLimitClaimsSlotEvenOnFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	f.fake.SetReachable("pod-1", true)
	f.fake.FailNext("stop", errors.New("api rejected the call"))

	f.costRule(t, nil, "10")
	f.restartRule(t, 60, 3)
	f.markUnhealthy(t, dep, now.Add(-5*time.Minute))
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("11"), now.Add(-time.Minute)))

	require.NoError(t, f.ev.Tick(ctx, now))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ActionStop, rows[0].ActionTaken)
	assert.Equal(t, model.ExecutionFailed, rows[0].Status)
	assert.NotContains(t, f.fake.Calls(), "restart pod-1",
		"a failed stop still claims the slot; the next tick retries the stop")
}

func TestEvaluator_PriceAlert_FiresAndRebases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")

	rule := f.priceRule(t, 10)

	// First sight seeds the baseline without alerting.
	f.cache.set(model.ProviderRunPod, "A100", decimal.RequireFromString("1.00"))
	require.NoError(t, f.ev.Tick(ctx, now))
	count, err := f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// +15% crosses the 10% threshold.
	f.cache.set(model.ProviderRunPod, "A100", decimal.RequireFromString("1.15"))
	require.NoError(t, f.ev.Tick(ctx, now.Add(time.Minute)))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ActionNotify, rows[0].ActionTaken)
	assert.Equal(t, model.ExecutionSuccess, rows[0].Status)
	assert.Equal(t, "notification dispatched", rows[0].ResultMessage)
	assert.Equal(t, "price for A100 on runpod rose 15.00% from $1.0000 to $1.1500/hr", rows[0].TriggerReason)

	// Unchanged price measures zero deviation from the rebased baseline.
	require.NoError(t, f.ev.Tick(ctx, now.Add(2*time.Minute)))
	count, err = f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The drop is measured from 1.15, not the original 1.00.
	f.cache.set(model.ProviderRunPod, "A100", decimal.RequireFromString("1.00"))
	require.NoError(t, f.ev.Tick(ctx, now.Add(3*time.Minute)))

	rows, err = f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "price for A100 on runpod dropped 13.04% from $1.1500 to $1.0000/hr", rows[0].TriggerReason)

	baseline, ok := f.tracker.Baseline(rule.ID, dep.ID)
	require.True(t, ok)
	assert.True(t, baseline.Equal(decimal.RequireFromString("1.00")))
}

func TestEvaluator_PriceAlertIndependentOfActionSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	f.fake.SetReachable("pod-1", true)

	f.costRule(t, nil, "10")
	rule := f.priceRule(t, 10)
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("15"), now.Add(-time.Minute)))
	f.tracker.SetBaseline(rule.ID, dep.ID, decimal.RequireFromString("1.00"))
	f.cache.set(model.ProviderRunPod, "A100", decimal.RequireFromString("1.20"))

	require.NoError(t, f.ev.Tick(ctx, now))

	rows, err := f.store.ListExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "the stop and the alert both land: notifications are not provider actions")

	actions := []model.ActionType{rows[0].ActionTaken, rows[1].ActionTaken}
	assert.Contains(t, actions, model.ActionStop)
	assert.Contains(t, actions, model.ActionNotify)
}

func TestEvaluator_BoundRuleBeatsAccountWide(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newEvalFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")

	// The account-wide rule would stop at $10; the bound one allows $1000.
	f.costRule(t, nil, "10")
	f.costRule(t, &dep.ID, "1000")
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("50"), now.Add(-time.Minute)))

	require.NoError(t, f.ev.Tick(ctx, now))

	count, err := f.store.CountExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "the deployment-bound rule governs")
	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestMostSpecific(t *testing.T) {
	depID := int64(7)
	otherID := int64(8)
	rules := []model.AutomationRule{
		{ID: 1, Type: model.RuleCostLimit},
		{ID: 2, Type: model.RuleCostLimit},
		{ID: 3, DeploymentID: &depID, Type: model.RuleCostLimit},
		{ID: 4, DeploymentID: &otherID, Type: model.RuleCostLimit},
		{ID: 5, Type: model.RuleAutoRestart},
	}

	got := mostSpecific(rules, depID, model.RuleCostLimit)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.ID, "deployment-bound beats account-wide")

	got = mostSpecific(rules, 99, model.RuleCostLimit)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.ID, "ties go to the oldest rule")

	assert.Nil(t, mostSpecific(rules, depID, model.RulePriceAlert))
}
