package engine

import (
	"context"
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

type priceFixture struct {
	store *storage.Memory
	fake  *provider.Fake
	cache *priceCache
	mon   *PriceMonitor
}

func newPriceFixture(t *testing.T) *priceFixture {
	t.Helper()
	store := storage.NewMemory()
	fake := provider.NewFake(model.ProviderRunPod)
	cache := newPriceCache()
	mon := NewPriceMonitor(store, provider.NewRegistry(fake), cache,
		NewMetrics(prometheus.NewRegistry()), PriceOptions{}, zerolog.Nop())
	return &priceFixture{store: store, fake: fake, cache: cache, mon: mon}
}

func TestPriceMonitor_SamplePersistsAndCaches(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newPriceFixture(t)
	runningDeployment(t, f.store, "pod-1")
	f.fake.SetPrice("A100", decimal.RequireFromString("1.89"))

	require.NoError(t, f.mon.Tick(ctx, t0))

	series, err := f.store.ListPriceRecords(ctx, model.ProviderRunPod, "A100", t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.True(t, series[0].PricePerHour.Equal(decimal.RequireFromString("1.89")))
	assert.Equal(t, t0, series[0].RecordedAt)

	cached, ok := f.cache.get(model.ProviderRunPod, "A100")
	require.True(t, ok)
	assert.True(t, cached.Equal(decimal.RequireFromString("1.89")))

	// Inside the hourly default cadence: no second sample.
	require.NoError(t, f.mon.Tick(ctx, t0.Add(time.Minute)))
	series, err = f.store.ListPriceRecords(ctx, model.ProviderRunPod, "A100", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestPriceMonitor_AccruesRunningCost(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newPriceFixture(t)

	dep, err := f.store.CreateDeployment(ctx, model.Deployment{
		Name:       "train-1",
		Provider:   model.ProviderRunPod,
		InstanceID: "pod-1",
		GPUType:    "A100",
		GPUCount:   2,
		Status:     model.StatusRunning,
		Health:     model.HealthHealthy,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.Zero, t0.Add(-time.Hour)))
	f.fake.SetPrice("A100", decimal.RequireFromString("1.50"))

	require.NoError(t, f.mon.Tick(ctx, t0))

	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	// 1.50/hr x 2 GPUs x 1h.
	assert.True(t, got.CostAccumulated.Equal(decimal.RequireFromString("3")),
		"got %s", got.CostAccumulated)
	assert.True(t, got.CostUpdatedAt.Equal(t0), "watermark advances with the charge")

	// A second pass one minute later charges just that minute.
	require.NoError(t, f.mon.Tick(ctx, t0.Add(time.Minute)))
	got, err = f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.True(t, got.CostAccumulated.Equal(decimal.RequireFromString("3.05")),
		"got %s", got.CostAccumulated)
}

func TestPriceMonitor_ZeroWatermarkSeedsWithoutCharging(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newPriceFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("7"), time.Time{}))
	f.fake.SetPrice("A100", decimal.RequireFromString("9.99"))

	require.NoError(t, f.mon.Tick(ctx, t0))

	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.True(t, got.CostAccumulated.Equal(decimal.RequireFromString("7")),
		"unknown history is never billed")
	assert.True(t, got.CostUpdatedAt.Equal(t0), "the meter starts now")
}

func TestPriceMonitor_OnlyRunningDeploymentsAccrue(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newPriceFixture(t)
	dep := runningDeployment(t, f.store, "pod-1")
	require.NoError(t, f.store.UpdateDeploymentStatus(ctx, dep.ID, model.StatusStopped))
	require.NoError(t, f.store.UpdateDeploymentCost(ctx, dep.ID, decimal.RequireFromString("5"), t0.Add(-time.Hour)))
	f.fake.SetPrice("A100", decimal.RequireFromString("2.00"))

	require.NoError(t, f.mon.Tick(ctx, t0))

	got, err := f.store.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.True(t, got.CostAccumulated.Equal(decimal.RequireFromString("5")), "stopped time is free")
}

func TestPriceMonitor_SampleIntervalFollowsTightestRule(t *testing.T) {
	f := newPriceFixture(t)

	assert.Equal(t, time.Hour, f.mon.sampleInterval(nil), "default cadence without alert rules")

	rules := []model.AutomationRule{
		{ID: 1, Type: model.RulePriceAlert, Config: model.PriceAlertConfig{ThresholdPercentage: 10, CheckIntervalMin: 5}},
		{ID: 2, Type: model.RulePriceAlert, Config: model.PriceAlertConfig{ThresholdPercentage: 20, CheckIntervalMin: 2}},
		{ID: 3, Type: model.RuleCostLimit, Config: model.CostLimitConfig{MaxCostUSD: decimal.New(1, 0)}},
	}
	assert.Equal(t, 2*time.Minute, f.mon.sampleInterval(rules))
}

func TestPriceCache_LookupFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemory()
	cache := newPriceCache()

	_, err := store.AppendPriceRecord(ctx, model.PriceRecord{
		Provider: model.ProviderRunPod, GPUType: "A100",
		PricePerHour: decimal.RequireFromString("2.00"), RecordedAt: t0,
	})
	require.NoError(t, err)
	_, err = store.AppendPriceRecord(ctx, model.PriceRecord{
		Provider: model.ProviderRunPod, GPUType: "A100",
		PricePerHour: decimal.RequireFromString("2.10"), RecordedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	price, ok, err := cache.lookup(ctx, store, model.ProviderRunPod, "A100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("2.10")), "the newest stored sample wins")

	// The hit warmed the cache: the store is no longer consulted.
	removed, err := store.DeletePriceRecordsBefore(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	price, ok, err = cache.lookup(ctx, store, model.ProviderRunPod, "A100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("2.10")))

	_, ok, err = cache.lookup(ctx, store, model.ProviderVast, "A100")
	require.NoError(t, err)
	assert.False(t, ok)
}
