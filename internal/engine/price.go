package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

var secondsPerHour = decimal.NewFromInt(3600)

// priceCache keeps the newest quote per (provider, gpu type) so cost accrual
// and alternative ranking skip a database round trip on every tick.
type priceCache struct {
	c *cache.Cache
}

func newPriceCache() *priceCache {
	return &priceCache{c: cache.New(2*time.Hour, 10*time.Minute)}
}

func (p *priceCache) key(prov model.Provider, gpuType string) string {
	return string(prov) + "|" + gpuType
}

func (p *priceCache) set(prov model.Provider, gpuType string, price decimal.Decimal) {
	p.c.Set(p.key(prov, gpuType), price, cache.DefaultExpiration)
}

func (p *priceCache) get(prov model.Provider, gpuType string) (decimal.Decimal, bool) {
	v, ok := p.c.Get(p.key(prov, gpuType))
	if !ok {
		return decimal.Decimal{}, false
	}
	return v.(decimal.Decimal), true
}

// lookup returns the freshest price for a (provider, gpu type) pair, falling
// back to the stored series and re-warming the cache on a hit.
func (p *priceCache) lookup(ctx context.Context, store storage.PriceStore, prov model.Provider, gpuType string) (decimal.Decimal, bool, error) {
	if price, ok := p.get(prov, gpuType); ok {
		return price, true, nil
	}

	latest, err := store.LatestPrices(ctx, gpuType)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	price, ok := latest[prov]
	if ok {
		p.set(prov, gpuType, price)
	}
	return price, ok, nil
}

// PriceOptions tune the monitor.
type PriceOptions struct {
	// WorkerLimit caps concurrent price queries per tick.
	WorkerLimit int
	// DefaultInterval is the sampling cadence when no price_alert rule
	// demands a tighter one.
	DefaultInterval time.Duration
}

func (o *PriceOptions) defaults() {
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = 8
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = time.Hour
	}
}

type priceStore interface {
	storage.DeploymentStore
	storage.RuleStore
	storage.PriceStore
}

// PriceMonitor samples hourly rates across providers for every GPU type in
// use and accrues running deployments' cost from the freshest known price.
type PriceMonitor struct {
	store    priceStore
	registry *provider.Registry
	cache    *priceCache
	metrics  *Metrics
	logger   zerolog.Logger
	opts     PriceOptions

	lastSampleAt time.Time
}

// NewPriceMonitor constructs the monitor.
func NewPriceMonitor(store priceStore, registry *provider.Registry, cache *priceCache, metrics *Metrics, opts PriceOptions, logger zerolog.Logger) *PriceMonitor {
	opts.defaults()
	return &PriceMonitor{
		store:    store,
		registry: registry,
		cache:    cache,
		metrics:  metrics,
		logger:   logger.With().Str("component", "price_monitor").Logger(),
		opts:     opts,
	}
}

// Tick samples the market when due and accrues cost on every pass. The
// sampling cadence is the tightest enabled price_alert interval, defaulting
// to hourly.
func (p *PriceMonitor) Tick(ctx context.Context, now time.Time) error {
	started := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.TickDuration.WithLabelValues("price").Observe(time.Since(started).Seconds())
		}
	}()

	deployments, err := p.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	if len(deployments) == 0 {
		return nil
	}

	rules, err := p.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}

	if p.lastSampleAt.IsZero() || now.Sub(p.lastSampleAt) >= p.sampleInterval(rules) {
		p.sample(ctx, deployments, now)
		p.lastSampleAt = now
	}

	p.accrueCost(ctx, deployments, now)
	return nil
}

// sampleInterval is the minimum of all enabled price_alert cadences.
func (p *PriceMonitor) sampleInterval(rules []model.AutomationRule) time.Duration {
	interval := p.opts.DefaultInterval
	for _, rule := range rules {
		if rule.Type != model.RulePriceAlert {
			continue
		}
		cfg, ok := rule.Config.(model.PriceAlertConfig)
		if !ok {
			continue
		}
		if cfg.Interval() < interval {
			interval = cfg.Interval()
		}
	}
	return interval
}

func (p *PriceMonitor) sample(ctx context.Context, deployments []model.Deployment, now time.Time) {
	gpuTypes := make(map[string]struct{})
	for _, dep := range deployments {
		gpuTypes[dep.GPUType] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.WorkerLimit)

	for gpuType := range gpuTypes {
		for _, prov := range p.registry.Providers() {
			gpuType, prov := gpuType, prov
			g.Go(func() error {
				p.sampleOne(gctx, prov, gpuType, now)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *PriceMonitor) sampleOne(ctx context.Context, prov model.Provider, gpuType string, now time.Time) {
	adapter, err := p.registry.Adapter(prov)
	if err != nil {
		return
	}

	price, err := adapter.CurrentPrice(ctx, gpuType)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PriceSampleFails.WithLabelValues(string(prov)).Inc()
		}
		if errors.Is(err, provider.ErrNoPrice) {
			p.logger.Debug().Str("provider", string(prov)).Str("gpu_type", gpuType).Msg("no quote for gpu type")
		} else {
			p.logger.Warn().Err(err).Str("provider", string(prov)).Str("gpu_type", gpuType).Msg("price query failed")
		}
		return
	}

	rec := model.PriceRecord{
		Provider:     prov,
		GPUType:      gpuType,
		PricePerHour: price,
		RecordedAt:   now,
	}
	if _, err := p.store.AppendPriceRecord(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("provider", string(prov)).Str("gpu_type", gpuType).Msg("failed to persist price record")
		return
	}

	p.cache.set(prov, gpuType, price)
	if p.metrics != nil {
		p.metrics.PriceSamples.WithLabelValues(string(prov)).Inc()
	}

	p.logger.Debug().
		Str("provider", string(prov)).
		Str("gpu_type", gpuType).
		Str("price_per_hour", price.String()).
		Msg("price sampled")
}

// accrueCost charges every running deployment for the wall-clock time since
// its last accrual at the freshest known rate. The watermark makes accrual
// safe to run on every tick.
func (p *PriceMonitor) accrueCost(ctx context.Context, deployments []model.Deployment, now time.Time) {
	for _, dep := range deployments {
		if dep.Status != model.StatusRunning {
			continue
		}

		if dep.CostUpdatedAt.IsZero() {
			// No watermark yet: start the meter without charging for
			// unknown history.
			if err := p.store.UpdateDeploymentCost(ctx, dep.ID, dep.CostAccumulated, now); err != nil {
				p.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to seed cost watermark")
			}
			continue
		}

		elapsed := now.Sub(dep.CostUpdatedAt)
		if elapsed <= 0 {
			continue
		}

		price, ok := p.latestPrice(ctx, dep.Provider, dep.GPUType)
		if !ok {
			p.logger.Debug().Int64("deployment_id", dep.ID).Msg("no price known yet, skipping accrual")
			continue
		}

		charge := price.
			Mul(decimal.NewFromInt(int64(dep.GPUCount))).
			Mul(decimal.NewFromFloat(elapsed.Seconds())).
			Div(secondsPerHour)
		newCost := dep.CostAccumulated.Add(charge)

		if err := p.store.UpdateDeploymentCost(ctx, dep.ID, newCost, now); err != nil {
			p.logger.Error().Err(err).Int64("deployment_id", dep.ID).Msg("failed to accrue cost")
			continue
		}

		p.logger.Debug().
			Int64("deployment_id", dep.ID).
			Str("charge_usd", charge.StringFixed(6)).
			Str("total_usd", newCost.StringFixed(6)).
			Msg("cost accrued")
	}
}

// latestPrice reads the cache first and falls back to the stored series.
func (p *PriceMonitor) latestPrice(ctx context.Context, prov model.Provider, gpuType string) (decimal.Decimal, bool) {
	price, ok, err := p.cache.lookup(ctx, p.store, prov, gpuType)
	if err != nil {
		p.logger.Error().Err(err).Str("gpu_type", gpuType).Msg("failed to read latest prices")
		return decimal.Decimal{}, false
	}
	return price, ok
}
