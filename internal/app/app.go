package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gpufleet/internal/alerting"
	"gpufleet/internal/api"
	"gpufleet/internal/config"
	"gpufleet/internal/engine"
	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore returns the configured backend. An empty DSN selects the
// in-memory store, which serves development and simulation runs.
func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return storage.NewMemory(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// buildRegistry constructs one adapter per enabled provider.
func (a *App) buildRegistry() (*provider.Registry, error) {
	var adapters []provider.Adapter

	if cfg := a.Config.Providers.Local; cfg.Enabled {
		local, err := provider.NewLocal(provider.LocalOptions{
			Scheme:    cfg.ProbeScheme,
			ProbePath: cfg.ProbePath,
			Timeout:   cfg.RequestTimeout,
			Prices:    cfg.Prices,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, local)
	}
	if cfg := a.Config.Providers.RunPod; cfg.Enabled {
		adapters = append(adapters, provider.NewRemote(provider.RemoteOptions{
			Provider:  model.ProviderRunPod,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, a.Logger))
	}
	if cfg := a.Config.Providers.Vast; cfg.Enabled {
		adapters = append(adapters, provider.NewRemote(provider.RemoteOptions{
			Provider:  model.ProviderVast,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, a.Logger))
	}

	return provider.NewRegistry(adapters...), nil
}

// newNotifier resolves the alert sink. The returned closer is a no-op for
// sinks without connection state.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	if !a.Config.Alerting.Enabled {
		return nil, func() {}, nil
	}
	if a.Config.Alerting.Sink == "nats" {
		cfg := a.Config.Alerting.NATS
		notifier, err := alerting.NewNATSNotifier(alerting.NATSOptions{
			URL:           cfg.URL,
			SubjectPrefix: cfg.SubjectPrefix,
			Name:          cfg.Name,
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: cfg.ReconnectWait,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return notifier, notifier.Close, nil
	}
	return alerting.NewLogNotifier(a.Logger), func() {}, nil
}

// Run executes the long-running automation engine plus the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.buildRegistry()
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(promRegistry)

	eng := engine.New(a.Config.Engine, store, registry, notifier, metrics, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if a.Config.API.Enabled {
		server := api.NewServer(a.Config.API, store, eng, registry, promRegistry, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	a.Logger.Info().Str("environment", a.Config.App.Environment).Msg("gpufleet starting")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gpufleet stopped")
	return nil
}

// ExportOptions hold parameters for exporting the price series.
type ExportOptions struct {
	Provider  string
	GPUType   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PruneOptions configure history retention.
type PruneOptions struct {
	KeepChecks     int
	PriceRetention time.Duration
}
