package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gpufleet/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN switches
// the app to the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// EngineConfig governs the monitoring and evaluation cadence.
type EngineConfig struct {
	HealthTick       time.Duration `mapstructure:"health_tick"`
	PriceTick        time.Duration `mapstructure:"price_tick"`
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	WorkerLimit      int           `mapstructure:"worker_limit"`
	ActionGrace      time.Duration `mapstructure:"action_grace"`
	DeadmanInterval  time.Duration `mapstructure:"deadman_interval"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	AlignTicks       bool          `mapstructure:"align_ticks"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
}

// ProvidersConfig wires the per-provider adapters.
type ProvidersConfig struct {
	Local  LocalProviderConfig  `mapstructure:"local"`
	RunPod RemoteProviderConfig `mapstructure:"runpod"`
	Vast   RemoteProviderConfig `mapstructure:"vast"`
}

// LocalProviderConfig drives the adapter for instances reachable on the
// local network. Prices are quoted per GPU type in USD per hour.
type LocalProviderConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	ProbeScheme    string            `mapstructure:"probe_scheme"`
	ProbePath      string            `mapstructure:"probe_path"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Prices         map[string]string `mapstructure:"prices"`
}

// RemoteProviderConfig covers REST-backed cloud providers.
type RemoteProviderConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AlertingConfig defines notification routing. The execution log is always
// written; the sink only controls where notify actions are delivered.
type AlertingConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Sink    string     `mapstructure:"sink"`
	NATS    NATSConfig `mapstructure:"nats"`
}

// NATSConfig captures broker connectivity for the nats sink.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// APIConfig sets HTTP server behaviour.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GPUFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gpufleet")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.health_tick", "10s")
	v.SetDefault("engine.price_tick", "60s")
	v.SetDefault("engine.evaluate_interval", "30s")
	v.SetDefault("engine.probe_timeout", "5s")
	v.SetDefault("engine.worker_limit", 8)
	v.SetDefault("engine.action_grace", "30s")
	v.SetDefault("engine.deadman_interval", "10m")
	v.SetDefault("engine.advisory_lock_key", int64(0x67707546))
	v.SetDefault("engine.align_ticks", true)
	v.SetDefault("engine.startup_delay", "0s")

	v.SetDefault("providers.local.enabled", true)
	v.SetDefault("providers.local.probe_scheme", "http")
	v.SetDefault("providers.local.probe_path", "/healthz")
	v.SetDefault("providers.local.request_timeout", "5s")

	v.SetDefault("providers.runpod.enabled", false)
	v.SetDefault("providers.runpod.request_timeout", "10s")
	v.SetDefault("providers.runpod.user_agent", "gpufleet/1.0")

	v.SetDefault("providers.vast.enabled", false)
	v.SetDefault("providers.vast.request_timeout", "10s")
	v.SetDefault("providers.vast.user_agent", "gpufleet/1.0")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.sink", "log")
	v.SetDefault("alerting.nats.subject_prefix", "gpufleet.alerts")
	v.SetDefault("alerting.nats.name", "gpufleet")
	v.SetDefault("alerting.nats.max_reconnects", 10)
	v.SetDefault("alerting.nats.reconnect_wait", "2s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Engine.HealthTick <= 0 {
		return fmt.Errorf("engine.health_tick must be greater than zero")
	}
	if c.Engine.PriceTick <= 0 {
		return fmt.Errorf("engine.price_tick must be greater than zero")
	}
	if c.Engine.EvaluateInterval <= 0 {
		return fmt.Errorf("engine.evaluate_interval must be greater than zero")
	}
	if c.Engine.ProbeTimeout <= 0 {
		return fmt.Errorf("engine.probe_timeout must be greater than zero")
	}
	if c.Engine.WorkerLimit <= 0 {
		return fmt.Errorf("engine.worker_limit must be greater than zero")
	}
	if !c.Providers.Local.Enabled && !c.Providers.RunPod.Enabled && !c.Providers.Vast.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}
	if c.Providers.RunPod.Enabled && c.Providers.RunPod.BaseURL == "" {
		return fmt.Errorf("providers.runpod.base_url must be configured")
	}
	if c.Providers.Vast.Enabled && c.Providers.Vast.BaseURL == "" {
		return fmt.Errorf("providers.vast.base_url must be configured")
	}
	switch c.Alerting.Sink {
	case "log", "nats":
	default:
		return fmt.Errorf("alerting.sink must be log or nats, got %q", c.Alerting.Sink)
	}
	if c.Alerting.Sink == "nats" && c.Alerting.NATS.URL == "" {
		return fmt.Errorf("alerting.nats.url must be configured")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must be configured")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
