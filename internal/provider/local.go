package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

// Agent endpoints exposed by locally managed instances. The probe path is
// configurable; action paths are fixed.
const (
	localStartPath   = "/start"
	localStopPath    = "/stop"
	localRestartPath = "/restart"
)

// LocalOptions parameterise the adapter for instances on the local network.
// Prices quote USD per hour per GPU type, as decimal strings.
type LocalOptions struct {
	Scheme    string
	ProbePath string
	Timeout   time.Duration
	Prices    map[string]string
}

// Local manages GPU boxes reachable over the local network. The deployment's
// instance id is the agent's host:port address.
type Local struct {
	opts   LocalOptions
	logger zerolog.Logger
	client *http.Client
	prices map[string]decimal.Decimal
}

// NewLocal constructs the local adapter. Configured prices are validated here
// so malformed values fail startup rather than a monitoring tick.
func NewLocal(opts LocalOptions, logger zerolog.Logger) (*Local, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.ProbePath == "" {
		opts.ProbePath = "/healthz"
	}

	prices := make(map[string]decimal.Decimal, len(opts.Prices))
	for gpuType, raw := range opts.Prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse local price for %s: %w", gpuType, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("local price for %s cannot be negative", gpuType)
		}
		prices[gpuType] = price
	}

	return &Local{
		opts:   opts,
		logger: logger.With().Str("component", "local_provider").Logger(),
		client: &http.Client{Timeout: timeout},
		prices: prices,
	}, nil
}

// Name identifies the provider.
func (l *Local) Name() model.Provider { return model.ProviderLocal }

// Probe checks the instance agent's health endpoint and measures latency.
// A non-2xx response means the agent answered but the workload is not
// serving; that is reported as unreachable, not as an error.
func (l *Local) Probe(ctx context.Context, dep model.Deployment) (ProbeResult, error) {
	if dep.InstanceID == "" {
		return ProbeResult{}, fmt.Errorf("local deployment %d has no instance address", dep.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint(dep.InstanceID, l.opts.ProbePath), nil)
	if err != nil {
		return ProbeResult{}, err
	}

	started := time.Now()
	resp, err := l.client.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return ProbeResult{ResponseTime: elapsed}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return ProbeResult{
		Reachable:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		ResponseTime: elapsed,
	}, nil
}

// Start asks the instance agent to bring the workload up. Local instances are
// pre-provisioned, so the address never changes.
func (l *Local) Start(ctx context.Context, dep model.Deployment) (string, error) {
	if dep.InstanceID == "" {
		return "", fmt.Errorf("local deployment %d has no instance address", dep.ID)
	}
	if err := l.action(ctx, dep.InstanceID, localStartPath); err != nil {
		return "", err
	}
	return dep.InstanceID, nil
}

// Stop asks the instance agent to bring the workload down.
func (l *Local) Stop(ctx context.Context, dep model.Deployment) error {
	if dep.InstanceID == "" {
		return fmt.Errorf("local deployment %d has no instance address", dep.ID)
	}
	return l.action(ctx, dep.InstanceID, localStopPath)
}

// Restart asks the instance agent to cycle the workload.
func (l *Local) Restart(ctx context.Context, dep model.Deployment) error {
	if dep.InstanceID == "" {
		return fmt.Errorf("local deployment %d has no instance address", dep.ID)
	}
	return l.action(ctx, dep.InstanceID, localRestartPath)
}

// CurrentPrice returns the configured rate for a GPU type.
func (l *Local) CurrentPrice(_ context.Context, gpuType string) (decimal.Decimal, error) {
	price, ok := l.prices[gpuType]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s on %s", ErrNoPrice, gpuType, model.ProviderLocal)
	}
	return price, nil
}

func (l *Local) action(ctx context.Context, addr, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint(addr, path), nil)
	if err != nil {
		return err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("local agent %s%s returned %d: %s", addr, path, resp.StatusCode, strings.TrimSpace(string(payload))))
	default:
		return fmt.Errorf("local agent %s%s returned %d: %s", addr, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

func (l *Local) endpoint(addr, path string) string {
	return l.opts.Scheme + "://" + addr + path
}

var _ Adapter = (*Local)(nil)
