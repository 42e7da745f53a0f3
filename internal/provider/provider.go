package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

// ErrNotRegistered is returned when no adapter exists for a provider.
var ErrNotRegistered = errors.New("provider not registered")

// ErrNoPrice is returned when an adapter has no quote for a GPU type.
var ErrNoPrice = errors.New("no price for gpu type")

// ProbeResult reports one reachability check against a deployment instance.
type ProbeResult struct {
	Reachable    bool
	ResponseTime time.Duration
}

// Adapter is the capability set the engine consumes per provider. The engine
// never speaks a provider's native protocol directly.
type Adapter interface {
	Name() model.Provider
	Probe(ctx context.Context, dep model.Deployment) (ProbeResult, error)
	// Start provisions or resumes the instance and returns its provider-native id.
	Start(ctx context.Context, dep model.Deployment) (string, error)
	Stop(ctx context.Context, dep model.Deployment) error
	Restart(ctx context.Context, dep model.Deployment) error
	CurrentPrice(ctx context.Context, gpuType string) (decimal.Decimal, error)
}

// Registry holds the adapters configured at startup, keyed by provider name.
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Adapter resolves the adapter for a provider.
func (r *Registry) Adapter(p model.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, p)
	}
	return a, nil
}

// Providers lists the registered provider names in enum order.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.adapters))
	for _, p := range model.Providers() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Migrate moves a deployment to another provider: teardown on the source,
// fresh start on the target. Returns the new provider-native instance id.
// The source stop is attempted first so a failed target start never leaves
// two billable instances behind.
func (r *Registry) Migrate(ctx context.Context, dep model.Deployment, target model.Provider) (string, error) {
	source, err := r.Adapter(dep.Provider)
	if err != nil {
		return "", err
	}
	dest, err := r.Adapter(target)
	if err != nil {
		return "", err
	}

	if err := source.Stop(ctx, dep); err != nil {
		return "", fmt.Errorf("stop on %s: %w", dep.Provider, err)
	}

	moved := dep
	moved.Provider = target
	moved.InstanceID = ""

	instanceID, err := dest.Start(ctx, moved)
	if err != nil {
		return "", fmt.Errorf("start on %s: %w", target, err)
	}
	return instanceID, nil
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks an adapter error as retryable: network failures, timeouts,
// provider 5xx. Unmarked errors are treated as permanent rejections.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by an adapter.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
