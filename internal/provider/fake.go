package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

// Fake is an in-memory adapter used by the simulate command and the engine
// tests. Health, prices, and failures are scripted by the caller.
type Fake struct {
	mu           sync.Mutex
	provider     model.Provider
	prices       map[string]decimal.Decimal
	reachable    map[string]bool
	latency      time.Duration
	failNext     map[string]error
	holds        map[string]chan struct{}
	calls        []string
	inFlight     map[string]int
	maxInFlight  map[string]int
	totalCalls   int
	startedCount int
}

// NewFake constructs a fake adapter reporting the given provider name.
func NewFake(p model.Provider) *Fake {
	return &Fake{
		provider:    p,
		prices:      make(map[string]decimal.Decimal),
		reachable:   make(map[string]bool),
		failNext:    make(map[string]error),
		holds:       make(map[string]chan struct{}),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// SetPrice scripts the current hourly rate for a GPU type.
func (f *Fake) SetPrice(gpuType string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[gpuType] = price
}

// SetReachable scripts probe reachability for an instance.
func (f *Fake) SetReachable(instanceID string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable[instanceID] = ok
}

// SetLatency makes every call sleep before answering.
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// FailNext scripts an error for the next call of the given operation
// (probe, start, stop, restart, price). Consumed once.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// HoldNext makes the next call of the given operation block until Release.
func (f *Fake) HoldNext(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[op] = make(chan struct{})
}

// Release unblocks every held call.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for op, ch := range f.holds {
		close(ch)
		delete(f.holds, op)
	}
}

// Calls returns the recorded operation log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// MaxInFlight reports the highest concurrent call count observed for an
// instance across all operations.
func (f *Fake) MaxInFlight(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight[instanceID]
}

// InFlight reports currently executing calls for an instance.
func (f *Fake) InFlight(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[instanceID]
}

// Name identifies the provider.
func (f *Fake) Name() model.Provider { return f.provider }

// Probe reports scripted reachability. Unknown instances are a permanent
// error, mirroring a provider rejecting an invalid id.
func (f *Fake) Probe(ctx context.Context, dep model.Deployment) (ProbeResult, error) {
	release, err := f.enter(ctx, "probe", dep.InstanceID)
	if err != nil {
		return ProbeResult{}, err
	}
	defer release()

	f.mu.Lock()
	reachable, known := f.reachable[dep.InstanceID]
	latency := f.latency
	f.mu.Unlock()

	if !known {
		return ProbeResult{}, fmt.Errorf("unknown instance %q", dep.InstanceID)
	}
	return ProbeResult{Reachable: reachable, ResponseTime: latency}, nil
}

// Start registers a fresh instance id when the deployment has none and marks
// it reachable.
func (f *Fake) Start(ctx context.Context, dep model.Deployment) (string, error) {
	release, err := f.enter(ctx, "start", dep.InstanceID)
	if err != nil {
		return "", err
	}
	defer release()

	instanceID := dep.InstanceID
	if instanceID == "" {
		instanceID = "sim-" + uuid.NewString()
	}

	f.mu.Lock()
	f.reachable[instanceID] = true
	f.startedCount++
	f.mu.Unlock()
	return instanceID, nil
}

// Stop marks the instance unreachable.
func (f *Fake) Stop(ctx context.Context, dep model.Deployment) error {
	release, err := f.enter(ctx, "stop", dep.InstanceID)
	if err != nil {
		return err
	}
	defer release()

	f.mu.Lock()
	f.reachable[dep.InstanceID] = false
	f.mu.Unlock()
	return nil
}

// Restart marks the instance reachable again.
func (f *Fake) Restart(ctx context.Context, dep model.Deployment) error {
	release, err := f.enter(ctx, "restart", dep.InstanceID)
	if err != nil {
		return err
	}
	defer release()

	f.mu.Lock()
	f.reachable[dep.InstanceID] = true
	f.mu.Unlock()
	return nil
}

// CurrentPrice returns the scripted rate for a GPU type.
func (f *Fake) CurrentPrice(ctx context.Context, gpuType string) (decimal.Decimal, error) {
	release, err := f.enter(ctx, "price", gpuType)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer release()

	f.mu.Lock()
	price, ok := f.prices[gpuType]
	f.mu.Unlock()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s on %s", ErrNoPrice, gpuType, f.provider)
	}
	return price, nil
}

// enter records the call, applies scripted failures and holds, and tracks
// per-instance concurrency. The returned func must be deferred.
func (f *Fake) enter(ctx context.Context, op, key string) (func(), error) {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+key)
	f.totalCalls++
	f.inFlight[key]++
	if f.inFlight[key] > f.maxInFlight[key] {
		f.maxInFlight[key] = f.inFlight[key]
	}
	scripted := f.failNext[op]
	delete(f.failNext, op)
	hold := f.holds[op]
	delete(f.holds, op)
	latency := f.latency
	f.mu.Unlock()

	release := func() {
		f.mu.Lock()
		f.inFlight[key]--
		f.mu.Unlock()
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		release()
		return nil, scripted
	}
	return release, nil
}

var _ Adapter = (*Fake)(nil)
