package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

// deploymentState is the engine's in-memory view of one deployment: probe
// streaks, restart budget, and price-alert baselines live here rather than in
// the database because they are derived and cheap to rebuild after a restart.
type deploymentState struct {
	consecutiveFailures int
	unhealthySince      *time.Time
	healthySince        *time.Time
	lastCheckedAt       *time.Time
	lastPricedAt        *time.Time
	restartCount        int
}

type baselineKey struct {
	ruleID       int64
	deploymentID int64
}

// tracker guards all per-deployment runtime state. Health and price ticks
// write it; the evaluator reads it; everything is in-memory and non-blocking.
type tracker struct {
	mu        sync.Mutex
	states    map[int64]*deploymentState
	baselines map[baselineKey]decimal.Decimal
}

func newTracker() *tracker {
	return &tracker{
		states:    make(map[int64]*deploymentState),
		baselines: make(map[baselineKey]decimal.Decimal),
	}
}

func (t *tracker) state(deploymentID int64) *deploymentState {
	st, ok := t.states[deploymentID]
	if !ok {
		st = &deploymentState{}
		t.states[deploymentID] = st
	}
	return st
}

// RecordCheck folds one probe outcome into the streak counters. The
// unhealthy span starts at the first failing check of the current run.
func (t *tracker) RecordCheck(deploymentID int64, status model.HealthCheckStatus, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(deploymentID)
	checked := at
	st.lastCheckedAt = &checked

	if status.Healthy() {
		st.consecutiveFailures = 0
		st.unhealthySince = nil
		if st.healthySince == nil {
			since := at
			st.healthySince = &since
		}
		return
	}

	st.consecutiveFailures++
	st.healthySince = nil
	if st.unhealthySince == nil {
		since := at
		st.unhealthySince = &since
	}
}

// RestartExecuted bumps the restart budget and restarts the unhealthy clock:
// the continuous-unhealthy span must re-accumulate before the next restart
// can trigger.
func (t *tracker) RestartExecuted(deploymentID int64, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(deploymentID)
	st.restartCount++
	if st.unhealthySince != nil {
		since := at
		st.unhealthySince = &since
	}
	return st.restartCount
}

// MaybeResetRestarts clears the restart budget once the deployment has been
// continuously healthy for at least hold. Brief recoveries between failures
// keep the budget, so flapping still exhausts it.
func (t *tracker) MaybeResetRestarts(deploymentID int64, now time.Time, hold time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(deploymentID)
	if st.restartCount == 0 || st.healthySince == nil {
		return
	}
	if now.Sub(*st.healthySince) >= hold {
		st.restartCount = 0
	}
}

// Snapshot copies the runtime state for one deployment.
func (t *tracker) Snapshot(deploymentID int64) deploymentState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[deploymentID]
	if !ok {
		return deploymentState{}
	}
	return *st
}

// MarkPriced records when a deployment's price stream was last sampled.
func (t *tracker) MarkPriced(deploymentID int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(deploymentID)
	priced := at
	st.lastPricedAt = &priced
}

// Baseline returns the last-fired price baseline for a (rule, deployment)
// pair.
func (t *tracker) Baseline(ruleID, deploymentID int64) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	price, ok := t.baselines[baselineKey{ruleID: ruleID, deploymentID: deploymentID}]
	return price, ok
}

// SetBaseline rebases the price baseline after an alert fires, or seeds it on
// first observation.
func (t *tracker) SetBaseline(ruleID, deploymentID int64, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.baselines[baselineKey{ruleID: ruleID, deploymentID: deploymentID}] = price
}

// Forget drops all runtime state for a deployment, used when it is deleted.
func (t *tracker) Forget(deploymentID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, deploymentID)
	for key := range t.baselines {
		if key.deploymentID == deploymentID {
			delete(t.baselines, key)
		}
	}
}
