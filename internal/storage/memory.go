package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gpufleet/internal/model"
)

// Memory is an in-process Backend. It backs the simulate command and runs
// the whole engine when no database DSN is configured; nothing survives a
// process restart.
type Memory struct {
	mu sync.Mutex

	deployments map[int64]model.Deployment
	rules       map[int64]model.AutomationRule
	checks      map[int64][]model.HealthCheck
	prices      []model.PriceRecord
	executions  []model.ExecutionLog

	nextDeploymentID int64
	nextRuleID       int64
	nextCheckID      int64
	nextPriceID      int64
	nextExecutionID  int64
}

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[int64]model.Deployment),
		rules:       make(map[int64]model.AutomationRule),
		checks:      make(map[int64][]model.HealthCheck),
	}
}

// CreateDeployment registers a deployment, enforcing one live registry entry
// per (provider, instance id).
func (m *Memory) CreateDeployment(_ context.Context, dep model.Deployment) (model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dep.InstanceID != "" {
		for _, existing := range m.deployments {
			if existing.Status == model.StatusDeleted {
				continue
			}
			if existing.Provider == dep.Provider && existing.InstanceID == dep.InstanceID {
				return model.Deployment{}, ErrDuplicateInstance
			}
		}
	}

	m.nextDeploymentID++
	now := time.Now().UTC()
	dep.ID = m.nextDeploymentID
	dep.CreatedAt = now
	dep.UpdatedAt = now
	if dep.CostUpdatedAt.IsZero() {
		dep.CostUpdatedAt = now
	}
	m.deployments[dep.ID] = dep
	return dep, nil
}

// GetDeployment fetches one deployment by id.
func (m *Memory) GetDeployment(_ context.Context, id int64) (model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[id]
	if !ok {
		return model.Deployment{}, ErrNotFound
	}
	return dep, nil
}

// ListDeployments lists every non-deleted deployment ordered by id.
func (m *Memory) ListDeployments(_ context.Context) ([]model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deps := make([]model.Deployment, 0, len(m.deployments))
	for _, dep := range m.deployments {
		if dep.Status == model.StatusDeleted {
			continue
		}
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps, nil
}

// ListDeploymentsByStatus lists deployments in a given lifecycle state.
func (m *Memory) ListDeploymentsByStatus(_ context.Context, status model.DeploymentStatus) ([]model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deps := make([]model.Deployment, 0)
	for _, dep := range m.deployments {
		if dep.Status == status {
			deps = append(deps, dep)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps, nil
}

// UpdateDeploymentStatus writes a lifecycle transition.
func (m *Memory) UpdateDeploymentStatus(_ context.Context, id int64, status model.DeploymentStatus) error {
	return m.mutateDeployment(id, func(dep *model.Deployment) {
		dep.Status = status
	})
}

// UpdateDeploymentHealth writes the derived health state.
func (m *Memory) UpdateDeploymentHealth(_ context.Context, id int64, health model.HealthState) error {
	return m.mutateDeployment(id, func(dep *model.Deployment) {
		dep.Health = health
	})
}

// UpdateDeploymentCost writes the accumulated cost and its accrual watermark.
func (m *Memory) UpdateDeploymentCost(_ context.Context, id int64, cost decimal.Decimal, at time.Time) error {
	return m.mutateDeployment(id, func(dep *model.Deployment) {
		dep.CostAccumulated = cost
		dep.CostUpdatedAt = at
	})
}

// UpdateDeploymentInstance rebinds a deployment to a provider instance.
func (m *Memory) UpdateDeploymentInstance(_ context.Context, id int64, provider model.Provider, instanceID string) error {
	return m.mutateDeployment(id, func(dep *model.Deployment) {
		dep.Provider = provider
		dep.InstanceID = instanceID
	})
}

// DeleteDeployment tombstones the registry entry.
func (m *Memory) DeleteDeployment(_ context.Context, id int64) error {
	return m.mutateDeployment(id, func(dep *model.Deployment) {
		dep.Status = model.StatusDeleted
	})
}

func (m *Memory) mutateDeployment(id int64, mutate func(dep *model.Deployment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&dep)
	dep.UpdatedAt = time.Now().UTC()
	m.deployments[id] = dep
	return nil
}

// CreateRule persists a validated automation rule.
func (m *Memory) CreateRule(_ context.Context, rule model.AutomationRule) (model.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRuleID++
	now := time.Now().UTC()
	rule.ID = m.nextRuleID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.rules[rule.ID] = rule
	return rule, nil
}

// GetRule fetches one rule by id.
func (m *Memory) GetRule(_ context.Context, id int64) (model.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return model.AutomationRule{}, ErrNotFound
	}
	return rule, nil
}

// ListRules lists every rule ordered by id.
func (m *Memory) ListRules(_ context.Context) ([]model.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRulesLocked(false), nil
}

// ListEnabledRules lists the rules the evaluator runs against.
func (m *Memory) ListEnabledRules(_ context.Context) ([]model.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listRulesLocked(true), nil
}

func (m *Memory) listRulesLocked(enabledOnly bool) []model.AutomationRule {
	rules := make([]model.AutomationRule, 0, len(m.rules))
	for _, rule := range m.rules {
		if enabledOnly && !rule.Enabled {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// SetRuleEnabled toggles a rule on or off.
func (m *Memory) SetRuleEnabled(_ context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now().UTC()
	m.rules[id] = rule
	return nil
}

// UpdateRuleConfig replaces a rule's config payload.
func (m *Memory) UpdateRuleConfig(_ context.Context, id int64, cfg model.RuleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Config = cfg
	rule.UpdatedAt = time.Now().UTC()
	m.rules[id] = rule
	return nil
}

// DeleteRule removes a rule permanently.
func (m *Memory) DeleteRule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

// AppendHealthCheck records one probe outcome.
func (m *Memory) AppendHealthCheck(_ context.Context, check model.HealthCheck) (model.HealthCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCheckID++
	check.ID = m.nextCheckID
	m.checks[check.DeploymentID] = append(m.checks[check.DeploymentID], check)
	return check, nil
}

// ListRecentHealthChecks returns the newest probes first.
func (m *Memory) ListRecentHealthChecks(_ context.Context, deploymentID int64, limit int) ([]model.HealthCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.checks[deploymentID]
	out := make([]model.HealthCheck, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// UptimePercent computes healthy checks over total checks since the given
// time. No checks at all reads as 100.
func (m *Memory) UptimePercent(_ context.Context, deploymentID int64, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var healthy, total int
	for _, check := range m.checks[deploymentID] {
		if check.CheckedAt.Before(since) {
			continue
		}
		total++
		if check.Status == model.CheckHealthy {
			healthy++
		}
	}
	if total == 0 {
		return 100, nil
	}
	return float64(healthy) / float64(total) * 100, nil
}

// PruneHealthChecks trims a deployment's history to the most recent keep rows.
func (m *Memory) PruneHealthChecks(_ context.Context, deploymentID int64, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.checks[deploymentID]
	if len(history) <= keep {
		return nil
	}
	trimmed := make([]model.HealthCheck, keep)
	copy(trimmed, history[len(history)-keep:])
	m.checks[deploymentID] = trimmed
	return nil
}

// AppendPriceRecord persists one market sample.
func (m *Memory) AppendPriceRecord(_ context.Context, rec model.PriceRecord) (model.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPriceID++
	rec.ID = m.nextPriceID
	m.prices = append(m.prices, rec)
	return rec, nil
}

// ListPriceRecords returns one (provider, gpu type) series inside a window,
// oldest first.
func (m *Memory) ListPriceRecords(_ context.Context, provider model.Provider, gpuType string, from, to time.Time) ([]model.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.PriceRecord, 0)
	for _, rec := range m.prices {
		if rec.Provider != provider || rec.GPUType != gpuType {
			continue
		}
		if rec.RecordedAt.Before(from) || !rec.RecordedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// LatestPrices returns the newest sample per provider for a GPU type.
func (m *Memory) LatestPrices(_ context.Context, gpuType string) (map[model.Provider]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latestAt := make(map[model.Provider]time.Time)
	latest := make(map[model.Provider]decimal.Decimal)
	for _, rec := range m.prices {
		if rec.GPUType != gpuType {
			continue
		}
		if at, ok := latestAt[rec.Provider]; ok && rec.RecordedAt.Before(at) {
			continue
		}
		latestAt[rec.Provider] = rec.RecordedAt
		latest[rec.Provider] = rec.PricePerHour
	}
	return latest, nil
}

// DeletePriceRecordsBefore drops samples older than the retention horizon.
func (m *Memory) DeletePriceRecordsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.prices[:0]
	var removed int64
	for _, rec := range m.prices {
		if rec.RecordedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.prices = kept
	return removed, nil
}

// AppendExecution records one automation decision.
func (m *Memory) AppendExecution(_ context.Context, entry model.ExecutionLog) (model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextExecutionID++
	entry.ID = m.nextExecutionID
	m.executions = append(m.executions, entry)
	return entry, nil
}

// ListExecutions returns the global audit trail, newest first.
func (m *Memory) ListExecutions(_ context.Context, limit int) ([]model.ExecutionLog, error) {
	return m.filterExecutions(limit, func(model.ExecutionLog) bool { return true })
}

// ListExecutionsByRule returns one rule's audit trail, newest first.
func (m *Memory) ListExecutionsByRule(_ context.Context, ruleID int64, limit int) ([]model.ExecutionLog, error) {
	return m.filterExecutions(limit, func(entry model.ExecutionLog) bool {
		return entry.RuleID != nil && *entry.RuleID == ruleID
	})
}

// ListExecutionsByDeployment returns one deployment's audit trail, newest first.
func (m *Memory) ListExecutionsByDeployment(_ context.Context, deploymentID int64, limit int) ([]model.ExecutionLog, error) {
	return m.filterExecutions(limit, func(entry model.ExecutionLog) bool {
		return entry.TargetDeploymentID != nil && *entry.TargetDeploymentID == deploymentID
	})
}

func (m *Memory) filterExecutions(limit int, keep func(model.ExecutionLog) bool) ([]model.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ExecutionLog, 0, limit)
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(m.executions[i]) {
			out = append(out, m.executions[i])
		}
	}
	return out, nil
}

// CountExecutions counts the audit trail.
func (m *Memory) CountExecutions(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.executions)), nil
}

var _ Backend = (*Memory)(nil)
