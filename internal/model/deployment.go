package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the cloud a deployment is rented from.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderRunPod Provider = "runpod"
	ProviderVast   Provider = "vast"
)

// Providers lists every provider the platform knows about.
func Providers() []Provider {
	return []Provider{ProviderLocal, ProviderRunPod, ProviderVast}
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderLocal, ProviderRunPod, ProviderVast:
		return true
	}
	return false
}

// DeploymentStatus is a deployment's lifecycle position.
type DeploymentStatus string

const (
	StatusCreating DeploymentStatus = "creating"
	StatusRunning  DeploymentStatus = "running"
	StatusStopped  DeploymentStatus = "stopped"
	StatusError    DeploymentStatus = "error"
	StatusDeleted  DeploymentStatus = "deleted"
)

// Valid reports whether s is a known lifecycle status.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopped, StatusError, StatusDeleted:
		return true
	}
	return false
}

// HealthState is the observational sub-state layered over a running
// deployment. It is written by the health monitor and never drives the
// lifecycle status directly.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Deployment is the registry record for one rented GPU instance.
type Deployment struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	Provider        Provider         `json:"provider"`
	InstanceID      string           `json:"instance_id"`
	GPUType         string           `json:"gpu_type"`
	GPUCount        int              `json:"gpu_count"`
	Status          DeploymentStatus `json:"status"`
	Health          HealthState      `json:"health"`
	CostAccumulated decimal.Decimal  `json:"cost_accumulated_usd"`
	CostUpdatedAt   time.Time        `json:"cost_updated_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CanTransition reports whether the lifecycle state machine permits moving
// from one status to another. Error is terminal for automation: leaving it
// requires an explicit operator reset, which is modelled as error→stopped.
func CanTransition(from, to DeploymentStatus) bool {
	if from == to {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	switch from {
	case StatusCreating:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusStopped || to == StatusError
	case StatusStopped:
		return to == StatusRunning
	case StatusError:
		return to == StatusStopped
	case StatusDeleted:
		return false
	}
	return false
}

// Active reports whether the deployment still participates in monitoring.
func (d Deployment) Active() bool {
	return d.Status != StatusDeleted
}
