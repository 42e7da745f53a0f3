package model

import "time"

// HealthCheckStatus classifies a single probe outcome.
type HealthCheckStatus string

const (
	CheckHealthy   HealthCheckStatus = "healthy"
	CheckUnhealthy HealthCheckStatus = "unhealthy"
	CheckTimeout   HealthCheckStatus = "timeout"
	CheckError     HealthCheckStatus = "error"
)

// Healthy reports whether the probe outcome counts toward uptime.
func (s HealthCheckStatus) Healthy() bool { return s == CheckHealthy }

// HealthCheck is one probe result. Rows are append-only and pruned to a
// bounded rolling window per deployment.
type HealthCheck struct {
	ID             int64             `json:"id"`
	DeploymentID   int64             `json:"deployment_id"`
	Status         HealthCheckStatus `json:"status"`
	ResponseTimeMS *int64            `json:"response_time_ms,omitempty"`
	CheckedAt      time.Time         `json:"checked_at"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
}

// HealthSnapshot is the read-only projection of a deployment's current
// health served to the UI layer.
type HealthSnapshot struct {
	DeploymentID        int64       `json:"deployment_id"`
	Health              HealthState `json:"health"`
	UptimePercent24h    float64     `json:"uptime_percent_24h"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCheckedAt       *time.Time  `json:"last_checked_at,omitempty"`
	UnhealthySince      *time.Time  `json:"unhealthy_since,omitempty"`
	RestartCount        int         `json:"restart_count"`
}
