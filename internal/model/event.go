package model

import "time"

// EventKind classifies a notifier event.
type EventKind string

const (
	EventPriceAlert EventKind = "price_alert"
	EventRestart    EventKind = "restart"
	EventCostLimit  EventKind = "cost_limit"
)

// Event is what the engine hands to the notifier. Delivery (email, Telegram,
// webhook) happens outside this repository.
type Event struct {
	DeploymentID int64     `json:"deployment_id"`
	RuleID       int64     `json:"rule_id"`
	Kind         EventKind `json:"kind"`
	Message      string    `json:"message"`
	OccurredAt   time.Time `json:"occurred_at"`
}
