package model

import "time"

// ActionType enumerates the actions the automation engine can take.
type ActionType string

const (
	ActionRestart ActionType = "restart"
	ActionStop    ActionType = "stop"
	ActionStart   ActionType = "start"
	ActionMigrate ActionType = "migrate"
	ActionNotify  ActionType = "notify"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionRestart, ActionStop, ActionStart, ActionMigrate, ActionNotify:
		return true
	}
	return false
}

// ProviderAction reports whether the action requires a provider adapter call.
func (a ActionType) ProviderAction() bool { return a != ActionNotify }

// ExecutionStatus is the outcome class of one automation decision.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// ExecutionLog is one append-only audit record. Exactly one row is written
// per evaluator decision that produced an observable action or an explicit
// skip; rows are never mutated.
type ExecutionLog struct {
	ID                 int64           `json:"id"`
	RuleID             *int64          `json:"rule_id,omitempty"`
	TriggerReason      string          `json:"trigger_reason"`
	ActionTaken        ActionType      `json:"action_taken"`
	TargetDeploymentID *int64          `json:"target_deployment_id,omitempty"`
	Status             ExecutionStatus `json:"status"`
	ResultMessage      string          `json:"result_message"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	ExecutedAt         time.Time       `json:"executed_at"`
}
