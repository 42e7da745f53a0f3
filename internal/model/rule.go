package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

// RuleType enumerates the closed set of automation rule kinds.
type RuleType string

const (
	RuleHealthCheck RuleType = "health_check"
	RuleAutoRestart RuleType = "auto_restart"
	RuleCostLimit   RuleType = "cost_limit"
	RulePriceAlert  RuleType = "price_alert"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleHealthCheck, RuleAutoRestart, RuleCostLimit, RulePriceAlert:
		return true
	}
	return false
}

// RuleConfig is the tagged-union payload of an automation rule. Exactly one
// concrete config type exists per RuleType; configs are validated at rule
// creation so the evaluator never sees a malformed one.
type RuleConfig interface {
	Type() RuleType
	Validate() error
}

// HealthCheckConfig governs probe cadence for the target deployment(s).
type HealthCheckConfig struct {
	CheckIntervalSec int `json:"check_interval_sec" mapstructure:"check_interval_sec"`
	TimeoutSec       int `json:"timeout_sec" mapstructure:"timeout_sec"`
}

func (c HealthCheckConfig) Type() RuleType { return RuleHealthCheck }

func (c HealthCheckConfig) Validate() error {
	if c.CheckIntervalSec < 5 {
		return fmt.Errorf("check_interval_sec must be at least 5, got %d", c.CheckIntervalSec)
	}
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout_sec must be at least 1, got %d", c.TimeoutSec)
	}
	if c.TimeoutSec >= c.CheckIntervalSec {
		return fmt.Errorf("timeout_sec (%d) must be smaller than check_interval_sec (%d)", c.TimeoutSec, c.CheckIntervalSec)
	}
	return nil
}

// Interval returns the probe cadence as a duration.
func (c HealthCheckConfig) Interval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// Timeout returns the per-probe deadline as a duration.
func (c HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// AutoRestartConfig restarts a deployment after a continuous unhealthy
// span, giving up for good once MaxRetries restarts have not produced a
// sustained recovery.
type AutoRestartConfig struct {
	UnhealthyThresholdSec int `json:"unhealthy_threshold_sec" mapstructure:"unhealthy_threshold_sec"`
	MaxRetries            int `json:"max_retries" mapstructure:"max_retries"`
}

func (c AutoRestartConfig) Type() RuleType { return RuleAutoRestart }

func (c AutoRestartConfig) Validate() error {
	if c.UnhealthyThresholdSec < 10 {
		return fmt.Errorf("unhealthy_threshold_sec must be at least 10, got %d", c.UnhealthyThresholdSec)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("max_retries must be between 1 and 20, got %d", c.MaxRetries)
	}
	return nil
}

// Threshold returns the continuous unhealthy span required before a restart.
func (c AutoRestartConfig) Threshold() time.Duration {
	return time.Duration(c.UnhealthyThresholdSec) * time.Second
}

// CostLimitConfig stops a deployment once its accumulated cost crosses the
// budget. Stop is the only supported action.
type CostLimitConfig struct {
	MaxCostUSD decimal.Decimal `json:"max_cost_usd" mapstructure:"max_cost_usd"`
	Action     string          `json:"action" mapstructure:"action"`
}

func (c CostLimitConfig) Type() RuleType { return RuleCostLimit }

func (c CostLimitConfig) Validate() error {
	if !c.MaxCostUSD.IsPositive() {
		return fmt.Errorf("max_cost_usd must be greater than zero, got %s", c.MaxCostUSD)
	}
	if c.Action != "" && c.Action != "stop" {
		return fmt.Errorf("unsupported cost_limit action %q", c.Action)
	}
	return nil
}

// PriceAlertConfig emits a notification when the market price moves by more
// than ThresholdPercentage relative to the rule's last-fired baseline.
type PriceAlertConfig struct {
	ThresholdPercentage float64 `json:"threshold_percentage" mapstructure:"threshold_percentage"`
	CheckIntervalMin    int     `json:"check_interval_min" mapstructure:"check_interval_min"`
}

func (c PriceAlertConfig) Type() RuleType { return RulePriceAlert }

func (c PriceAlertConfig) Validate() error {
	if c.ThresholdPercentage <= 0 {
		return fmt.Errorf("threshold_percentage must be greater than zero, got %v", c.ThresholdPercentage)
	}
	if c.CheckIntervalMin < 1 {
		return fmt.Errorf("check_interval_min must be at least 1, got %d", c.CheckIntervalMin)
	}
	return nil
}

// Interval returns the sampling cadence demanded by the alert rule.
func (c PriceAlertConfig) Interval() time.Duration {
	return time.Duration(c.CheckIntervalMin) * time.Minute
}

// AutomationRule binds a rule config to a deployment, or to every deployment
// on the account when DeploymentID is nil. Rules are created and edited by
// users; the engine treats them as read-only.
type AutomationRule struct {
	ID           int64      `json:"id"`
	DeploymentID *int64     `json:"deployment_id,omitempty"`
	Type         RuleType   `json:"rule_type"`
	Config       RuleConfig `json:"config"`
	Enabled      bool       `json:"is_enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AccountWide reports whether the rule applies to every deployment.
func (r AutomationRule) AccountWide() bool { return r.DeploymentID == nil }

// AppliesTo reports whether the rule targets the given deployment.
func (r AutomationRule) AppliesTo(deploymentID int64) bool {
	return r.DeploymentID == nil || *r.DeploymentID == deploymentID
}

// ParseRuleConfig decodes the raw JSON config for the given rule type into
// its concrete variant, rejecting unknown fields and invalid values. This is
// the single entry point for config payloads arriving from the API or the
// database.
func ParseRuleConfig(ruleType RuleType, raw json.RawMessage) (RuleConfig, error) {
	if !ruleType.Valid() {
		return nil, fmt.Errorf("unknown rule type %q", ruleType)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("rule config is required for type %q", ruleType)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode rule config: %w", err)
	}

	var cfg RuleConfig
	switch ruleType {
	case RuleHealthCheck:
		cfg = &HealthCheckConfig{}
	case RuleAutoRestart:
		cfg = &AutoRestartConfig{}
	case RuleCostLimit:
		cfg = &CostLimitConfig{}
	case RulePriceAlert:
		cfg = &PriceAlertConfig{}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		TagName:     "mapstructure",
		ErrorUnused: true,
		DecodeHook:  decimalDecodeHook(),
	})
	if err != nil {
		return nil, fmt.Errorf("build rule config decoder: %w", err)
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", ruleType, err)
	}

	concrete := dereferenceConfig(cfg)
	if err := concrete.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", ruleType, err)
	}
	return concrete, nil
}

// MarshalRuleConfig serialises a config back to JSON for persistence.
func MarshalRuleConfig(cfg RuleConfig) (json.RawMessage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is nil")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode rule config: %w", err)
	}
	return raw, nil
}

func dereferenceConfig(cfg RuleConfig) RuleConfig {
	switch c := cfg.(type) {
	case *HealthCheckConfig:
		return *c
	case *AutoRestartConfig:
		return *c
	case *CostLimitConfig:
		return *c
	case *PriceAlertConfig:
		return *c
	}
	return cfg
}

// decimalDecodeHook converts JSON numbers and strings into decimal.Decimal
// so money fields never round-trip through float arithmetic unchecked.
func decimalDecodeHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case json.Number:
			d, err := decimal.NewFromString(v.String())
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		}
		return data, nil
	}
}
