package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleConfig_HealthCheck(t *testing.T) {
	raw := json.RawMessage(`{"check_interval_sec": 30, "timeout_sec": 5}`)

	cfg, err := ParseRuleConfig(RuleHealthCheck, raw)
	require.NoError(t, err)

	hc, ok := cfg.(HealthCheckConfig)
	require.True(t, ok)
	assert.Equal(t, 30, hc.CheckIntervalSec)
	assert.Equal(t, 5, hc.TimeoutSec)
}

func TestParseRuleConfig_RejectsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"check_interval_sec": 30, "timeout_sec": 5, "bogus": true}`)

	_, err := ParseRuleConfig(RuleHealthCheck, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseRuleConfig_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name     string
		ruleType RuleType
		raw      string
	}{
		{"interval too small", RuleHealthCheck, `{"check_interval_sec": 2, "timeout_sec": 1}`},
		{"timeout not below interval", RuleHealthCheck, `{"check_interval_sec": 30, "timeout_sec": 30}`},
		{"threshold too small", RuleAutoRestart, `{"unhealthy_threshold_sec": 5, "max_retries": 3}`},
		{"retries out of range", RuleAutoRestart, `{"unhealthy_threshold_sec": 60, "max_retries": 0}`},
		{"cost not positive", RuleCostLimit, `{"max_cost_usd": 0}`},
		{"unsupported action", RuleCostLimit, `{"max_cost_usd": 10, "action": "hibernate"}`},
		{"threshold percentage zero", RulePriceAlert, `{"threshold_percentage": 0, "check_interval_min": 5}`},
		{"interval minutes zero", RulePriceAlert, `{"threshold_percentage": 10, "check_interval_min": 0}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRuleConfig(tc.ruleType, json.RawMessage(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseRuleConfig_CostLimitDecimalForms(t *testing.T) {
	fromNumber, err := ParseRuleConfig(RuleCostLimit, json.RawMessage(`{"max_cost_usd": 99.5}`))
	require.NoError(t, err)
	fromString, err := ParseRuleConfig(RuleCostLimit, json.RawMessage(`{"max_cost_usd": "99.5"}`))
	require.NoError(t, err)

	n := fromNumber.(CostLimitConfig)
	s := fromString.(CostLimitConfig)
	assert.True(t, n.MaxCostUSD.Equal(decimal.RequireFromString("99.5")))
	assert.True(t, n.MaxCostUSD.Equal(s.MaxCostUSD))
}

func TestParseRuleConfig_UnknownTypeAndEmptyPayload(t *testing.T) {
	_, err := ParseRuleConfig(RuleType("gpu_overclock"), json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = ParseRuleConfig(RulePriceAlert, nil)
	assert.Error(t, err)
}

func TestMarshalRuleConfig_RoundTrip(t *testing.T) {
	cfg := AutoRestartConfig{UnhealthyThresholdSec: 120, MaxRetries: 3}

	raw, err := MarshalRuleConfig(cfg)
	require.NoError(t, err)

	parsed, err := ParseRuleConfig(RuleAutoRestart, raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestAutomationRule_AppliesTo(t *testing.T) {
	depID := int64(42)
	bound := AutomationRule{DeploymentID: &depID}
	wide := AutomationRule{}

	assert.True(t, bound.AppliesTo(42))
	assert.False(t, bound.AppliesTo(7))
	assert.False(t, bound.AccountWide())

	assert.True(t, wide.AppliesTo(42))
	assert.True(t, wide.AppliesTo(7))
	assert.True(t, wide.AccountWide())
}

func TestRuleConfig_Durations(t *testing.T) {
	hc := HealthCheckConfig{CheckIntervalSec: 30, TimeoutSec: 5}
	assert.Equal(t, "30s", hc.Interval().String())
	assert.Equal(t, "5s", hc.Timeout().String())

	ar := AutoRestartConfig{UnhealthyThresholdSec: 90}
	assert.Equal(t, "1m30s", ar.Threshold().String())

	pa := PriceAlertConfig{CheckIntervalMin: 15}
	assert.Equal(t, "15m0s", pa.Interval().String())
}
