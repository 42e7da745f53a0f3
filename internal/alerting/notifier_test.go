package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/model"
)

func TestLogNotifier_EmitsEventFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	notifier := NewLogNotifier(logger)
	event := model.Event{
		DeploymentID: 7,
		RuleID:       3,
		Kind:         model.EventPriceAlert,
		Message:      "price for A100 on runpod rose 12.5% from $2.00 to $2.25/hr",
		OccurredAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, notifier.Notify(context.Background(), event))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(7), line["deployment_id"])
	assert.Equal(t, float64(3), line["rule_id"])
	assert.Equal(t, "price_alert", line["kind"])
	assert.Equal(t, event.Message, line["message"])
}

func TestNewNATSNotifier_RequiresURL(t *testing.T) {
	_, err := NewNATSNotifier(NATSOptions{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}
