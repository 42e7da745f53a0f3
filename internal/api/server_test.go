package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/config"
	"gpufleet/internal/engine"
	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

type apiFixture struct {
	srv   *httptest.Server
	store *storage.Memory
	fake  *provider.Fake
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemory()
	fake := provider.NewFake(model.ProviderRunPod)
	registry := provider.NewRegistry(fake)
	reg := prometheus.NewRegistry()
	eng := engine.New(config.EngineConfig{
		HealthTick:       10 * time.Second,
		PriceTick:        time.Minute,
		EvaluateInterval: 30 * time.Second,
		WorkerLimit:      4,
	}, store, registry, nil, engine.NewMetrics(reg), zerolog.Nop())

	server := NewServer(config.APIConfig{}, store, eng, registry, reg, zerolog.Nop())
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store, fake: fake}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func (f *apiFixture) seedRunning(t *testing.T, instanceID string) model.Deployment {
	t.Helper()
	dep, err := f.store.CreateDeployment(context.Background(), model.Deployment{
		Name:       "train-1",
		Provider:   model.ProviderRunPod,
		InstanceID: instanceID,
		GPUType:    "A100",
		GPUCount:   1,
		Status:     model.StatusRunning,
		Health:     model.HealthHealthy,
	})
	require.NoError(t, err)
	return dep
}

func TestAPI_RegisterDeployment(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":        "llm-train",
		"provider":    "runpod",
		"instance_id": "pod-1",
		"gpu_type":    "A100",
		"gpu_count":   2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, "creating", body["status"], "an addressed instance awaits its first reachable probe")
	assert.Equal(t, "unknown", body["health"])

	// No instance id: nothing to probe, parked until an explicit start.
	resp, body = f.do(t, http.MethodPost, "/api/v1/deployments", map[string]any{
		"name":      "llm-eval",
		"provider":  "runpod",
		"gpu_type":  "A100",
		"gpu_count": 1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "stopped", body["status"])
}

func TestAPI_RegisterDeployment_Rejections(t *testing.T) {
	f := newAPIFixture(t)
	valid := map[string]any{
		"name":        "llm-train",
		"provider":    "runpod",
		"instance_id": "pod-1",
		"gpu_type":    "A100",
		"gpu_count":   2,
	}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/deployments", valid)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/deployments", valid)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "instance already registered", body["error"])

	missing := map[string]any{"provider": "runpod", "gpu_type": "A100", "gpu_count": 1}
	resp, body = f.do(t, http.MethodPost, "/api/v1/deployments", missing)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "validation error")

	badCount := map[string]any{"name": "x", "provider": "runpod", "gpu_type": "A100", "gpu_count": 0}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/deployments", badCount)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Known provider name, but no adapter configured for it.
	unconfigured := map[string]any{"name": "x", "provider": "vast", "gpu_type": "A100", "gpu_count": 1}
	resp, body = f.do(t, http.MethodPost, "/api/v1/deployments", unconfigured)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "provider vast is not configured", body["error"])
}

func TestAPI_GetAndListDeployments(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "train-1", body["name"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/deployments?status=running", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/v1/deployments?status=stopped", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DeregisterDeployment(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")

	resp, _ := f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/deployments/%d", dep.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The tombstone stays addressable but drops out of the listing.
	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/deployments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"])
}

func TestAPI_Rules(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"rule_type": "auto_restart",
		"config":    map[string]any{"unhealthy_threshold_sec": 120, "max_retries": 3},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, true, body["is_enabled"], "rules default to enabled")

	resp, body = f.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"rule_type": "auto_restart",
		"config":    map[string]any{"unhealthy_threshold_sec": 5, "max_retries": 3},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unhealthy_threshold_sec")

	resp, body = f.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"rule_type": "cost_limit",
		"config":    map[string]any{"max_cost_usd": "100.50", "typo_field": 1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "typo_field", "unknown config fields are rejected")

	// Binding to a deployment that does not exist.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"deployment_id": 42,
		"rule_type":     "cost_limit",
		"config":        map[string]any{"max_cost_usd": 50},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/rules/1/disable", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/v1/rules/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_enabled"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/rules/1/enable", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodPut, "/api/v1/rules/1", map[string]any{
		"config": map[string]any{"unhealthy_threshold_sec": 300, "max_retries": 5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(300), cfg["unhealthy_threshold_sec"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/rules/1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/rules/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeploymentAction(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")
	f.fake.SetReachable("pod-1", true)

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
		"action": "restart",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "operator request", body["trigger_reason"], "blank reasons get the default")
	assert.Nil(t, body["rule_id"], "operator actions are not rule-driven")

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
		"action": "migrate",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "migrate requires target_provider", body["error"])

	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
		"action": "hibernate",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A stopped deployment cannot restart; the gate records a skip.
	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
		"action": "stop",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "success", body["status"])

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
		"action": "restart",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["status"])
	assert.Contains(t, body["trigger_reason"], "restart needs running")
}

func TestAPI_DeploymentExecutions(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")
	f.fake.SetReachable("pod-1", true)

	for _, action := range []string{"restart", "stop"} {
		resp, _ := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/actions", dep.ID), map[string]any{
			"action": action,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	newest, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "stop", newest["action_taken"], "newest first")

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d/executions", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 2)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments/999/executions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeploymentHealthAndChecks(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")

	now := time.Now().UTC()
	ms := int64(12)
	_, err := f.store.AppendHealthCheck(context.Background(), model.HealthCheck{
		DeploymentID:   dep.ID,
		Status:         model.CheckHealthy,
		ResponseTimeMS: &ms,
		CheckedAt:      now,
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d/health", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["health"])
	assert.Equal(t, float64(100), body["uptime_percent_24h"])

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d/checks", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments/999/checks", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeploymentPrice(t *testing.T) {
	f := newAPIFixture(t)
	dep := f.seedRunning(t, "pod-1")

	ctx := context.Background()
	now := time.Now().UTC()
	for i, price := range []string{"2.00", "2.10", "2.30"} {
		_, err := f.store.AppendPriceRecord(ctx, model.PriceRecord{
			Provider:     model.ProviderRunPod,
			GPUType:      "A100",
			PricePerHour: decimal.RequireFromString(price),
			RecordedAt:   now.Add(time.Duration(i-3) * time.Hour),
		})
		require.NoError(t, err)
	}
	// A cheaper provider for the same GPU type.
	_, err := f.store.AppendPriceRecord(ctx, model.PriceRecord{
		Provider:     model.ProviderVast,
		GPUType:      "A100",
		PricePerHour: decimal.RequireFromString("1.84"),
		RecordedAt:   now.Add(-time.Hour),
	})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d/price", dep.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "runpod", stats["provider"])
	assert.Equal(t, "A100", stats["gpu_type"])
	assert.Equal(t, float64(3), stats["sample_count"])
	assert.Equal(t, "2.3", stats["current_price"])

	alts, ok := body["alternatives"].([]any)
	require.True(t, ok)
	require.Len(t, alts, 1)
	first, ok := alts[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "vast", first["provider"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/deployments/999/price", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_HealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	// The in-memory backend has no ping; readiness is storage "ok".
	resp, body = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["storage"])

	metricsResp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
