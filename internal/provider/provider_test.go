package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpufleet/internal/model"
)

func TestRegistry_Adapter(t *testing.T) {
	reg := NewRegistry(NewFake(model.ProviderRunPod))

	a, err := reg.Adapter(model.ProviderRunPod)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderRunPod, a.Name())

	_, err = reg.Adapter(model.ProviderVast)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "vast")
}

func TestRegistry_ProvidersEnumOrder(t *testing.T) {
	// Registration order must not leak into the listing.
	reg := NewRegistry(NewFake(model.ProviderVast), NewFake(model.ProviderLocal))
	assert.Equal(t, []model.Provider{model.ProviderLocal, model.ProviderVast}, reg.Providers())
}

func TestRegistry_Migrate(t *testing.T) {
	ctx := context.Background()
	source := NewFake(model.ProviderRunPod)
	dest := NewFake(model.ProviderVast)
	reg := NewRegistry(source, dest)

	source.SetReachable("pod-1", true)
	dep := model.Deployment{
		ID:         4,
		Provider:   model.ProviderRunPod,
		InstanceID: "pod-1",
		GPUType:    "A100",
	}

	instanceID, err := reg.Migrate(ctx, dep, model.ProviderVast)
	require.NoError(t, err)
	assert.NotEmpty(t, instanceID)
	assert.NotEqual(t, "pod-1", instanceID, "target must provision a fresh instance")

	require.Contains(t, source.Calls(), "stop pod-1")
	require.Contains(t, dest.Calls(), "start ", "start must see a cleared instance id")
}

func TestRegistry_Migrate_StopFailureAborts(t *testing.T) {
	ctx := context.Background()
	source := NewFake(model.ProviderRunPod)
	dest := NewFake(model.ProviderVast)
	reg := NewRegistry(source, dest)

	source.FailNext("stop", errors.New("api down"))
	dep := model.Deployment{ID: 4, Provider: model.ProviderRunPod, InstanceID: "pod-1"}

	_, err := reg.Migrate(ctx, dep, model.ProviderVast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop on runpod")
	assert.Empty(t, dest.Calls(), "target must not start while the source still runs")
}

func TestRegistry_Migrate_UnknownTarget(t *testing.T) {
	reg := NewRegistry(NewFake(model.ProviderRunPod))
	dep := model.Deployment{ID: 4, Provider: model.ProviderRunPod, InstanceID: "pod-1"}

	_, err := reg.Migrate(context.Background(), dep, model.ProviderVast)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	cause := errors.New("connection reset")
	err := Transient(cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection reset", err.Error())

	wrapped := fmt.Errorf("stop on runpod: %w", err)
	assert.True(t, IsTransient(wrapped), "marker survives wrapping")

	assert.False(t, IsTransient(cause))
	assert.False(t, IsTransient(nil))
}
