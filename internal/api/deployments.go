package api

import (
	"net/http"
	"strconv"
	"time"

	"gpufleet/internal/engine"
	"gpufleet/internal/model"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

type deploymentHandler struct {
	store    storage.Backend
	engine   *engine.Engine
	registry *provider.Registry
}

func newDeploymentHandler(store storage.Backend, eng *engine.Engine, registry *provider.Registry) *deploymentHandler {
	return &deploymentHandler{store: store, engine: eng, registry: registry}
}

type registerDeploymentRequest struct {
	Name       string `json:"name" validate:"required,min=1,max=128"`
	Provider   string `json:"provider" validate:"required,oneof=local runpod vast"`
	InstanceID string `json:"instance_id" validate:"max=256"`
	GPUType    string `json:"gpu_type" validate:"required,min=1,max=64"`
	GPUCount   int    `json:"gpu_count" validate:"required,min=1,max=64"`
}

// List returns all deployments, optionally filtered by ?status=.
func (h *deploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		deployments []model.Deployment
		err         error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.DeploymentStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		deployments, err = h.store.ListDeploymentsByStatus(r.Context(), status)
	} else {
		deployments, err = h.store.ListDeployments(r.Context())
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deployments == nil {
		deployments = []model.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deployments})
}

// Register records a deployment. With an instance id the deployment starts
// in creating and the next reconcile pass promotes it once reachable;
// without one it starts stopped until an explicit start action provisions it.
func (h *deploymentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerDeploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prov := model.Provider(req.Provider)
	if _, err := h.registry.Adapter(prov); err != nil {
		writeError(w, http.StatusBadRequest, "provider "+req.Provider+" is not configured")
		return
	}

	status := model.StatusCreating
	if req.InstanceID == "" {
		status = model.StatusStopped
	}
	dep, err := h.store.CreateDeployment(r.Context(), model.Deployment{
		Name:       req.Name,
		Provider:   prov,
		InstanceID: req.InstanceID,
		GPUType:    req.GPUType,
		GPUCount:   req.GPUCount,
		Status:     status,
		Health:     model.HealthUnknown,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (h *deploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dep, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// Deregister tombstones the registry entry. The provider instance is left
// untouched: stopping it first is an explicit action.
func (h *deploymentHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteDeployment(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	h.engine.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// Health returns the live health snapshot for one deployment.
func (h *deploymentHandler) Health(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snapshot, err := h.engine.HealthSnapshot(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// Checks returns the most recent probe results, newest first.
func (h *deploymentHandler) Checks(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	checks, err := h.store.ListRecentHealthChecks(r.Context(), id, limitParam(r, 50, 500))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if checks == nil {
		checks = []model.HealthCheck{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": checks})
}

type priceResponse struct {
	Stats        model.PriceStats        `json:"stats"`
	Alternatives []model.PriceAlternative `json:"alternatives"`
}

// Price returns trend statistics over ?hours= (default 24) plus the
// cheaper-provider candidates for the deployment's GPU type.
func (h *deploymentHandler) Price(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dep, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 1 && parsed <= 24*30 {
			hours = parsed
		}
	}

	now := time.Now().UTC()
	records, err := h.store.ListPriceRecords(r.Context(), dep.Provider, dep.GPUType, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stats := model.ComputePriceStats(records)
	stats.Provider = dep.Provider
	stats.GPUType = dep.GPUType

	latest, err := h.store.LatestPrices(r.Context(), dep.GPUType)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	alternatives := model.RankAlternatives(latest[dep.Provider], latest, dep.Provider)
	if alternatives == nil {
		alternatives = []model.PriceAlternative{}
	}

	writeJSON(w, http.StatusOK, priceResponse{Stats: stats, Alternatives: alternatives})
}

type actionRequest struct {
	Action string `json:"action" validate:"required,oneof=restart stop start migrate"`
	Target string `json:"target_provider" validate:"omitempty,oneof=local runpod vast"`
	Reason string `json:"reason" validate:"max=256"`
}

// Action runs an operator-initiated provider action through the executor,
// subject to the same lock and lifecycle gates as rule-driven actions.
func (h *deploymentHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req actionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	action := model.ActionType(req.Action)
	if action == model.ActionMigrate && req.Target == "" {
		writeError(w, http.StatusBadRequest, "migrate requires target_provider")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}

	entry, err := h.engine.Executor().Execute(r.Context(), engine.Request{
		DeploymentID: id,
		Action:       action,
		Reason:       reason,
		Target:       model.Provider(req.Target),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	status := http.StatusOK
	if entry.Status == model.ExecutionFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, entry)
}
