package api

import (
	"net/http"

	"gpufleet/internal/model"
	"gpufleet/internal/storage"
)

type executionHandler struct {
	store storage.Backend
}

func newExecutionHandler(store storage.Backend) *executionHandler {
	return &executionHandler{store: store}
}

// List returns the global audit trail, newest first.
func (h *executionHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListExecutions(r.Context(), limitParam(r, 100, 1000))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := h.store.CountExecutions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "total": total})
}

func (h *executionHandler) ListByRule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetRule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := h.store.ListExecutionsByRule(r.Context(), id, limitParam(r, 100, 1000))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *executionHandler) ListByDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.GetDeployment(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	entries, err := h.store.ListExecutionsByDeployment(r.Context(), id, limitParam(r, 100, 1000))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
