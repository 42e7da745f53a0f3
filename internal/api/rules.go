package api

import (
	"encoding/json"
	"net/http"

	"gpufleet/internal/model"
	"gpufleet/internal/storage"
)

type ruleHandler struct {
	store storage.Backend
}

func newRuleHandler(store storage.Backend) *ruleHandler {
	return &ruleHandler{store: store}
}

type createRuleRequest struct {
	DeploymentID *int64          `json:"deployment_id"`
	Type         string          `json:"rule_type" validate:"required,oneof=health_check auto_restart cost_limit price_alert"`
	Config       json.RawMessage `json:"config" validate:"required"`
	Enabled      *bool           `json:"is_enabled"`
}

func (h *ruleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []model.AutomationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rules})
}

// Create validates the config variant against the rule type before anything
// is stored. Malformed configs never reach the evaluator.
func (h *ruleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := model.ParseRuleConfig(model.RuleType(req.Type), req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeploymentID != nil {
		if _, err := h.store.GetDeployment(r.Context(), *req.DeploymentID); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule, err := h.store.CreateRule(r.Context(), model.AutomationRule{
		DeploymentID: req.DeploymentID,
		Type:         model.RuleType(req.Type),
		Config:       cfg,
		Enabled:      enabled,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *ruleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := h.store.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type updateRuleRequest struct {
	Config json.RawMessage `json:"config" validate:"required"`
}

// UpdateConfig replaces the rule's config. The rule type is fixed at
// creation; changing behaviour kinds means creating a new rule.
func (h *ruleHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule, err := h.store.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cfg, err := model.ParseRuleConfig(rule.Type, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateRuleConfig(r.Context(), id, cfg); err != nil {
		writeStoreError(w, err)
		return
	}

	rule, err = h.store.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *ruleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteRule(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ruleHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *ruleHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *ruleHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SetRuleEnabled(r.Context(), id, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
