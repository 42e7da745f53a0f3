package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gpufleet/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps storage failures onto HTTP statuses so handlers
// don't repeat the same switch.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicateInstance):
		writeError(w, http.StatusConflict, "instance already registered")
	case errors.Is(err, storage.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
