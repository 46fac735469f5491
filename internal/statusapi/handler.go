package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the status routes.
type Handler struct {
	service *Service
}

// NewHandler creates a handler over the given service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the read-only status routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/export", h.HandleExport)
	mux.HandleFunc("/conflicts", h.HandleConflicts)
	mux.HandleFunc("/nodes", h.HandleNodes)
}

// HandleStats serves node identity, lifecycle state, and graph statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

// HandleExport serves the full serialized resolver state.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.GetExport()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Warn("export write failed", "error", err)
	}
}

// HandleConflicts serves all recorded conflicts, open and resolved.
func (h *Handler) HandleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.GetConflicts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, conflicts)
}

// HandleNodes serves the active peer records.
func (h *Handler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.service.GetNodes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, nodes)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
