package api

import (
	"net/http"
)

type StatsHandler struct {
	store   Store
	version string
}

func NewStatsHandler(store Store, version string) *StatsHandler {
	return &StatsHandler{store: store, version: version}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "smsrelay",
		"version": h.version,
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
