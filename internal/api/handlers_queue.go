package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/smsrelay/internal/models"
)

type QueueHandler struct {
	store Store
}

func NewQueueHandler(store Store) *QueueHandler {
	return &QueueHandler{store: store}
}

type queueItemResponse struct {
	*models.QueueItem
	History []models.HistoryRecord `json:"history"`
}

func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.store.GetQueueItem(r.Context(), id)
	if err != nil {
		writeLookupError(w, err, "queue item")
		return
	}

	history, err := h.history(r, id)
	if err != nil {
		writeLookupError(w, err, "history")
		return
	}
	writeJSON(w, http.StatusOK, queueItemResponse{QueueItem: item, History: history})
}

func (h *QueueHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetQueueItem(r.Context(), id); err != nil {
		writeLookupError(w, err, "queue item")
		return
	}

	history, err := h.history(r, id)
	if err != nil {
		writeLookupError(w, err, "history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *QueueHandler) history(r *http.Request, id string) ([]models.HistoryRecord, error) {
	history, err := h.store.ListHistory(r.Context(), id)
	if history == nil && err == nil {
		history = []models.HistoryRecord{}
	}
	return history, err
}
