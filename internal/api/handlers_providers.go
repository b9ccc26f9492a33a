package api

import (
	"net/http"
	"strconv"

	"github.com/shohag/smsrelay/internal/models"
)

type ProviderHandler struct {
	store Store
}

func NewProviderHandler(store Store) *ProviderHandler {
	return &ProviderHandler{store: store}
}

// providerView hides adapter credentials.
type providerView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Adapter        string `json:"adapter"`
	Active         bool   `json:"active"`
	Primary        bool   `json:"primary"`
	CostPerSegment string `json:"cost_per_segment"`
	DefaultSender  string `json:"default_sender"`
}

func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	providers, err := h.store.ListProviders(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list providers")
		return
	}

	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, view(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func view(p models.Provider) providerView {
	return providerView{
		ID:             p.ID,
		Name:           p.Name,
		Adapter:        p.AdapterName(),
		Active:         p.Active,
		Primary:        p.Primary,
		CostPerSegment: p.CostPerSegment.String(),
		DefaultSender:  p.DefaultSender,
	}
}
