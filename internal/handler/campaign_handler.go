// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/service"
)

type CampaignDetailsReader interface {
	GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*service.CampaignDetails, error)
}

// CampaignHandler serves the campaign read side: mirrored status, counters
// and per-status delivery record stats.
type CampaignHandler struct {
	Service CampaignDetailsReader
	Log     zerolog.Logger
}

func NewCampaignHandler(svc CampaignDetailsReader, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log.With().Str("component", "campaign_handler").Logger()}
}

// GetCampaignHandlerWithStats handles GET /campaigns/{id}.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid campaign id")
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		WriteError(w, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}
