// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignSender interface {
	SendCampaign(ctx context.Context, campaignID int) (*model.Job, error)
	RenderPreview(ctx context.Context, campaignID, customerID int, overrideTemplate *string) (string, error)
}

type CampaignController struct {
	CampaignService CampaignSender
	Log             zerolog.Logger
}

func NewCampaignController(svc CampaignSender, log zerolog.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		Log:             log.With().Str("component", "campaign_controller").Logger(),
	}
}

// SendCampaign handles POST /campaigns/{id}/send. It enqueues a dispatch job
// and answers 201 with the pending job.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		handler.BadRequest(w, "invalid campaign id")
		return
	}

	job, err := c.CampaignService.SendCampaign(r.Context(), id)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	c.Log.Info().Int("campaign_id", id).Str("job_id", job.ID).Msg("campaign queued for sending")
	handler.WriteJSON(w, http.StatusCreated, map[string]any{
		"campaign_id": id,
		"job_id":      job.ID,
		"status":      job.Status,
		"job":         job,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		handler.BadRequest(w, "invalid campaign id")
		return
	}

	var body struct {
		CustomerID       int     `json:"customer_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	if body.CustomerID <= 0 {
		handler.BadRequest(w, "customer_id is required")
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), campaignID, body.CustomerID, body.OverrideTemplate)
	if err != nil {
		handler.WriteError(w, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"customer_id":      body.CustomerID,
	})
}
