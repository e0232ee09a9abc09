// internal/service/campaign_service.go
package service

import (
	"context"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// CampaignStore is the read side of the campaign store used by the API.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id int) (*model.Campaign, error)
	GetCampaignRecipients(ctx context.Context, campaignID int) ([]model.Customer, error)
	GetCustomer(ctx context.Context, id int) (*model.Customer, error)
	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
	// ClaimCampaignForSend atomically moves a draft campaign out of draft.
	ClaimCampaignForSend(ctx context.Context, campaignID int) error
	UpdateCampaignStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, campaign *model.Campaign, recipients []model.Customer) (*model.Job, error)
}

type CampaignService struct {
	Store CampaignStore
	Queue JobEnqueuer
}

func NewCampaignService(store CampaignStore, q JobEnqueuer) *CampaignService {
	return &CampaignService{Store: store, Queue: q}
}

type CampaignDetails struct {
	ID             int                  `json:"id"`
	UserID         string               `json:"user_id"`
	Name           string               `json:"name"`
	Channel        string               `json:"channel"`
	Status         model.CampaignStatus `json:"status"`
	BaseTemplate   string               `json:"base_template"`
	RecipientCount int                  `json:"recipient_count"`
	SentCount      int                  `json:"sent_count"`
	DeliveredCount int                  `json:"delivered_count"`
	FailedCount    int                  `json:"failed_count"`
	ScheduledAt    *time.Time           `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      *time.Time           `json:"updated_at"`
	Stats          map[string]int       `json:"stats"`
}

// SendCampaign enqueues a dispatch job for a draft campaign. Concurrent
// sends of the same campaign race on the draft claim and only one wins.
func (s *CampaignService) SendCampaign(ctx context.Context, campaignID int) (*model.Job, error) {
	campaign, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignStatusDraft {
		return nil, appErrors.Preconditionf("campaign %d cannot be sent in status %s", campaignID, campaign.Status)
	}

	recipients, err := s.Store.GetCampaignRecipients(ctx, campaignID)
	if err != nil {
		return nil, appErrors.Wrap(err, "load recipients")
	}

	if err := s.Store.ClaimCampaignForSend(ctx, campaignID); err != nil {
		return nil, err
	}
	job, err := s.Queue.Enqueue(ctx, campaign, recipients)
	if err != nil {
		// hand the campaign back so the send can be attempted again
		if rerr := s.Store.UpdateCampaignStatus(context.WithoutCancel(ctx), campaignID, model.CampaignStatusDraft); rerr != nil {
			return nil, appErrors.Wrapf(err, "release campaign %d: %v", campaignID, rerr)
		}
		return nil, err
	}
	return job, nil
}

// RenderPreview personalizes the campaign template, or overrideTemplate when
// it is not blank, for one customer.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, customerID int, overrideTemplate *string) (string, error) {
	campaign, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}

	customer, err := s.Store.GetCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", appErrors.NotFoundf("customer with ID %d not found", customerID)
	}

	template := campaign.BaseTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}
	if strings.TrimSpace(template) == "" {
		return "", appErrors.Preconditionf("template cannot be empty")
	}

	return Personalize(template, *customer), nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats, err := s.Store.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, appErrors.Wrap(err, "campaign stats")
	}

	return &CampaignDetails{
		ID:             campaign.ID,
		UserID:         campaign.UserID,
		Name:           campaign.Name,
		Channel:        campaign.Channel,
		Status:         campaign.Status,
		BaseTemplate:   campaign.BaseTemplate,
		RecipientCount: campaign.RecipientCount,
		SentCount:      campaign.SentCount,
		DeliveredCount: campaign.DeliveredCount,
		FailedCount:    campaign.FailedCount,
		ScheduledAt:    campaign.ScheduledAt,
		CreatedAt:      campaign.CreatedAt,
		UpdatedAt:      campaign.UpdatedAt,
		Stats:          stats,
	}, nil
}
