package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// Store is the Postgres campaign store used by dispatch: campaigns,
// their recipients and the delivery records.
type Store struct {
	Campaigns *CampaignRepository
	Customers *CustomerRepository
	Outbound  *OutboundMessageRepository
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		Campaigns: NewCampaignRepository(db),
		Customers: NewCustomerRepository(db),
		Outbound:  NewOutboundMessageRepository(db),
	}
}

func (s *Store) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	return s.Campaigns.GetByID(ctx, id)
}

func (s *Store) GetCampaignRecipients(ctx context.Context, campaignID int) ([]model.Customer, error) {
	return s.Customers.ListByCampaign(ctx, campaignID)
}

func (s *Store) GetCustomer(ctx context.Context, id int) (*model.Customer, error) {
	return s.Customers.GetByID(ctx, id)
}

func (s *Store) UpsertDeliveryRecord(ctx context.Context, msg *model.OutboundMessage) error {
	return s.Outbound.Upsert(ctx, msg)
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error {
	return s.Campaigns.UpdateStatus(ctx, campaignID, status)
}

func (s *Store) ClaimCampaignForSend(ctx context.Context, campaignID int) error {
	return s.Campaigns.ClaimForSend(ctx, campaignID)
}

func (s *Store) UpdateCampaignCounts(ctx context.Context, campaignID, sent, delivered, failed int) error {
	return s.Campaigns.UpdateCounts(ctx, campaignID, sent, delivered, failed)
}

func (s *Store) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	return s.Outbound.StatsByCampaign(ctx, campaignID)
}
