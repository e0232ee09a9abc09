// internal/repository/campaign_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const campaignColumns = `id, user_id, name, channel, status, base_template, recipient_count,
	sent_count, delivered_count, failed_count, scheduled_at, created_at, updated_at`

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error
	ClaimForSend(ctx context.Context, campaignID int) error
	UpdateCounts(ctx context.Context, campaignID, sent, delivered, failed int) error
}

type CampaignRepository struct {
	DB *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{DB: db}
}

// Create inserts a campaign and fills in its id and created_at.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	query := `
		INSERT INTO campaigns (user_id, name, channel, status, base_template, recipient_count, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := r.DB.QueryRowxContext(ctx, query,
		c.UserID, c.Name, c.Channel, c.Status, c.BaseTemplate, c.RecipientCount, c.ScheduledAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`

	var c model.Campaign
	if err := r.DB.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2`
	return r.execExpectOneRow(ctx, campaignID, query, status, campaignID)
}

// ClaimForSend moves a draft campaign to scheduled in one statement, so only
// one caller can send it. A campaign in any other status is a precondition error.
func (r *CampaignRepository) ClaimForSend(ctx context.Context, campaignID int) error {
	query := `UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`

	res, err := r.DB.ExecContext(ctx, query, model.CampaignStatusScheduled, campaignID, model.CampaignStatusDraft)
	if err != nil {
		return fmt.Errorf("claim campaign %d: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	c, err := r.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	return appErrors.Preconditionf("campaign %d cannot be sent in status %s", campaignID, c.Status)
}

// UpdateCounts overwrites the cumulative delivery counters.
func (r *CampaignRepository) UpdateCounts(ctx context.Context, campaignID, sent, delivered, failed int) error {
	query := `
		UPDATE campaigns
		SET sent_count=$1, delivered_count=$2, failed_count=$3, updated_at=NOW()
		WHERE id=$4`
	return r.execExpectOneRow(ctx, campaignID, query, sent, delivered, failed, campaignID)
}

func (r *CampaignRepository) execExpectOneRow(ctx context.Context, campaignID int, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
