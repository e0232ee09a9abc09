package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const outboundColumns = `id, campaign_id, customer_id, phone, status, rendered_content,
	gateway_message_id, error_code, last_error, retry_count, sent_at, delivered_at,
	created_at, updated_at`

type OutboundMessageRepository struct {
	DB *sqlx.DB
}

func NewOutboundMessageRepository(db *sqlx.DB) *OutboundMessageRepository {
	return &OutboundMessageRepository{DB: db}
}

// Upsert writes the delivery record for (campaign, customer). A second write
// for the same pair replaces the outcome and bumps retry_count.
func (r *OutboundMessageRepository) Upsert(ctx context.Context, msg *model.OutboundMessage) error {
	query := `
		INSERT INTO outbound_messages
			(campaign_id, customer_id, phone, status, rendered_content, gateway_message_id,
			 error_code, last_error, retry_count, sent_at, delivered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, NOW(), NOW())
		ON CONFLICT (campaign_id, customer_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			status = EXCLUDED.status,
			rendered_content = EXCLUDED.rendered_content,
			gateway_message_id = EXCLUDED.gateway_message_id,
			error_code = EXCLUDED.error_code,
			last_error = EXCLUDED.last_error,
			sent_at = EXCLUDED.sent_at,
			delivered_at = EXCLUDED.delivered_at,
			retry_count = outbound_messages.retry_count + 1,
			updated_at = NOW()
		RETURNING id, retry_count, created_at, updated_at`

	err := r.DB.QueryRowxContext(ctx, query,
		msg.CampaignID,
		msg.CustomerID,
		msg.Phone,
		msg.Status,
		msg.RenderedContent,
		msg.GatewayMessageID,
		msg.ErrorCode,
		msg.LastError,
		msg.SentAt,
		msg.DeliveredAt,
	).Scan(&msg.ID, &msg.RetryCount, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert outbound message: %w", err)
	}
	return nil
}

// Get returns the record for (campaign, customer), or (nil, nil) when none exists.
func (r *OutboundMessageRepository) Get(ctx context.Context, campaignID, customerID int) (*model.OutboundMessage, error) {
	query := `SELECT ` + outboundColumns + `
		FROM outbound_messages
		WHERE campaign_id=$1 AND customer_id=$2`

	var msg model.OutboundMessage
	if err := r.DB.GetContext(ctx, &msg, query, campaignID, customerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get outbound message: %w", err)
	}
	return &msg, nil
}

// StatsByCampaign counts delivery records per status.
func (r *OutboundMessageRepository) StatsByCampaign(ctx context.Context, campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM outbound_messages WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{
		model.MessageStatusPending:   0,
		model.MessageStatusSent:      0,
		model.MessageStatusDelivered: 0,
		model.MessageStatusFailed:    0,
	}
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}
