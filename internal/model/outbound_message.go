// internal/model/outbound_message.go
package model

import "time"

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// OutboundMessage is the delivery record for one (campaign, customer) pair.
type OutboundMessage struct {
	ID               int        `db:"id" json:"id"`
	CampaignID       int        `db:"campaign_id" json:"campaign_id"`
	CustomerID       int        `db:"customer_id" json:"customer_id"`
	Phone            string     `db:"phone" json:"phone"`
	Status           string     `db:"status" json:"status"` // pending, sent, delivered, failed
	RenderedContent  string     `db:"rendered_content" json:"rendered_content"`
	GatewayMessageID string     `db:"gateway_message_id" json:"gateway_message_id,omitempty"`
	ErrorCode        string     `db:"error_code" json:"error_code,omitempty"`
	LastError        string     `db:"last_error" json:"last_error,omitempty"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	SentAt           *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt      *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Succeeded reports whether the gateway accepted the message.
func (m *OutboundMessage) Succeeded() bool {
	return m.Status == MessageStatusSent || m.Status == MessageStatusDelivered
}
