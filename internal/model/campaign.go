// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// CampaignStatus mirrors the status of the campaign's dispatch Job.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusPaused    CampaignStatus = "paused"
)

func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is one of the known campaign statuses
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending,
		CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusPaused:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = ""
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// CampaignStatusFor maps a Job status onto the campaign status shown to users.
func CampaignStatusFor(s JobStatus) CampaignStatus {
	switch s {
	case JobStatusPending:
		return CampaignStatusScheduled
	case JobStatusRunning:
		return CampaignStatusSending
	case JobStatusCompleted:
		return CampaignStatusCompleted
	case JobStatusFailed:
		return CampaignStatusFailed
	case JobStatusPaused:
		return CampaignStatusPaused
	default:
		return CampaignStatusDraft
	}
}

type Campaign struct {
	ID             int            `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	Name           string         `db:"name" json:"name"`
	Channel        string         `db:"channel" json:"channel"`
	Status         CampaignStatus `db:"status" json:"status"`
	BaseTemplate   string         `db:"base_template" json:"base_template"`
	RecipientCount int            `db:"recipient_count" json:"recipient_count"`
	SentCount      int            `db:"sent_count" json:"sent_count"`
	DeliveredCount int            `db:"delivered_count" json:"delivered_count"`
	FailedCount    int            `db:"failed_count" json:"failed_count"`
	ScheduledAt    *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
