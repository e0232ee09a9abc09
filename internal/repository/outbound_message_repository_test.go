package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

func TestOutboundMessageRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repository.NewOutboundMessageRepository(db)
	now := time.Now()

	msg := &model.OutboundMessage{
		CampaignID:       3,
		CustomerID:       1,
		Phone:            "+15551234567",
		Status:           model.MessageStatusSent,
		RenderedContent:  "Hi Alice",
		GatewayMessageID: "gw-1",
		SentAt:           &now,
	}

	// second write for the same pair comes back with retry_count bumped
	mock.ExpectQuery("INSERT INTO outbound_messages .* ON CONFLICT \\(campaign_id, customer_id\\) DO UPDATE SET .* retry_count = outbound_messages.retry_count \\+ 1").
		WithArgs(3, 1, "+15551234567", "sent", "Hi Alice", "gw-1", "", "", &now, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "retry_count", "created_at", "updated_at"}).
			AddRow(11, 1, now, now))

	require.NoError(t, repo.Upsert(context.Background(), msg))
	assert.Equal(t, 11, msg.ID)
	assert.Equal(t, 1, msg.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundMessageRepository_UpsertError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repository.NewOutboundMessageRepository(db)

	mock.ExpectQuery("INSERT INTO outbound_messages").WillReturnError(sql.ErrConnDone)

	err := repo.Upsert(context.Background(), &model.OutboundMessage{CampaignID: 3, CustomerID: 1, Status: model.MessageStatusFailed})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundMessageRepository_StatsByCampaign(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repository.NewOutboundMessageRepository(db)

	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM outbound_messages WHERE campaign_id=\\$1 GROUP BY status").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("sent", 100).
			AddRow("failed", 20))

	stats, err := repo.StatsByCampaign(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 100, stats["sent"])
	assert.Equal(t, 20, stats["failed"])
	assert.Equal(t, 0, stats["delivered"])
	assert.Equal(t, 120, stats["total"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
