package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// CustomerRepositoryInterface defines methods used by service
type CustomerRepositoryInterface interface {
	Create(ctx context.Context, c *model.Customer) error
	AttachToCampaign(ctx context.Context, campaignID int, customerIDs []int) error
	GetByID(ctx context.Context, id int) (*model.Customer, error)
	ListByCampaign(ctx context.Context, campaignID int) ([]model.Customer, error)
}

// CustomerRepository is the concrete implementation
type CustomerRepository struct {
	DB *sqlx.DB
}

func NewCustomerRepository(db *sqlx.DB) *CustomerRepository {
	return &CustomerRepository{DB: db}
}

func (r *CustomerRepository) Create(ctx context.Context, c *model.Customer) error {
	query := `
		INSERT INTO customers (phone, first_name, last_name, email, location, preferred_product)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
		RETURNING id`

	err := r.DB.QueryRowxContext(ctx, query,
		c.Phone, c.FirstName, c.LastName, c.Email, c.Location, c.PreferredProduct,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// AttachToCampaign adds customers to the campaign's recipient list in the
// given order. Customers already attached are skipped.
func (r *CustomerRepository) AttachToCampaign(ctx context.Context, campaignID int, customerIDs []int) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, customer_id)
		VALUES ($1, $2)
		ON CONFLICT (campaign_id, customer_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare recipient insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range customerIDs {
		if _, err := stmt.ExecContext(ctx, campaignID, id); err != nil {
			return fmt.Errorf("attach customer %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetByID fetches a customer by ID. A missing customer is (nil, nil).
func (r *CustomerRepository) GetByID(ctx context.Context, id int) (*model.Customer, error) {
	query := `
		SELECT id, phone, first_name, last_name, COALESCE(email, '') AS email,
		       COALESCE(location, '') AS location, COALESCE(preferred_product, '') AS preferred_product
		FROM customers
		WHERE id = $1`

	var c model.Customer
	if err := r.DB.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// ListByCampaign returns the campaign's recipients in the order they were attached.
func (r *CustomerRepository) ListByCampaign(ctx context.Context, campaignID int) ([]model.Customer, error) {
	query := `
		SELECT c.id, c.phone, c.first_name, c.last_name, COALESCE(c.email, '') AS email,
		       COALESCE(c.location, '') AS location, COALESCE(c.preferred_product, '') AS preferred_product
		FROM campaign_recipients cr
		JOIN customers c ON c.id = cr.customer_id
		WHERE cr.campaign_id = $1
		ORDER BY cr.id`

	customers := []model.Customer{}
	if err := r.DB.SelectContext(ctx, &customers, query, campaignID); err != nil {
		return nil, fmt.Errorf("list campaign recipients: %w", err)
	}
	return customers, nil
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
