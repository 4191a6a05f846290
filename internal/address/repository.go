package address

import (
	"context"
	"database/sql"

	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetAddress returns the saved address only when it belongs to the given
// customer; nil otherwise. The returned snapshot is copied onto the order and
// never read again.
func (r *Repository) GetAddress(ctx context.Context, addressID, customerID string) (*domain.AddressSnapshot, error) {
	addr := &domain.AddressSnapshot{}
	err := r.db.QueryRowContext(ctx, `
		SELECT name, phone, line1, line2, city, state, postal_code, country
		FROM addresses
		WHERE id = $1 AND customer_id = $2
	`, addressID, customerID).Scan(&addr.Name, &addr.Phone, &addr.Line1, &addr.Line2,
		&addr.City, &addr.State, &addr.PostalCode, &addr.Country)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return addr, nil
}
