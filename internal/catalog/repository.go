package catalog

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrItemUnavailable   = errors.New("catalog item unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product carries the catalog facts the checkout needs to snapshot and the
// stock fields it reserves against.
type Product struct {
	ID           string
	ShopID       string
	Name         string
	ImageURL     string
	Price        int64
	AvailableQty int
	Active       bool
}

type Variant struct {
	ID           string
	Name         string
	Price        int64
	AvailableQty int
	Active       bool
}

type Shop struct {
	ID    string
	Name  string
	Phone string
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetProductForSnapshot returns the live product (and variant, when
// requested) or nil when it does not exist or is inactive. The caller copies
// what it needs; nothing here is held onto after checkout.
func (r *Repository) GetProductForSnapshot(ctx context.Context, productID, variantID string) (*Product, *Variant, error) {
	product := &Product{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, shop_id, name, image_url, price, available_qty, active
		FROM products
		WHERE id = $1 AND active
	`, productID).Scan(&product.ID, &product.ShopID, &product.Name, &product.ImageURL,
		&product.Price, &product.AvailableQty, &product.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if variantID == "" {
		return product, nil, nil
	}

	variant := &Variant{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, name, price, available_qty, active
		FROM product_variants
		WHERE id = $1 AND product_id = $2 AND active
	`, variantID, productID).Scan(&variant.ID, &variant.Name, &variant.Price,
		&variant.AvailableQty, &variant.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	return product, variant, nil
}

func (r *Repository) GetShop(ctx context.Context, shopID string) (*Shop, error) {
	shop := &Shop{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, phone
		FROM shops
		WHERE id = $1
	`, shopID).Scan(&shop.ID, &shop.Name, &shop.Phone)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return shop, nil
}

// ReserveStock decrements available stock only if enough remains. The
// conditional UPDATE is what keeps two concurrent checkouts from overselling;
// there is no read-then-write window.
func (r *Repository) ReserveStock(ctx context.Context, productID, variantID string, qty int) error {
	var result sql.Result
	var err error

	if variantID != "" {
		result, err = r.db.ExecContext(ctx, `
			UPDATE product_variants
			SET available_qty = available_qty - $3
			WHERE id = $1 AND product_id = $2 AND available_qty >= $3
		`, variantID, productID, qty)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE products
			SET available_qty = available_qty - $2
			WHERE id = $1 AND available_qty >= $2
		`, productID, qty)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrInsufficientStock
	}

	return nil
}

// ReleaseStock is the compensating action for ReserveStock, used when a
// checkout fails after reserving, or when an order is cancelled.
func (r *Repository) ReleaseStock(ctx context.Context, productID, variantID string, qty int) error {
	var err error
	if variantID != "" {
		_, err = r.db.ExecContext(ctx, `
			UPDATE product_variants
			SET available_qty = available_qty + $3
			WHERE id = $1 AND product_id = $2
		`, variantID, productID, qty)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE products
			SET available_qty = available_qty + $2
			WHERE id = $1
		`, productID, qty)
	}
	return err
}
