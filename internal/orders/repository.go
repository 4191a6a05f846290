package orders

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const orderColumns = `
	id, order_number, customer_id, subtotal, shipping_fee, taxes, total_amount,
	payment_method, payment_status, gateway_session_id, gateway_payment_id, verified_at,
	status, shipping_name, shipping_phone, shipping_line1, shipping_line2,
	shipping_city, shipping_state, shipping_postal_code, shipping_country, created_at`

// Create persists the order, its items and its initial history entries in one
// transaction. The order id and number were assigned by the caller and never
// change.
func (r *Repository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, customer_id, subtotal, shipping_fee, taxes, total_amount,
			payment_method, payment_status, gateway_session_id, gateway_payment_id,
			status, shipping_name, shipping_phone, shipping_line1, shipping_line2,
			shipping_city, shipping_state, shipping_postal_code, shipping_country,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`, order.ID, order.OrderNumber, order.CustomerID, order.Subtotal, order.ShippingFee,
		order.Taxes, order.TotalAmount, order.PaymentMethod, order.Payment.Status,
		order.Payment.GatewaySessionID, order.Payment.GatewayPaymentID, order.Status,
		order.ShippingAddress.Name, order.ShippingAddress.Phone, order.ShippingAddress.Line1,
		order.ShippingAddress.Line2, order.ShippingAddress.City, order.ShippingAddress.State,
		order.ShippingAddress.PostalCode, order.ShippingAddress.Country, order.CreatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		variantName := ""
		if item.VariantSnapshot != nil {
			variantName = item.VariantSnapshot.Name
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, product_id, variant_id, shop_id, quantity, unit_price,
				total_price, purchase_type, product_name, product_image,
				variant_name, shop_name, shop_phone
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, order.ID, item.ProductID, item.VariantID, item.ShopID, item.Quantity,
			item.UnitPrice, item.TotalPrice, item.PurchaseType,
			item.ProductSnapshot.Name, item.ProductSnapshot.ImageURL,
			variantName, item.ShopSnapshot.Name, item.ShopSnapshot.Phone)
		if err != nil {
			return err
		}
	}

	for _, change := range order.History {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, status, actor_role, notes, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, change.Status, change.ActorRole, change.Notes, change.At)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := r.scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if err := r.loadItems(ctx, order); err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// GetBySessionID locates an order by the gateway session stored at checkout.
// Payment callbacks are resolved through this, never through a client-sent
// order id.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE gateway_session_id = $1`, sessionID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// List returns a page of orders newest-first with their items (history is
// loaded on single reads only). The cursor encodes the last row's sort key.
func (r *Repository) List(ctx context.Context, customerID, cursor string, limit int) ([]domain.Order, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var conds []string
	var args []any
	if customerID != "" {
		args = append(args, customerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		args = append(args, at, id)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, "", err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, "", nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, variant_id, shop_id, quantity, unit_price,
		       total_price, purchase_type, product_name, product_image,
		       variant_name, shop_name, shop_phone
		FROM order_items
		WHERE order_id = ANY($1)
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		item, err := scanItem(itemRows, &orderID)
		if err != nil {
			return nil, "", err
		}
		order := orderMap[orderID]
		order.Items = append(order.Items, *item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, "", err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	nextCursor := ""
	if len(orders) == limit {
		last := orders[len(orders)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return orders, nextCursor, nil
}

// UpdateStatus applies a lifecycle transition only if the order is still in
// the expected from-status, appending the history entry in the same
// transaction. Returns false when the guard did not match.
func (r *Repository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, actor domain.Actor, notes string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, orderID, from)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := appendHistory(ctx, tx, orderID, to, actor, notes); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// CapturePayment flips payment pending -> captured and order pending ->
// processing as one conditional update. The guard requires both the payment
// and the order to still be pending, so duplicate gateway callbacks and
// callbacks arriving after a cancellation fall out as rowsAffected == 0.
func (r *Repository) CapturePayment(ctx context.Context, orderID, gatewayPaymentID string, verifiedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, gateway_payment_id = $2, verified_at = $3,
		    status = $4, updated_at = NOW()
		WHERE id = $5 AND payment_status = $6 AND status = $7
	`, domain.PaymentCaptured, gatewayPaymentID, verifiedAt,
		domain.StatusProcessing, orderID, domain.PaymentPending, domain.StatusPending)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := appendHistory(ctx, tx, orderID, domain.StatusProcessing, domain.ActorSystem, "Payment captured"); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// FailPayment flips payment pending -> failed and cancels the order, guarded
// the same way as CapturePayment.
func (r *Repository) FailPayment(ctx context.Context, orderID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4 AND status = $5
	`, domain.PaymentFailed, domain.StatusCancelled, orderID, domain.PaymentPending, domain.StatusPending)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := appendHistory(ctx, tx, orderID, domain.StatusCancelled, domain.ActorSystem, "Payment failed at gateway"); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// RefundPayment moves a captured payment to refunded and the order to its
// refunded terminal state, rejecting orders already in a terminal state.
func (r *Repository) RefundPayment(ctx context.Context, orderID string, actor domain.Actor, notes string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND payment_status = $4 AND status NOT IN ($5, $6, $7)
	`, domain.PaymentRefunded, domain.StatusRefunded, orderID, domain.PaymentCaptured,
		domain.StatusCompleted, domain.StatusCancelled, domain.StatusRefunded)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := appendHistory(ctx, tx, orderID, domain.StatusRefunded, actor, notes); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func (r *Repository) SetGatewaySession(ctx context.Context, orderID, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET gateway_session_id = $1, updated_at = NOW()
		WHERE id = $2
	`, sessionID, orderID)
	return err
}

// ListExpiredPendingPayments returns online orders still awaiting payment
// past the cutoff, with items so the caller can release their stock.
func (r *Repository) ListExpiredPendingPayments(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_method = $1 AND payment_status = $2 AND status = $3 AND created_at < $4
		ORDER BY created_at
		LIMIT $5
	`, domain.PaymentMethodOnline, domain.PaymentPending, domain.StatusPending, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []domain.Order
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		if err := r.loadItems(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus, actor domain.Actor, notes string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, actor_role, notes, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, orderID, status, actor, notes)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var verifiedAt sql.NullTime
	err := row.Scan(
		&order.ID, &order.OrderNumber, &order.CustomerID, &order.Subtotal,
		&order.ShippingFee, &order.Taxes, &order.TotalAmount,
		&order.PaymentMethod, &order.Payment.Status,
		&order.Payment.GatewaySessionID, &order.Payment.GatewayPaymentID, &verifiedAt,
		&order.Status, &order.ShippingAddress.Name, &order.ShippingAddress.Phone,
		&order.ShippingAddress.Line1, &order.ShippingAddress.Line2,
		&order.ShippingAddress.City, &order.ShippingAddress.State,
		&order.ShippingAddress.PostalCode, &order.ShippingAddress.Country,
		&order.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		order.Payment.VerifiedAt = &verifiedAt.Time
	}
	return order, nil
}

func scanItem(row rowScanner, orderID *string) (*domain.OrderItem, error) {
	item := &domain.OrderItem{}
	var variantName string
	err := row.Scan(orderID, &item.ProductID, &item.VariantID, &item.ShopID,
		&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.PurchaseType,
		&item.ProductSnapshot.Name, &item.ProductSnapshot.ImageURL,
		&variantName, &item.ShopSnapshot.Name, &item.ShopSnapshot.Phone)
	if err != nil {
		return nil, err
	}
	if item.VariantID != "" {
		item.VariantSnapshot = &domain.VariantSnapshot{Name: variantName}
	}
	return item, nil
}

func (r *Repository) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, variant_id, shop_id, quantity, unit_price,
		       total_price, purchase_type, product_name, product_image,
		       variant_name, shop_name, shop_phone
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, order.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		item, err := scanItem(rows, &id)
		if err != nil {
			return err
		}
		order.Items = append(order.Items, *item)
	}
	return rows.Err()
}

func (r *Repository) loadHistory(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, actor_role, notes, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id
	`, order.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var change domain.StatusChange
		if err := rows.Scan(&change.Status, &change.ActorRole, &change.Notes, &change.At); err != nil {
			return err
		}
		order.History = append(order.History, change)
	}
	return rows.Err()
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(at.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor: %w", err)
	}
	return t, id, nil
}
