package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusProcessing     OrderStatus = "processing"
	StatusReadyForPickup OrderStatus = "ready_for_pickup"
	StatusCompleted      OrderStatus = "completed"
	StatusCancelled      OrderStatus = "cancelled"
	StatusRefunded       OrderStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodOnline         PaymentMethod = "online"
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type PurchaseType string

const (
	PurchaseRegular PurchaseType = "regular"
	PurchasePreBook PurchaseType = "pre_book"
	PurchasePreBuy  PurchaseType = "pre_buy"
)

var ErrInvalidOrder = errors.New("invalid order")

// ProductSnapshot is a copy of catalog facts taken when the order is placed.
// It is never re-read from the live catalog afterwards.
type ProductSnapshot struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
}

type VariantSnapshot struct {
	Name string `json:"name"`
}

type ShopSnapshot struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type AddressSnapshot struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// OrderItem is owned by its Order and has no independent lifecycle.
// All monetary fields are integer minor units.
type OrderItem struct {
	ProductID       string           `json:"product_id"`
	VariantID       string           `json:"variant_id,omitempty"`
	ShopID          string           `json:"shop_id"`
	Quantity        int              `json:"quantity"`
	UnitPrice       int64            `json:"unit_price"`
	TotalPrice      int64            `json:"total_price"`
	PurchaseType    PurchaseType     `json:"purchase_type"`
	ProductSnapshot ProductSnapshot  `json:"product_snapshot"`
	VariantSnapshot *VariantSnapshot `json:"variant_snapshot,omitempty"`
	ShopSnapshot    ShopSnapshot     `json:"shop_snapshot"`
}

type PaymentState struct {
	Status           PaymentStatus `json:"status"`
	GatewaySessionID string        `json:"gateway_session_id,omitempty"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	VerifiedAt       *time.Time    `json:"verified_at,omitempty"`
}

// CanCapture reports whether the payment may still move to captured.
func (p PaymentState) CanCapture() bool {
	return p.Status == PaymentPending
}

// CanRefund reports whether the payment may move to refunded.
func (p PaymentState) CanRefund() bool {
	return p.Status == PaymentCaptured
}

// StatusChange is one entry of the append-only order history.
type StatusChange struct {
	Status    OrderStatus `json:"status"`
	ActorRole Actor       `json:"actor_role"`
	Notes     string      `json:"notes"`
	At        time.Time   `json:"at"`
}

type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	CustomerID      string          `json:"customer_id"`
	Items           []OrderItem     `json:"items"`
	Subtotal        int64           `json:"subtotal"`
	ShippingFee     int64           `json:"shipping_fee"`
	Taxes           int64           `json:"taxes"`
	TotalAmount     int64           `json:"total_amount"`
	ShippingAddress AddressSnapshot `json:"shipping_address"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	Payment         PaymentState    `json:"payment"`
	Status          OrderStatus     `json:"status"`
	History         []StatusChange  `json:"history,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewOrderNumber generates the human-readable order reference. It is assigned
// exactly once and doubles as the receipt reference sent to the payment
// gateway.
func NewOrderNumber(now time.Time) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("LL-%s-%s", now.UTC().Format("20060102"), hex.EncodeToString(buf))
}

// ComputeTotals recomputes item totals, the subtotal and the grand total from
// the items. Client-sent totals are never trusted.
func (o *Order) ComputeTotals() {
	var subtotal int64
	for i := range o.Items {
		o.Items[i].TotalPrice = o.Items[i].UnitPrice * int64(o.Items[i].Quantity)
		subtotal += o.Items[i].TotalPrice
	}
	o.Subtotal = subtotal
	o.TotalAmount = subtotal + o.ShippingFee + o.Taxes
}

func (o *Order) Validate() error {
	if o.CustomerID == "" {
		return fmt.Errorf("%w: missing customer id", ErrInvalidOrder)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidOrder)
	}
	if o.PaymentMethod != PaymentMethodOnline && o.PaymentMethod != PaymentMethodCashOnDelivery {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, o.PaymentMethod)
	}
	var subtotal int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: non-positive quantity for product %s", ErrInvalidOrder, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: negative unit price for product %s", ErrInvalidOrder, item.ProductID)
		}
		if item.TotalPrice != item.UnitPrice*int64(item.Quantity) {
			return fmt.Errorf("%w: item total mismatch for product %s", ErrInvalidOrder, item.ProductID)
		}
		subtotal += item.TotalPrice
	}
	if o.Subtotal != subtotal {
		return fmt.Errorf("%w: subtotal %d does not match items %d", ErrInvalidOrder, o.Subtotal, subtotal)
	}
	if o.TotalAmount != o.Subtotal+o.ShippingFee+o.Taxes {
		return fmt.Errorf("%w: total %d does not match subtotal plus fees", ErrInvalidOrder, o.TotalAmount)
	}
	return nil
}
