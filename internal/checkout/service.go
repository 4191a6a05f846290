package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
	"github.com/IngaleChinmay04/locallens-orders/internal/payment"
	"github.com/IngaleChinmay04/locallens-orders/internal/telemetry"
)

var (
	ErrEmptyCart           = errors.New("cart is empty, nothing to checkout")
	ErrAddressNotFound     = errors.New("shipping address not found")
	ErrDuplicateSubmission = errors.New("an identical order submission is already in flight")
	ErrNotRetriable        = errors.New("order is not awaiting a payment session")
)

// LineError reports a checkout failure for a single cart line, so the client
// can point at the offending item.
type LineError struct {
	ProductID string
	VariantID string
	Err       error
}

func (e *LineError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("product %s variant %s: %v", e.ProductID, e.VariantID, e.Err)
	}
	return fmt.Sprintf("product %s: %v", e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

type CartLine struct {
	ProductID    string              `json:"product_id"`
	VariantID    string              `json:"variant_id,omitempty"`
	Quantity     int                 `json:"quantity"`
	PurchaseType domain.PurchaseType `json:"purchase_type,omitempty"`
}

type Request struct {
	CustomerID     string
	Lines          []CartLine
	AddressID      string
	PaymentMethod  domain.PaymentMethod
	IdempotencyKey string
}

// Result is the checkout outcome. Session is nil for cash-on-delivery orders
// and for online orders whose gateway session could not be created; in the
// latter case the order is still persisted pending and the session can be
// retried.
type Result struct {
	Order         *domain.Order
	Session       *payment.Session
	AlreadyPlaced bool
}

type Catalog interface {
	GetProductForSnapshot(ctx context.Context, productID, variantID string) (*catalog.Product, *catalog.Variant, error)
	GetShop(ctx context.Context, shopID string) (*catalog.Shop, error)
	ReserveStock(ctx context.Context, productID, variantID string, qty int) error
	ReleaseStock(ctx context.Context, productID, variantID string, qty int) error
}

type AddressBook interface {
	GetAddress(ctx context.Context, addressID, customerID string) (*domain.AddressSnapshot, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	SetGatewaySession(ctx context.Context, orderID, sessionID string) error
}

type SessionCreator interface {
	CreateSession(ctx context.Context, amount int64, currency, orderRef string) (*payment.Session, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Config holds the pricing policy the orchestrator applies server-side.
// Client-sent amounts are never used.
type Config struct {
	Currency       string
	ShippingFee    int64
	TaxRateBps     int64
	GatewayTimeout time.Duration
}

type Service struct {
	catalog   Catalog
	addresses AddressBook
	orders    OrderStore
	sessions  SessionCreator
	idem      IdempotencyStore
	events    EventPublisher
	metrics   *telemetry.OrderMetrics
	cfg       Config
	logger    *slog.Logger
}

func NewService(cat Catalog, addresses AddressBook, orders OrderStore, sessions SessionCreator,
	idem IdempotencyStore, events EventPublisher, metrics *telemetry.OrderMetrics,
	cfg Config, logger *slog.Logger) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &Service{
		catalog:   cat,
		addresses: addresses,
		orders:    orders,
		sessions:  sessions,
		idem:      idem,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// PlaceOrder turns a cart into a durable order. Stock is reserved line by
// line with an atomic conditional decrement; any failure afterwards releases
// what was already reserved, so a failed checkout never leaks stock.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (*Result, error) {
	if len(req.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: non-positive quantity for product %s", domain.ErrInvalidOrder, line.ProductID)
		}
	}
	if req.PaymentMethod != domain.PaymentMethodOnline && req.PaymentMethod != domain.PaymentMethodCashOnDelivery {
		return nil, fmt.Errorf("%w: unknown payment method %q", domain.ErrInvalidOrder, req.PaymentMethod)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = deriveKey(req, time.Now())
	}

	holdsClaim := false
	if s.idem != nil {
		existingID, claimed, err := s.idem.Begin(ctx, key)
		if err != nil {
			// Dedupe is best-effort; correctness still holds via the
			// conditional updates everywhere else.
			s.logger.Error("idempotency store unavailable", "error", err)
		} else if !claimed {
			if existingID == "" {
				return nil, ErrDuplicateSubmission
			}
			existing, err := s.orders.GetByID(ctx, existingID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				s.logger.Info("returning previously placed order for idempotency key", "order_id", existing.ID)
				return &Result{Order: existing, AlreadyPlaced: true}, nil
			}
		} else {
			holdsClaim = true
		}
	}

	addr, err := s.addresses.GetAddress(ctx, req.AddressID, req.CustomerID)
	if err != nil {
		s.releaseClaim(ctx, key, holdsClaim)
		return nil, err
	}
	if addr == nil {
		s.releaseClaim(ctx, key, holdsClaim)
		return nil, ErrAddressNotFound
	}

	items, err := s.reserveAndSnapshot(ctx, req.Lines)
	if err != nil {
		s.releaseClaim(ctx, key, holdsClaim)
		return nil, err
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:              uuid.New().String(),
		OrderNumber:     domain.NewOrderNumber(now),
		CustomerID:      req.CustomerID,
		Items:           items,
		ShippingFee:     s.cfg.ShippingFee,
		ShippingAddress: *addr,
		PaymentMethod:   req.PaymentMethod,
		Payment:         domain.PaymentState{Status: domain.PaymentPending},
		Status:          domain.StatusPending,
		CreatedAt:       now,
	}
	order.ComputeTotals()
	order.Taxes = order.Subtotal * s.cfg.TaxRateBps / 10000
	order.TotalAmount = order.Subtotal + order.ShippingFee + order.Taxes
	order.History = []domain.StatusChange{{
		Status:    domain.StatusPending,
		ActorRole: domain.ActorCustomer,
		Notes:     "Order placed",
		At:        now,
	}}

	if err := order.Validate(); err != nil {
		s.releaseItems(ctx, items)
		s.releaseClaim(ctx, key, holdsClaim)
		return nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		s.releaseItems(ctx, items)
		s.releaseClaim(ctx, key, holdsClaim)
		return nil, err
	}

	if s.idem != nil {
		if err := s.idem.Complete(ctx, key, order.ID); err != nil {
			s.logger.Error("failed to record idempotency key", "error", err, "order_id", order.ID)
		}
	}

	s.logger.Info("order placed", "order_id", order.ID, "order_number", order.OrderNumber,
		"customer_id", order.CustomerID, "total", order.TotalAmount)
	if s.metrics != nil {
		s.metrics.OrdersPlaced.Add(ctx, 1)
	}
	s.publishPlaced(ctx, order)

	result := &Result{Order: order}
	if req.PaymentMethod == domain.PaymentMethodOnline {
		result.Session = s.createSession(ctx, order)
	}

	return result, nil
}

// releaseClaim frees the idempotency key after a failed checkout so the same
// key can be retried immediately, instead of bouncing until the TTL runs out.
func (s *Service) releaseClaim(ctx context.Context, key string, holdsClaim bool) {
	if !holdsClaim {
		return
	}
	if err := s.idem.Release(ctx, key); err != nil {
		s.logger.Error("failed to release idempotency key", "error", err)
	}
}

// RetryPaymentSession creates a gateway session for a pending online order
// whose earlier session attempt failed. The order itself was never lost.
func (s *Service) RetryPaymentSession(ctx context.Context, orderID, customerID string) (*payment.Session, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.CustomerID != customerID {
		return nil, ErrNotRetriable
	}
	if order.PaymentMethod != domain.PaymentMethodOnline ||
		order.Payment.Status != domain.PaymentPending ||
		order.Status != domain.StatusPending {
		return nil, ErrNotRetriable
	}

	session := s.createSession(ctx, order)
	if session == nil {
		return nil, payment.ErrGatewayUnavailable
	}
	return session, nil
}

// createSession asks the gateway for a payment session under a bounded
// timeout. Failure leaves the order pending and retriable; it never guesses
// success.
func (s *Service) createSession(ctx context.Context, order *domain.Order) *payment.Session {
	sessionCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	session, err := s.sessions.CreateSession(sessionCtx, order.TotalAmount, s.cfg.Currency, order.OrderNumber)
	if err != nil {
		s.logger.Error("failed to create payment session, order stays pending", "error", err, "order_id", order.ID)
		return nil
	}

	if err := s.orders.SetGatewaySession(ctx, order.ID, session.ID); err != nil {
		s.logger.Error("failed to store gateway session id", "error", err, "order_id", order.ID)
		return nil
	}

	order.Payment.GatewaySessionID = session.ID
	return session
}

func (s *Service) publishPlaced(ctx context.Context, order *domain.Order) {
	if s.events == nil {
		return
	}
	event := domain.OrderStatusChangedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		ToStatus:   domain.StatusPending,
		Timestamp:  order.CreatedAt,
	}
	if err := s.events.Publish(ctx, order.ID, event); err != nil {
		s.logger.Error("failed to publish order placed event", "error", err, "order_id", order.ID)
	}
}
