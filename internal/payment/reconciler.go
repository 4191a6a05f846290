package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
	"github.com/IngaleChinmay04/locallens-orders/internal/telemetry"
)

var (
	ErrVerificationFailed = errors.New("payment verification failed")
	ErrOrderNotFound      = errors.New("order not found for callback")
)

type Verifier interface {
	VerifyCallback(payload []byte, signature string) (*VerifiedPayment, error)
}

type OrderStore interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error)
	// CapturePayment conditionally flips the payment to captured and the
	// order to processing in one transaction, guarded on the payment still
	// being pending. Returns false when the guard did not match.
	CapturePayment(ctx context.Context, orderID, gatewayPaymentID string, verifiedAt time.Time) (bool, error)
	// FailPayment conditionally marks the payment failed and cancels the
	// order, guarded the same way.
	FailPayment(ctx context.Context, orderID string) (bool, error)
}

type StockReleaser interface {
	ReleaseStock(ctx context.Context, productID, variantID string, qty int) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Reconciler resolves gateway callbacks against the order record. It is safe
// under at-least-once delivery: duplicates and races collapse onto the single
// conditional update in the store.
type Reconciler struct {
	verifier Verifier
	orders   OrderStore
	stock    StockReleaser
	events   EventPublisher
	metrics  *telemetry.OrderMetrics
	logger   *slog.Logger
}

func NewReconciler(verifier Verifier, orders OrderStore, stock StockReleaser, events EventPublisher, metrics *telemetry.OrderMetrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		orders:   orders,
		stock:    stock,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, payload []byte, signature string) (*domain.Order, error) {
	verified, err := r.verifier.VerifyCallback(payload, signature)
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			// Security event: somebody posted a callback we cannot
			// authenticate. The order is left untouched.
			r.logger.Warn("rejected payment callback with bad signature", "signature", signature)
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	order, err := r.orders.GetBySessionID(ctx, verified.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	if order.Payment.Status == domain.PaymentCaptured {
		// Duplicate delivery of a callback we already applied.
		r.logger.Info("duplicate payment callback", "order_id", order.ID, "gateway_payment_id", verified.GatewayPaymentID)
		if r.metrics != nil {
			r.metrics.DuplicateCallbacks.Add(ctx, 1)
		}
		return order, nil
	}

	if verified.Captured {
		return r.capture(ctx, order, verified)
	}
	return r.fail(ctx, order)
}

func (r *Reconciler) capture(ctx context.Context, order *domain.Order, verified *VerifiedPayment) (*domain.Order, error) {
	applied, err := r.orders.CapturePayment(ctx, order.ID, verified.GatewayPaymentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if !applied {
		// Lost the conditional update. If a concurrent delivery of the
		// same callback captured the payment this is a no-op; anything
		// else, such as a cancellation that won the status race, is a
		// genuine conflict and the order stays as it is.
		current, err := r.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.Payment.Status == domain.PaymentCaptured {
			if r.metrics != nil {
				r.metrics.DuplicateCallbacks.Add(ctx, 1)
			}
			return current, nil
		}
		return nil, domain.ErrConflict
	}

	r.logger.Info("payment captured", "order_id", order.ID, "gateway_payment_id", verified.GatewayPaymentID)
	if r.metrics != nil {
		r.metrics.PaymentsCaptured.Add(ctx, 1)
	}
	r.publish(ctx, order, domain.StatusPending, domain.StatusProcessing)

	return r.orders.GetByID(ctx, order.ID)
}

func (r *Reconciler) fail(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	applied, err := r.orders.FailPayment(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if applied {
		r.logger.Info("payment failed at gateway, order cancelled", "order_id", order.ID)
		for _, item := range order.Items {
			if err := r.stock.ReleaseStock(ctx, item.ProductID, item.VariantID, item.Quantity); err != nil {
				r.logger.Error("failed to release stock after payment failure", "error", err,
					"order_id", order.ID, "product_id", item.ProductID)
			}
		}
		r.publish(ctx, order, domain.StatusPending, domain.StatusCancelled)
	}

	return r.orders.GetByID(ctx, order.ID)
}

func (r *Reconciler) publish(ctx context.Context, order *domain.Order, from, to domain.OrderStatus) {
	if r.events == nil {
		return
	}
	event := domain.OrderStatusChangedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		FromStatus: from,
		ToStatus:   to,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.events.Publish(ctx, order.ID, event); err != nil {
		r.logger.Error("failed to publish status change event", "error", err, "order_id", order.ID)
	}
}
