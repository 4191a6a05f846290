package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
)

type OrderStore interface {
	ListExpiredPendingPayments(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, actor domain.Actor, notes string) (bool, error)
}

type StockReleaser interface {
	ReleaseStock(ctx context.Context, productID, variantID string, qty int) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Expirer cancels online orders whose payment never arrived. It is the
// "system (timeout)" actor of the lifecycle table. The cancel is a
// conditional update on the pending status, so a payment callback landing at
// the same moment wins or loses cleanly, never both.
type Expirer struct {
	orders    OrderStore
	stock     StockReleaser
	events    EventPublisher
	ttl       time.Duration
	tick      time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewExpirer(orders OrderStore, stock StockReleaser, events EventPublisher, ttl, tick time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		orders:    orders,
		stock:     stock,
		events:    events,
		ttl:       ttl,
		tick:      tick,
		batchSize: 100,
		logger:    logger,
	}
}

func (e *Expirer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep cancels one batch of expired orders. Exported so tests and the main
// loop share the same unit of work.
func (e *Expirer) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.ttl)
	expired, err := e.orders.ListExpiredPendingPayments(ctx, cutoff, e.batchSize)
	if err != nil {
		e.logger.Error("failed to list expired pending orders", "error", err)
		return
	}

	for _, order := range expired {
		applied, err := e.orders.UpdateStatus(ctx, order.ID,
			domain.StatusPending, domain.StatusCancelled,
			domain.ActorSystem, "Payment window expired")
		if err != nil {
			e.logger.Error("failed to cancel expired order", "error", err, "order_id", order.ID)
			continue
		}
		if !applied {
			// A payment callback or a staff action got there first.
			continue
		}

		for _, item := range order.Items {
			if err := e.stock.ReleaseStock(ctx, item.ProductID, item.VariantID, item.Quantity); err != nil {
				e.logger.Error("failed to release stock for expired order", "error", err,
					"order_id", order.ID, "product_id", item.ProductID)
			}
		}

		e.logger.Info("cancelled expired order", "order_id", order.ID)

		if e.events != nil {
			event := domain.OrderStatusChangedEvent{
				OrderID:    order.ID,
				CustomerID: order.CustomerID,
				FromStatus: domain.StatusPending,
				ToStatus:   domain.StatusCancelled,
				Timestamp:  time.Now().UTC(),
			}
			if err := e.events.Publish(ctx, order.ID, event); err != nil {
				e.logger.Error("failed to publish cancellation event", "error", err, "order_id", order.ID)
			}
		}
	}
}
