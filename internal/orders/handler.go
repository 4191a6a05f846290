package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/checkout"
	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
	"github.com/IngaleChinmay04/locallens-orders/internal/payment"
)

// Identity headers asserted by the identity collaborator in front of this
// service. The role is trusted as-is.
const (
	headerCustomerID     = "X-Customer-ID"
	headerRole           = "X-Customer-Role"
	headerIdempotency    = "Idempotency-Key"
	headerGatewaySignHdr = "X-Gateway-Signature"
)

const maxCallbackBytes = 64 * 1024

type CheckoutService interface {
	PlaceOrder(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	RetryPaymentSession(ctx context.Context, orderID, customerID string) (*payment.Session, error)
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context, payload []byte, signature string) (*domain.Order, error)
}

type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, customerID, cursor string, limit int) ([]domain.Order, string, error)
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, actor domain.Actor, notes string) (bool, error)
	RefundPayment(ctx context.Context, orderID string, actor domain.Actor, notes string) (bool, error)
}

type StockReleaser interface {
	ReleaseStock(ctx context.Context, productID, variantID string, qty int) error
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Handler struct {
	checkout   CheckoutService
	reconciler PaymentReconciler
	store      Store
	stock      StockReleaser
	events     EventPublisher
	logger     *slog.Logger
}

func NewHandler(checkoutSvc CheckoutService, reconciler PaymentReconciler, store Store,
	stock StockReleaser, events EventPublisher, logger *slog.Logger) *Handler {
	return &Handler{
		checkout:   checkoutSvc,
		reconciler: reconciler,
		store:      store,
		stock:      stock,
		events:     events,
		logger:     logger,
	}
}

// Register wires the handler onto a mux using method patterns.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.HandlePlaceOrder)
	mux.HandleFunc("GET /orders", h.HandleList)
	mux.HandleFunc("GET /orders/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /orders/{id}/status", h.HandleUpdateStatus)
	mux.HandleFunc("POST /orders/{id}/payment/session", h.HandleRetrySession)
	mux.HandleFunc("POST /payments/callback", h.HandlePaymentCallback)
}

type placeOrderRequest struct {
	Items         []checkout.CartLine  `json:"items"`
	AddressID     string               `json:"address_id"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

type placeOrderResponse struct {
	Order          *domain.Order    `json:"order"`
	PaymentSession *payment.Session `json:"payment_session,omitempty"`
}

func (h *Handler) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get(headerCustomerID)
	if customerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing customer identity")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.checkout.PlaceOrder(r.Context(), checkout.Request{
		CustomerID:     customerID,
		Lines:          req.Items,
		AddressID:      req.AddressID,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: r.Header.Get(headerIdempotency),
	})
	if err != nil {
		h.writePlaceOrderError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyPlaced {
		status = http.StatusOK
	}
	h.writeJSON(w, status, placeOrderResponse{
		Order:          result.Order,
		PaymentSession: result.Session,
	})
}

func (h *Handler) writePlaceOrderError(w http.ResponseWriter, err error) {
	var lineErr *checkout.LineError
	if errors.As(err, &lineErr) {
		reason := "catalog item unavailable"
		if errors.Is(err, catalog.ErrInsufficientStock) {
			reason = "insufficient stock"
		}
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"error":      reason,
			"product_id": lineErr.ProductID,
			"variant_id": lineErr.VariantID,
		})
		return
	}

	switch {
	case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, domain.ErrInvalidOrder):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrAddressNotFound):
		h.writeError(w, http.StatusNotFound, "shipping address not found")
	case errors.Is(err, checkout.ErrDuplicateSubmission):
		h.writeError(w, http.StatusConflict, "order submission already in progress")
	default:
		h.logger.Error("failed to place order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type listResponse struct {
	Orders     []domain.Order `json:"orders"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	// Customers only ever see their own orders; staff may list across
	// customers.
	if role := domain.Actor(r.Header.Get(headerRole)); role == domain.ActorCustomer || role == "" {
		customerID = r.Header.Get(headerCustomerID)
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	orders, next, err := h.store.List(r.Context(), customerID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse{Orders: orders, NextCursor: next})
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
	Notes  string             `json:"notes"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := domain.Actor(r.Header.Get(headerRole))
	if !domain.ValidActor(actor) {
		h.writeError(w, http.StatusUnauthorized, "missing or unknown actor role")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidStatus(req.Status) {
		h.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if actor == domain.ActorCustomer && order.CustomerID != r.Header.Get(headerCustomerID) {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	// Requesting the current status is a no-op, not an error, so retried
	// client requests are harmless.
	if order.Status == req.Status {
		h.writeJSON(w, http.StatusOK, order)
		return
	}

	if err := domain.CheckTransition(order, req.Status, actor); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	from := order.Status
	var applied bool
	if req.Status == domain.StatusRefunded {
		applied, err = h.store.RefundPayment(r.Context(), id, actor, req.Notes)
	} else {
		applied, err = h.store.UpdateStatus(r.Context(), id, from, req.Status, actor, req.Notes)
	}
	if err != nil {
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !applied {
		// Lost the conditional update to a concurrent actor.
		h.writeError(w, http.StatusConflict, domain.ErrConflict.Error())
		return
	}

	if req.Status == domain.StatusCancelled {
		h.releaseOrderStock(r.Context(), order)
	}

	h.publishStatusChange(r.Context(), order, from, req.Status)
	h.logger.Info("order status updated", "order_id", id, "from", from, "to", req.Status, "actor", actor)

	updated, err := h.store.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		h.logger.Error("failed to reload order after update", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) HandleRetrySession(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get(headerCustomerID)
	if customerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing customer identity")
		return
	}

	session, err := h.checkout.RetryPaymentSession(r.Context(), r.PathValue("id"), customerID)
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrNotRetriable):
			h.writeError(w, http.StatusConflict, "order is not awaiting a payment session")
		case errors.Is(err, payment.ErrGatewayUnavailable):
			h.writeError(w, http.StatusBadGateway, "payment gateway unavailable, try again later")
		default:
			h.logger.Error("failed to retry payment session", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handler) HandlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	order, err := h.reconciler.Reconcile(r.Context(), payload, r.Header.Get(headerGatewaySignHdr))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrVerificationFailed):
			h.writeError(w, http.StatusUnauthorized, "payment verification failed")
		case errors.Is(err, payment.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "no order for callback")
		case errors.Is(err, domain.ErrConflict):
			h.writeError(w, http.StatusConflict, domain.ErrConflict.Error())
		default:
			h.logger.Error("failed to reconcile payment", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) releaseOrderStock(ctx context.Context, order *domain.Order) {
	for _, item := range order.Items {
		if err := h.stock.ReleaseStock(ctx, item.ProductID, item.VariantID, item.Quantity); err != nil {
			h.logger.Error("failed to release stock on cancellation", "error", err,
				"order_id", order.ID, "product_id", item.ProductID)
		}
	}
}

func (h *Handler) publishStatusChange(ctx context.Context, order *domain.Order, from, to domain.OrderStatus) {
	if h.events == nil {
		return
	}
	event := domain.OrderStatusChangedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		FromStatus: from,
		ToStatus:   to,
		Timestamp:  time.Now().UTC(),
	}
	if err := h.events.Publish(ctx, order.ID, event); err != nil {
		h.logger.Error("failed to publish status change event", "error", err, "order_id", order.ID)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
