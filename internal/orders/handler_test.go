package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/IngaleChinmay04/locallens-orders/internal/catalog"
	"github.com/IngaleChinmay04/locallens-orders/internal/checkout"
	"github.com/IngaleChinmay04/locallens-orders/internal/domain"
	"github.com/IngaleChinmay04/locallens-orders/internal/payment"
)

type stubCheckout struct {
	placeFn func(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	retryFn func(ctx context.Context, orderID, customerID string) (*payment.Session, error)
}

func (s *stubCheckout) PlaceOrder(ctx context.Context, req checkout.Request) (*checkout.Result, error) {
	return s.placeFn(ctx, req)
}

func (s *stubCheckout) RetryPaymentSession(ctx context.Context, orderID, customerID string) (*payment.Session, error) {
	return s.retryFn(ctx, orderID, customerID)
}

type stubReconciler struct {
	fn func(ctx context.Context, payload []byte, signature string) (*domain.Order, error)
}

func (s *stubReconciler) Reconcile(ctx context.Context, payload []byte, signature string) (*domain.Order, error) {
	return s.fn(ctx, payload, signature)
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newMemStore(orders ...*domain.Order) *memStore {
	s := &memStore{orders: make(map[string]*domain.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	clone := *o
	return &clone, nil
}

func (s *memStore) List(_ context.Context, customerID, _ string, _ int) ([]domain.Order, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if customerID == "" || o.CustomerID == customerID {
			out = append(out, *o)
		}
	}
	return out, "", nil
}

func (s *memStore) UpdateStatus(_ context.Context, orderID string, from, to domain.OrderStatus, actor domain.Actor, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.History = append(o.History, domain.StatusChange{Status: to, ActorRole: actor, Notes: notes, At: time.Now()})
	return true, nil
}

func (s *memStore) RefundPayment(_ context.Context, orderID string, actor domain.Actor, notes string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Payment.Status != domain.PaymentCaptured {
		return false, nil
	}
	o.Payment.Status = domain.PaymentRefunded
	o.Status = domain.StatusRefunded
	o.History = append(o.History, domain.StatusChange{Status: domain.StatusRefunded, ActorRole: actor, Notes: notes, At: time.Now()})
	return true, nil
}

type recordingReleaser struct {
	mu       sync.Mutex
	released int
}

func (r *recordingReleaser) ReleaseStock(_ context.Context, _, _ string, qty int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released += qty
	return nil
}

func sampleOrder() *domain.Order {
	return &domain.Order{
		ID:            "order-1",
		OrderNumber:   "LL-20260901-00000001",
		CustomerID:    "cust-1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		Payment:       domain.PaymentState{Status: domain.PaymentPending},
		Status:        domain.StatusPending,
		Subtotal:      39800,
		ShippingFee:   5000,
		Taxes:         1990,
		TotalAmount:   46790,
		Items: []domain.OrderItem{
			{ProductID: "prod-1", Quantity: 2, UnitPrice: 19900, TotalPrice: 39800},
		},
		History: []domain.StatusChange{
			{Status: domain.StatusPending, ActorRole: domain.ActorCustomer, Notes: "Order placed", At: time.Now()},
		},
		CreatedAt: time.Now(),
	}
}

func newTestMux(checkoutSvc CheckoutService, reconciler PaymentReconciler, store Store, releaser StockReleaser) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if checkoutSvc == nil {
		checkoutSvc = &stubCheckout{
			placeFn: func(context.Context, checkout.Request) (*checkout.Result, error) {
				return nil, errors.New("not wired")
			},
			retryFn: func(context.Context, string, string) (*payment.Session, error) {
				return nil, errors.New("not wired")
			},
		}
	}
	if reconciler == nil {
		reconciler = &stubReconciler{fn: func(context.Context, []byte, string) (*domain.Order, error) {
			return nil, errors.New("not wired")
		}}
	}
	if store == nil {
		store = newMemStore()
	}
	if releaser == nil {
		releaser = &recordingReleaser{}
	}

	mux := http.NewServeMux()
	NewHandler(checkoutSvc, reconciler, store, releaser, nil, logger).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandlePlaceOrder(t *testing.T) {
	t.Run("places an order", func(t *testing.T) {
		order := sampleOrder()
		svc := &stubCheckout{placeFn: func(_ context.Context, req checkout.Request) (*checkout.Result, error) {
			if req.CustomerID != "cust-1" {
				t.Errorf("expected customer from header, got %q", req.CustomerID)
			}
			if req.IdempotencyKey != "idem-1" {
				t.Errorf("expected idempotency key from header, got %q", req.IdempotencyKey)
			}
			return &checkout.Result{Order: order}, nil
		}}
		mux := newTestMux(svc, nil, nil, nil)

		rec := doJSON(t, mux, http.MethodPost, "/orders", map[string]any{
			"items":          []map[string]any{{"product_id": "prod-1", "quantity": 2}},
			"address_id":     "addr-1",
			"payment_method": "cash_on_delivery",
		}, map[string]string{"X-Customer-ID": "cust-1", "Idempotency-Key": "idem-1"})

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Order *domain.Order `json:"order"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Order.ID != "order-1" {
			t.Errorf("expected order-1, got %s", resp.Order.ID)
		}
	})

	t.Run("duplicate submission returns the existing order with 200", func(t *testing.T) {
		svc := &stubCheckout{placeFn: func(context.Context, checkout.Request) (*checkout.Result, error) {
			return &checkout.Result{Order: sampleOrder(), AlreadyPlaced: true}, nil
		}}
		mux := newTestMux(svc, nil, nil, nil)

		rec := doJSON(t, mux, http.MethodPost, "/orders", map[string]any{
			"items": []map[string]any{{"product_id": "prod-1", "quantity": 2}},
		}, map[string]string{"X-Customer-ID": "cust-1"})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for replayed order, got %d", rec.Code)
		}
	})

	t.Run("missing identity", func(t *testing.T) {
		mux := newTestMux(nil, nil, nil, nil)
		rec := doJSON(t, mux, http.MethodPost, "/orders", map[string]any{}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		mux := newTestMux(nil, nil, nil, nil)
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{not json"))
		req.Header.Set("X-Customer-ID", "cust-1")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("insufficient stock names the line", func(t *testing.T) {
		svc := &stubCheckout{placeFn: func(context.Context, checkout.Request) (*checkout.Result, error) {
			return nil, &checkout.LineError{ProductID: "prod-2", Err: catalog.ErrInsufficientStock}
		}}
		mux := newTestMux(svc, nil, nil, nil)

		rec := doJSON(t, mux, http.MethodPost, "/orders", map[string]any{
			"items": []map[string]any{{"product_id": "prod-2", "quantity": 99}},
		}, map[string]string{"X-Customer-ID": "cust-1"})

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp["error"] != "insufficient stock" || resp["product_id"] != "prod-2" {
			t.Errorf("unexpected error body: %v", resp)
		}
	})

	t.Run("address not found", func(t *testing.T) {
		svc := &stubCheckout{placeFn: func(context.Context, checkout.Request) (*checkout.Result, error) {
			return nil, checkout.ErrAddressNotFound
		}}
		mux := newTestMux(svc, nil, nil, nil)
		rec := doJSON(t, mux, http.MethodPost, "/orders", map[string]any{
			"items": []map[string]any{{"product_id": "prod-1", "quantity": 1}},
		}, map[string]string{"X-Customer-ID": "cust-1"})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandleGet(t *testing.T) {
	store := newMemStore(sampleOrder())
	mux := newTestMux(nil, nil, store, nil)

	t.Run("found", func(t *testing.T) {
		rec := doJSON(t, mux, http.MethodGet, "/orders/order-1", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var order domain.Order
		if err := json.NewDecoder(rec.Body).Decode(&order); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if order.OrderNumber != "LL-20260901-00000001" {
			t.Errorf("unexpected order number %s", order.OrderNumber)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := doJSON(t, mux, http.MethodGet, "/orders/nope", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestHandleList(t *testing.T) {
	mine := sampleOrder()
	other := sampleOrder()
	other.ID = "order-2"
	other.CustomerID = "cust-2"
	store := newMemStore(mine, other)
	mux := newTestMux(nil, nil, store, nil)

	t.Run("customers only see their own orders", func(t *testing.T) {
		rec := doJSON(t, mux, http.MethodGet, "/orders?customer_id=cust-2", nil, map[string]string{
			"X-Customer-ID": "cust-1", "X-Customer-Role": "customer",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Orders []domain.Order `json:"orders"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Orders) != 1 || resp.Orders[0].CustomerID != "cust-1" {
			t.Errorf("customer saw someone else's orders: %+v", resp.Orders)
		}
	})

	t.Run("staff may filter by customer", func(t *testing.T) {
		rec := doJSON(t, mux, http.MethodGet, "/orders?customer_id=cust-2", nil, map[string]string{
			"X-Customer-ID": "staff-1", "X-Customer-Role": "admin",
		})
		var resp struct {
			Orders []domain.Order `json:"orders"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Orders) != 1 || resp.Orders[0].ID != "order-2" {
			t.Errorf("expected cust-2's order, got %+v", resp.Orders)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := doJSON(t, mux, http.MethodGet, "/orders?limit=banana", nil, map[string]string{
			"X-Customer-ID": "cust-1",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandleUpdateStatus(t *testing.T) {
	retailerHdr := map[string]string{"X-Customer-ID": "staff-1", "X-Customer-Role": "retailer"}

	t.Run("valid transition", func(t *testing.T) {
		order := sampleOrder()
		store := newMemStore(order)
		mux := newTestMux(nil, nil, store, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusProcessing, Notes: "accepted"}, retailerHdr)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var updated domain.Order
		if err := json.NewDecoder(rec.Body).Decode(&updated); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if updated.Status != domain.StatusProcessing {
			t.Errorf("expected processing, got %s", updated.Status)
		}
		if len(updated.History) != 2 {
			t.Errorf("expected history append, got %d entries", len(updated.History))
		}
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		store := newMemStore(sampleOrder())
		mux := newTestMux(nil, nil, store, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusPending}, retailerHdr)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		stored, _ := store.GetByID(context.Background(), "order-1")
		if len(stored.History) != 1 {
			t.Errorf("no-op must not append history, got %d entries", len(stored.History))
		}
	})

	t.Run("disallowed transition", func(t *testing.T) {
		store := newMemStore(sampleOrder())
		mux := newTestMux(nil, nil, store, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusCompleted}, retailerHdr)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("customer cannot act on another customer's order", func(t *testing.T) {
		store := newMemStore(sampleOrder())
		mux := newTestMux(nil, nil, store, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusCancelled},
			map[string]string{"X-Customer-ID": "cust-2", "X-Customer-Role": "customer"})

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		mux := newTestMux(nil, nil, newMemStore(sampleOrder()), nil)
		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusCancelled},
			map[string]string{"X-Customer-ID": "x", "X-Customer-Role": "intruder"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("cancellation releases stock", func(t *testing.T) {
		store := newMemStore(sampleOrder())
		releaser := &recordingReleaser{}
		mux := newTestMux(nil, nil, store, releaser)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusCancelled, Notes: "customer changed mind"},
			map[string]string{"X-Customer-ID": "cust-1", "X-Customer-Role": "customer"})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if releaser.released != 2 {
			t.Errorf("expected 2 units released, got %d", releaser.released)
		}
	})

	t.Run("refund goes through the refund path", func(t *testing.T) {
		order := sampleOrder()
		order.Status = domain.StatusProcessing
		order.PaymentMethod = domain.PaymentMethodOnline
		order.Payment.Status = domain.PaymentCaptured
		store := newMemStore(order)
		mux := newTestMux(nil, nil, store, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusRefunded, Notes: "damaged goods"}, retailerHdr)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		stored, _ := store.GetByID(context.Background(), "order-1")
		if stored.Payment.Status != domain.PaymentRefunded {
			t.Errorf("expected refunded payment, got %s", stored.Payment.Status)
		}
	})

	t.Run("lost conditional update maps to conflict", func(t *testing.T) {
		// Another actor moves the order between the read and the update.
		raced := &racingStore{memStore: newMemStore(sampleOrder())}
		mux := newTestMux(nil, nil, raced, nil)

		rec := doJSON(t, mux, http.MethodPatch, "/orders/order-1/status",
			updateStatusRequest{Status: domain.StatusProcessing}, retailerHdr)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})
}

// racingStore simulates a concurrent writer that always wins the conditional
// update.
type racingStore struct {
	*memStore
}

func (s *racingStore) UpdateStatus(context.Context, string, domain.OrderStatus, domain.OrderStatus, domain.Actor, string) (bool, error) {
	return false, nil
}

func TestHandleRetrySession(t *testing.T) {
	t.Run("returns a fresh session", func(t *testing.T) {
		svc := &stubCheckout{retryFn: func(_ context.Context, orderID, customerID string) (*payment.Session, error) {
			if orderID != "order-1" || customerID != "cust-1" {
				t.Errorf("unexpected args %s/%s", orderID, customerID)
			}
			return &payment.Session{ID: "sess_retry", Amount: 46790, Currency: "INR"}, nil
		}}
		mux := newTestMux(svc, nil, nil, nil)

		rec := doJSON(t, mux, http.MethodPost, "/orders/order-1/payment/session", nil,
			map[string]string{"X-Customer-ID": "cust-1"})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var session payment.Session
		if err := json.NewDecoder(rec.Body).Decode(&session); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if session.ID != "sess_retry" {
			t.Errorf("unexpected session %+v", session)
		}
	})

	t.Run("not retriable", func(t *testing.T) {
		svc := &stubCheckout{retryFn: func(context.Context, string, string) (*payment.Session, error) {
			return nil, checkout.ErrNotRetriable
		}}
		mux := newTestMux(svc, nil, nil, nil)
		rec := doJSON(t, mux, http.MethodPost, "/orders/order-1/payment/session", nil,
			map[string]string{"X-Customer-ID": "cust-1"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("gateway still down", func(t *testing.T) {
		svc := &stubCheckout{retryFn: func(context.Context, string, string) (*payment.Session, error) {
			return nil, payment.ErrGatewayUnavailable
		}}
		mux := newTestMux(svc, nil, nil, nil)
		rec := doJSON(t, mux, http.MethodPost, "/orders/order-1/payment/session", nil,
			map[string]string{"X-Customer-ID": "cust-1"})
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", rec.Code)
		}
	})
}

func TestHandlePaymentCallback(t *testing.T) {
	t.Run("forwards payload and signature", func(t *testing.T) {
		order := sampleOrder()
		order.Payment.Status = domain.PaymentCaptured
		order.Status = domain.StatusProcessing
		rec := &stubReconciler{fn: func(_ context.Context, payload []byte, signature string) (*domain.Order, error) {
			if string(payload) != `{"gateway_order_id":"sess_1"}` {
				t.Errorf("unexpected payload %s", payload)
			}
			if signature != "deadbeef" {
				t.Errorf("unexpected signature %s", signature)
			}
			return order, nil
		}}
		mux := newTestMux(nil, rec, nil, nil)

		req := httptest.NewRequest(http.MethodPost, "/payments/callback",
			bytes.NewBufferString(`{"gateway_order_id":"sess_1"}`))
		req.Header.Set("X-Gateway-Signature", "deadbeef")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := &stubReconciler{fn: func(context.Context, []byte, string) (*domain.Order, error) {
			return nil, payment.ErrVerificationFailed
		}}
		mux := newTestMux(nil, rec, nil, nil)
		w := doJSON(t, mux, http.MethodPost, "/payments/callback", map[string]string{}, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := &stubReconciler{fn: func(context.Context, []byte, string) (*domain.Order, error) {
			return nil, payment.ErrOrderNotFound
		}}
		mux := newTestMux(nil, rec, nil, nil)
		w := doJSON(t, mux, http.MethodPost, "/payments/callback", map[string]string{}, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})
}
