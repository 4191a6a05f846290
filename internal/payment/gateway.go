package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	ErrSignatureInvalid   = errors.New("callback signature invalid")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Session is the handle the client needs to complete an online payment with
// the external gateway.
type Session struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
}

// VerifiedPayment is the adapter's reading of an authenticated callback. The
// payload's own success claim is only trusted after the signature checks out.
type VerifiedPayment struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Captured         bool
}

type callbackPayload struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Status           string `json:"status"`
}

type createSessionRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

// GatewayClient talks to the external payment provider. Everything
// provider-specific (endpoint shapes, signature scheme) stays inside it.
type GatewayClient struct {
	baseURL string
	keyID   string
	secret  []byte
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Session]
}

func NewGatewayClient(baseURL, keyID, secret string, client *http.Client) *GatewayClient {
	breaker := gobreaker.NewCircuitBreaker[*Session](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
	})
	return &GatewayClient{
		baseURL: baseURL,
		keyID:   keyID,
		secret:  []byte(secret),
		client:  client,
		breaker: breaker,
	}
}

// CreateSession registers a payment intent with the gateway sized to the
// order total. The call is bounded by the client timeout and guarded by a
// circuit breaker; any failure maps to ErrGatewayUnavailable so the caller
// can keep the order pending and retry later.
func (c *GatewayClient) CreateSession(ctx context.Context, amount int64, currency, orderRef string) (*Session, error) {
	session, err := c.breaker.Execute(func() (*Session, error) {
		return c.createSession(ctx, amount, currency, orderRef)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrGatewayUnavailable)
		}
		return nil, err
	}
	return session, nil
}

func (c *GatewayClient) createSession(ctx context.Context, amount int64, currency, orderRef string) (*Session, error) {
	body, err := json.Marshal(createSessionRequest{
		Amount:   amount,
		Currency: currency,
		Receipt:  orderRef,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, string(c.secret))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: gateway returned empty session id", ErrGatewayUnavailable)
	}

	return &Session{
		ID:       out.ID,
		Amount:   amount,
		Currency: currency,
		KeyID:    c.keyID,
	}, nil
}

// VerifyCallback authenticates an inbound gateway callback. The signature is
// a hex HMAC-SHA256 of the raw payload under the shared secret, compared in
// constant time. The payload fields are only read after the check passes.
func (c *GatewayClient) VerifyCallback(payload []byte, signature string) (*VerifiedPayment, error) {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrSignatureInvalid
	}

	var cb callbackPayload
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("malformed callback payload: %w", err)
	}
	if cb.GatewayOrderID == "" {
		return nil, errors.New("callback missing gateway order id")
	}

	return &VerifiedPayment{
		GatewayOrderID:   cb.GatewayOrderID,
		GatewayPaymentID: cb.GatewayPaymentID,
		Captured:         cb.Status == "captured",
	}, nil
}

// SignPayload computes the callback signature for a payload. Exposed for the
// tests' fake gateway; the real provider signs on its side with the same
// shared secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
