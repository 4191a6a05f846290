package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore dedupes retried order submissions for a short window.
type IdempotencyStore interface {
	// Begin claims the key for this attempt. claimed=false with a non-empty
	// existingOrderID means an earlier attempt already finished; claimed=false
	// with an empty id means one is still in flight.
	Begin(ctx context.Context, key string) (existingOrderID string, claimed bool, err error)
	// Complete records the created order id under the key.
	Complete(ctx context.Context, key, orderID string) error
	// Release drops a claim after a failed attempt so the client can retry
	// with the same key.
	Release(ctx context.Context, key string) error
}

const inFlightMarker = "__in_flight__"

type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(addr string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (s *RedisIdempotencyStore) key(key string) string {
	return "orders:idem:" + key
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, key string) (string, bool, error) {
	set, err := s.client.SetNX(ctx, s.key(key), inFlightMarker, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if set {
		return "", true, nil
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		// Key expired between SetNX and Get; treat as claimed.
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == inFlightMarker {
		return "", false, nil
	}
	return val, false, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, orderID string) error {
	return s.client.Set(ctx, s.key(key), orderID, s.ttl).Err()
}

// Release is only called by the claimer, before Complete, so a plain delete
// cannot clobber a recorded order id.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// deriveKey builds a fallback idempotency key for clients that do not send
// one: same customer, same cart, same address within a 30 second bucket maps
// to the same key, so a double-submit dedupes but a deliberate re-order
// later does not.
func deriveKey(req Request, now time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", req.CustomerID, req.AddressID, req.PaymentMethod, now.Unix()/30)
	for _, line := range req.Lines {
		fmt.Fprintf(h, "|%s:%s:%d", line.ProductID, line.VariantID, line.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}
