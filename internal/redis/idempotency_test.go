package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyStore_NewKey(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()

	outcome, err := store.CheckOrReserve(ctx, DeliveryKey("n1", "email"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected nil outcome for new key, got: %+v", outcome)
	}
}

func TestIdempotencyStore_ConcurrentReservation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()
	key := DeliveryKey("n1", "email")

	if _, err := store.CheckOrReserve(ctx, key, 0); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}

	if _, err := store.CheckOrReserve(ctx, key, 0); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got: %v", err)
	}
}

func TestIdempotencyStore_RecordedOutcome(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()
	key := DeliveryKey("n1", "email")

	stored := &Outcome{
		Result:         "delivered",
		NotificationID: "n1",
		Channel:        "email",
	}
	if err := store.Store(ctx, key, stored, DeliveryOutcomeTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	outcome, err := store.Check(ctx, key)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if outcome == nil {
		t.Fatal("expected recorded outcome")
	}
	if outcome.Result != "delivered" || outcome.NotificationID != "n1" {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if outcome.RecordedAt == 0 {
		t.Error("expected recorded_at to be stamped")
	}
}

func TestIdempotencyStore_CheckOrReserveReturnsOutcome(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()
	key := DeliveryKey("n2", "push")

	if _, err := store.CheckOrReserve(ctx, key, 0); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := store.Store(ctx, key, &Outcome{Result: "delivered"}, DeliveryOutcomeTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	outcome, err := store.CheckOrReserve(ctx, key, 0)
	if err != nil {
		t.Fatalf("check-or-reserve failed: %v", err)
	}
	if outcome == nil || outcome.Result != "delivered" {
		t.Fatalf("expected delivered outcome, got: %+v", outcome)
	}
}

func TestIdempotencyStore_ReleaseAllowsRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()
	key := DeliveryKey("n3", "email")

	if _, err := store.CheckOrReserve(ctx, key, 0); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	outcome, err := store.CheckOrReserve(ctx, key, 0)
	if err != nil {
		t.Fatalf("expected re-reservation after release, got: %v", err)
	}
	if outcome != nil {
		t.Fatalf("expected nil outcome, got: %+v", outcome)
	}
}

func TestIdempotencyStore_KeysAreDistinct(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()

	if _, err := store.CheckOrReserve(ctx, DeliveryKey("n1", "email"), 0); err != nil {
		t.Fatalf("email reservation failed: %v", err)
	}

	// Same notification, different channel: independent key.
	outcome, err := store.CheckOrReserve(ctx, DeliveryKey("n1", "push"), 0)
	if err != nil {
		t.Fatalf("push channel should reserve independently: %v", err)
	}
	if outcome != nil {
		t.Fatal("push channel should get nil (new key)")
	}
}

func TestIdempotencyStore_ReservationHasTTL(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewIdempotencyStore(client, zap.NewNop())
	ctx := context.Background()
	key := DedupKey("abc")

	reserved, err := store.Reserve(ctx, key, 0)
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	ttl, err := client.rdb.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("ttl lookup failed: %v", err)
	}
	if ttl <= 0 || ttl > reservationTTL {
		t.Fatalf("unexpected reservation ttl: %v", ttl)
	}
}
