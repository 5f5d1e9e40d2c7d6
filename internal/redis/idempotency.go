package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DedupWindow is how long a routed event's dedup key is held. Repeated
	// submissions of the same (type, recipient, correlation) inside the
	// window are suppressed.
	DedupWindow = 24 * time.Hour

	// DeliveryOutcomeTTL is how long a recorded provider outcome is kept.
	// Long enough to cover the full retry schedule of a delivery task.
	DeliveryOutcomeTTL = 24 * time.Hour

	// reservationTTL bounds how long an in-flight reservation blocks
	// concurrent attempts before it self-expires.
	reservationTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrInProgress indicates another worker currently holds the key.
var ErrInProgress = errors.New("operation with this key is in progress")

// Outcome is the recorded result of a keyed operation. Retries of the same
// key observe the same outcome instead of re-executing the side effect.
type Outcome struct {
	Result         string `json:"result"`
	NotificationID string `json:"notification_id,omitempty"`
	Channel        string `json:"channel,omitempty"`
	RecordedAt     int64  `json:"recorded_at"`
}

// IdempotencyStore records operation outcomes in Redis for a bounded window.
// First-writer-wins semantics come from SET NX; concurrent duplicates either
// see the recorded outcome or ErrInProgress.
type IdempotencyStore struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(client *Client, logger *zap.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		logger: logger,
	}
}

// DedupKey namespaces a router dedup key.
func DedupKey(key string) string {
	return "dedup:" + key
}

// DeliveryKey namespaces a (notification, channel) delivery attempt.
func DeliveryKey(notificationID, channel string) string {
	return fmt.Sprintf("delivery:%s:%s", notificationID, channel)
}

// Check retrieves a recorded outcome. Returns (nil, nil) if the key is
// unknown, or ErrInProgress if a reservation is pending.
func (s *IdempotencyStore) Check(ctx context.Context, key string) (*Outcome, error) {
	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrInProgress
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(val), &outcome); err != nil {
		s.logger.Error("failed to unmarshal idempotency outcome", zap.Error(err))
		return nil, fmt.Errorf("invalid recorded outcome: %w", err)
	}

	s.logger.Debug("idempotency hit",
		zap.String("key", key),
		zap.String("result", outcome.Result),
	)

	return &outcome, nil
}

// Store records the outcome of a completed operation.
func (s *IdempotencyStore) Store(ctx context.Context, key string, outcome *Outcome, ttl time.Duration) error {
	if outcome.RecordedAt == 0 {
		outcome.RecordedAt = time.Now().Unix()
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires the key with SET NX (atomic set-if-not-exists).
// Returns true if acquired, false if the key already exists.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = reservationTTL
	}

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation so a later attempt may re-execute. Called when
// the reserved operation fails before an outcome could be recorded.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve atomically checks for a recorded outcome or reserves the
// key. Returns the outcome if found, nil if reserved, or ErrInProgress.
func (s *IdempotencyStore) CheckOrReserve(ctx context.Context, key string, ttl time.Duration) (*Outcome, error) {
	outcome, err := s.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	reserved, err := s.Reserve(ctx, key, ttl)
	if err != nil {
		return nil, err
	}

	if !reserved {
		// Lost the race: either an outcome landed between Check and Reserve
		// or another worker holds the reservation.
		outcome, err := s.Check(ctx, key)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		return nil, ErrInProgress
	}

	return nil, nil
}
