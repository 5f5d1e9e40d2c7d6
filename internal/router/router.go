// Package router turns ingested events into persisted notifications and
// fans them out across the socket, push, and email channels according to
// recipient preferences.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/pulse/internal/db"
	"github.com/lumenhq/pulse/internal/delivery"
	"github.com/lumenhq/pulse/internal/metrics"
	"github.com/lumenhq/pulse/internal/redis"
)

// EventNotificationNew is the socket envelope event for a freshly routed
// notification.
const EventNotificationNew = "notification:new"

// Store is the subset of the repository the router needs.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetActiveByDedupKey(ctx context.Context, dedupKey string) (*db.Notification, error)
	RotateExpiredDedupKey(ctx context.Context, dedupKey string) (bool, error)
	GetPreference(ctx context.Context, userID uuid.UUID, notifType string, defaults db.NotificationPreference) (*db.NotificationPreference, error)
	MarkChannelDelivered(ctx context.Context, notificationID uuid.UUID, channel string, attemptCount int) error
	RecordChannelAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error
}

// Presence answers whether a recipient has at least one live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Emitter pushes an event to every live connection of a user, local or on
// a peer instance.
type Emitter interface {
	Emit(ctx context.Context, userID uuid.UUID, event string, data interface{}) error
}

// Event is one ingested occurrence to be routed. CorrelationID ties repeats
// of the same underlying occurrence together for deduplication; events
// without one are never deduplicated.
type Event struct {
	Type          string          `json:"type"`
	RecipientID   uuid.UUID       `json:"recipient_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`

	// Channel-specific provider payloads. A channel without its payload is
	// skipped even when the recipient's preference enables it.
	Email *delivery.EmailPayload `json:"email,omitempty"`
	Push  *delivery.PushPayload  `json:"push,omitempty"`
}

// Channel outcome labels reported in RouteResult.
const (
	OutcomeEmitted      = "emitted"
	OutcomeQueued       = "queued"
	OutcomeSkippedOff   = "skipped_offline"
	OutcomeSkippedQuiet = "skipped_quiet_hours"
	OutcomeSkippedPref  = "skipped_preference"
	OutcomeDeferred     = "deferred_digest"
	OutcomeNoPayload    = "skipped_no_payload"
)

// RouteResult reports what happened to one routed event.
type RouteResult struct {
	NotificationID uuid.UUID         `json:"notification_id"`
	Suppressed     bool              `json:"suppressed"`
	Degraded       bool              `json:"degraded,omitempty"`
	Channels       map[string]string `json:"channels,omitempty"`
}

// Router is the fan-out pipeline: dedup, persist, preference evaluation,
// then per-channel dispatch. Provider I/O never happens on the routing
// path; push and email work is handed to the delivery queue.
type Router struct {
	store       Store
	idempotency *redis.IdempotencyStore // nil when Redis is unavailable
	presence    Presence
	emitter     Emitter
	queue       delivery.Queue
	logger      *zap.Logger

	now func() time.Time
}

// New creates a notification router.
func New(store Store, idempotency *redis.IdempotencyStore, presence Presence, emitter Emitter, queue delivery.Queue, logger *zap.Logger) *Router {
	return &Router{
		store:       store,
		idempotency: idempotency,
		presence:    presence,
		emitter:     emitter,
		queue:       queue,
		logger:      logger,
		now:         time.Now,
	}
}

// DedupKeyFor derives the stable dedup key for an event. Events without a
// correlation ID get a random key, so they never collide.
func DedupKeyFor(ev *Event) string {
	if ev.CorrelationID == "" {
		return uuid.NewString()
	}
	sum := sha256.Sum256([]byte(ev.Type + "|" + ev.RecipientID.String() + "|" + ev.CorrelationID))
	return hex.EncodeToString(sum[:])
}

// Route processes one event end to end. It returns a suppressed result for
// duplicates inside the dedup window; every other path persists a
// notification row and dispatches eligible channels.
func (r *Router) Route(ctx context.Context, ev *Event) (*RouteResult, error) {
	def, err := Lookup(ev.Type)
	if err != nil {
		return nil, fmt.Errorf("route event: %w", err)
	}
	if ev.RecipientID == uuid.Nil {
		return nil, errors.New("route event: recipient_id is required")
	}

	logger := r.logger.With(
		zap.String("type", ev.Type),
		zap.String("recipient_id", ev.RecipientID.String()),
	)

	dedupKey := DedupKeyFor(ev)

	// Fast-path dedup in Redis. The partial unique index on
	// notifications(dedup_key) backstops this when Redis is down.
	degraded := false
	if ev.CorrelationID != "" && r.idempotency != nil {
		reserved, err := r.idempotency.Reserve(ctx, redis.DedupKey(dedupKey), redis.DedupWindow)
		if err != nil {
			degraded = true
			logger.Warn("dedup reservation failed, relying on database constraint", zap.Error(err))
		} else if !reserved {
			metrics.RecordNotificationRouted(ev.Type, "suppressed")
			metrics.RecordIdempotencyHit()
			logger.Info("duplicate event suppressed", zap.String("dedup_key", dedupKey))
			return &RouteResult{Suppressed: true}, nil
		}
	}

	notif := &db.Notification{
		ID:          uuid.New(),
		RecipientID: ev.RecipientID,
		Type:        ev.Type,
		Payload:     ev.Payload,
		State:       db.StatePending,
		DedupKey:    dedupKey,
		ExpiresAt:   r.now().Add(redis.DedupWindow),
	}

	if err := r.store.CreateNotification(ctx, notif); err != nil {
		if !errors.Is(err, db.ErrDuplicateDedupKey) {
			r.releaseDedup(ctx, ev, dedupKey)
			return nil, fmt.Errorf("persist notification: %w", err)
		}

		suppressed, conflictErr := r.resolveDedupConflict(ctx, notif, dedupKey, logger)
		if conflictErr != nil {
			r.releaseDedup(ctx, ev, dedupKey)
			return nil, conflictErr
		}
		if suppressed != nil {
			metrics.RecordNotificationRouted(ev.Type, "suppressed")
			return suppressed, nil
		}
	}

	result := &RouteResult{
		NotificationID: notif.ID,
		Channels:       make(map[string]string, 3),
	}

	// Preference lookup failure degrades to best-effort socket delivery
	// rather than dropping the event on the floor.
	pref, err := r.store.GetPreference(ctx, ev.RecipientID, ev.Type, def.DefaultPreference())
	if err != nil {
		logger.Warn("preference lookup failed, degrading to socket only", zap.Error(err))
		fallback := def.DefaultPreference()
		fallback.PushEnabled = false
		fallback.EmailEnabled = false
		pref = &fallback
		degraded = true
	}

	now := r.now()
	quiet := pref.InQuietHours(now)

	r.routeSocket(ctx, ev, notif, pref, quiet, result, logger)
	r.routeQueued(ctx, ev, notif, def, db.ChannelPush, pref.PushEnabled, pref, quiet, result, logger)
	r.routeQueued(ctx, ev, notif, def, db.ChannelEmail, pref.EmailEnabled, pref, false, result, logger)

	result.Degraded = degraded
	metrics.RecordNotificationRouted(ev.Type, "routed")

	logger.Info("event routed",
		zap.String("notification_id", notif.ID.String()),
		zap.Any("channels", result.Channels),
	)

	return result, nil
}

func (r *Router) routeSocket(ctx context.Context, ev *Event, notif *db.Notification, pref *db.NotificationPreference, quiet bool, result *RouteResult, logger *zap.Logger) {
	if !pref.SocketEnabled {
		result.Channels[db.ChannelSocket] = OutcomeSkippedPref
		return
	}
	if quiet {
		result.Channels[db.ChannelSocket] = OutcomeSkippedQuiet
		r.recordSkip(ctx, notif.ID, db.ChannelSocket, db.AttemptSkippedQuiet)
		return
	}
	if !r.presence.IsOnline(ev.RecipientID.String()) {
		result.Channels[db.ChannelSocket] = OutcomeSkippedOff
		r.recordSkip(ctx, notif.ID, db.ChannelSocket, db.AttemptSkippedOffline)
		return
	}

	if err := r.emitter.Emit(ctx, ev.RecipientID, EventNotificationNew, notif); err != nil {
		// The recipient dropped offline between the check and the emit.
		logger.Debug("socket emit failed", zap.Error(err))
		result.Channels[db.ChannelSocket] = OutcomeSkippedOff
		r.recordSkip(ctx, notif.ID, db.ChannelSocket, db.AttemptSkippedOffline)
		return
	}

	result.Channels[db.ChannelSocket] = OutcomeEmitted
	if err := r.store.MarkChannelDelivered(ctx, notif.ID, db.ChannelSocket, 1); err != nil {
		logger.Warn("failed to mark socket delivered", zap.Error(err))
	}
	metrics.RecordChannelAttempt(db.ChannelSocket, db.AttemptDelivered)
}

// routeQueued handles the push and email channels: both go through the
// delivery queue, never inline on the routing path.
func (r *Router) routeQueued(ctx context.Context, ev *Event, notif *db.Notification, def Definition, channel string, enabled bool, pref *db.NotificationPreference, quiet bool, result *RouteResult, logger *zap.Logger) {
	if !enabled {
		result.Channels[channel] = OutcomeSkippedPref
		return
	}
	if quiet {
		result.Channels[channel] = OutcomeSkippedQuiet
		r.recordSkip(ctx, notif.ID, channel, db.AttemptSkippedQuiet)
		return
	}
	if pref.Frequency == db.FrequencyDigest && !def.BypassDigest {
		result.Channels[channel] = OutcomeDeferred
		r.recordSkip(ctx, notif.ID, channel, db.AttemptDeferredDigest)
		return
	}

	payload := r.channelPayload(ev, channel)
	if payload == nil {
		result.Channels[channel] = OutcomeNoPayload
		return
	}

	task := &delivery.Task{
		NotificationID: notif.ID,
		RecipientID:    ev.RecipientID,
		Type:           ev.Type,
		Channel:        channel,
		Payload:        payload,
	}

	if err := r.queue.Enqueue(ctx, task); err != nil {
		logger.Error("failed to enqueue delivery task",
			zap.String("channel", channel),
			zap.Error(err),
		)
		result.Channels[channel] = db.AttemptFailed
		return
	}

	result.Channels[channel] = OutcomeQueued
	if err := r.store.RecordChannelAttempt(ctx, &db.DeliveryAttempt{
		NotificationID: notif.ID,
		Channel:        channel,
		State:          db.AttemptPending,
	}); err != nil {
		logger.Warn("failed to record channel attempt", zap.Error(err))
	}
}

func (r *Router) channelPayload(ev *Event, channel string) json.RawMessage {
	switch channel {
	case db.ChannelEmail:
		if ev.Email == nil {
			return nil
		}
		data, err := json.Marshal(ev.Email)
		if err != nil {
			return nil
		}
		return data
	case db.ChannelPush:
		if ev.Push == nil {
			return nil
		}
		data, err := json.Marshal(ev.Push)
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

func (r *Router) recordSkip(ctx context.Context, notificationID uuid.UUID, channel, state string) {
	metrics.RecordChannelAttempt(channel, state)
	if err := r.store.RecordChannelAttempt(ctx, &db.DeliveryAttempt{
		NotificationID: notificationID,
		Channel:        channel,
		State:          state,
	}); err != nil {
		r.logger.Warn("failed to record channel skip",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}

// resolveDedupConflict decides whether a unique-index conflict means a live
// duplicate or a key still held by a notification whose window has ended.
// Live duplicates return a suppressed result; an expired holder has its key
// rotated away and the insert is retried, returning nil so routing continues
// with the freshly persisted notif.
func (r *Router) resolveDedupConflict(ctx context.Context, notif *db.Notification, dedupKey string, logger *zap.Logger) (*RouteResult, error) {
	existing, err := r.store.GetActiveByDedupKey(ctx, dedupKey)
	if err != nil {
		logger.Warn("dedup conflict lookup failed, suppressing", zap.Error(err))
		return &RouteResult{Suppressed: true}, nil
	}
	if existing != nil {
		logger.Info("duplicate event suppressed by constraint", zap.String("dedup_key", dedupKey))
		return &RouteResult{Suppressed: true, NotificationID: existing.ID}, nil
	}

	// No unexpired holder: the index conflict came from a notification whose
	// window ended. Free the key and claim it for this event.
	rotated, err := r.store.RotateExpiredDedupKey(ctx, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("rotate expired dedup key: %w", err)
	}
	if !rotated {
		// A concurrent event reclaimed the key first.
		logger.Info("lost dedup key reclaim race, suppressing", zap.String("dedup_key", dedupKey))
		return &RouteResult{Suppressed: true}, nil
	}

	if err := r.store.CreateNotification(ctx, notif); err != nil {
		if errors.Is(err, db.ErrDuplicateDedupKey) {
			logger.Info("lost dedup key reclaim race, suppressing", zap.String("dedup_key", dedupKey))
			return &RouteResult{Suppressed: true}, nil
		}
		return nil, fmt.Errorf("persist notification after key rotation: %w", err)
	}

	logger.Info("reclaimed dedup key from expired notification",
		zap.String("dedup_key", dedupKey),
	)
	return nil, nil
}

// releaseDedup frees the Redis reservation when persisting failed, so the
// event source can retry.
func (r *Router) releaseDedup(ctx context.Context, ev *Event, dedupKey string) {
	if ev.CorrelationID == "" || r.idempotency == nil {
		return
	}
	if err := r.idempotency.Release(ctx, redis.DedupKey(dedupKey)); err != nil {
		r.logger.Warn("failed to release dedup reservation", zap.Error(err))
	}
}
