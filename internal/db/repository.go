package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrDuplicateDedupKey indicates a non-suppressed notification already exists
// for the dedup key within its window. The partial unique index on
// notifications(dedup_key) backstops the Redis reservation when Redis is down.
var ErrDuplicateDedupKey = errors.New("duplicate dedup key")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for notifications, delivery
// attempts, and preferences.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification in pending state.
// Returns ErrDuplicateDedupKey if an unexpired, non-suppressed notification
// with the same dedup key already exists.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, type, payload, state, dedup_key, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.RecipientID,
		notif.Type,
		notif.Payload,
		notif.State,
		notif.DedupKey,
		notif.ExpiresAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateDedupKey
		}
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("recipient_id", notif.RecipientID.String()),
		zap.String("type", notif.Type),
	)

	return nil
}

const notificationColumns = `
	id, recipient_id, type, payload, state, dedup_key,
	expires_at, read_at, created_at, updated_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var notif Notification
	err := row.Scan(
		&notif.ID,
		&notif.RecipientID,
		&notif.Type,
		&notif.Payload,
		&notif.State,
		&notif.DedupKey,
		&notif.ExpiresAt,
		&notif.ReadAt,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &notif, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// GetActiveByDedupKey retrieves the unexpired, non-suppressed notification
// holding the dedup key, if any.
func (r *Repository) GetActiveByDedupKey(ctx context.Context, dedupKey string) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE dedup_key = $1 AND state <> $2 AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, dedupKey, StateSuppressed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query by dedup key: %w", err)
	}

	return notif, nil
}

// RotateExpiredDedupKey frees a dedup key held only by notifications whose
// window has ended, so a new event can claim it. The rotated rows keep their
// history under a derived key that can never collide again. Returns true if
// any row was rotated.
func (r *Repository) RotateExpiredDedupKey(ctx context.Context, dedupKey string) (bool, error) {
	query := `
		UPDATE notifications
		SET dedup_key = dedup_key || ':' || id::text, updated_at = NOW()
		WHERE dedup_key = $1 AND expires_at <= NOW()
	`

	result, err := r.db.Pool().Exec(ctx, query, dedupKey)
	if err != nil {
		return false, fmt.Errorf("rotate dedup key: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ListNotificationsByRecipient retrieves notifications for a user with pagination
func (r *Repository) ListNotificationsByRecipient(
	ctx context.Context,
	recipientID uuid.UUID,
	limit int,
	offset int,
) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND state <> $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, StateSuppressed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// ListNotificationsSince retrieves a recipient's notifications created after
// the given timestamp, oldest first. Used for the bounded replay window on
// reconnect; callers clamp since to the configured window.
func (r *Repository) ListNotificationsSince(
	ctx context.Context,
	recipientID uuid.UUID,
	since time.Time,
	limit int,
) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND state <> $2 AND created_at > $3
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, StateSuppressed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications since: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	return notifications, rows.Err()
}

// GetNotificationState returns just the state column. Delivery retries check
// this before firing so work for read or suppressed notifications is dropped.
func (r *Repository) GetNotificationState(ctx context.Context, id uuid.UUID) (string, error) {
	var state string
	err := r.db.Pool().QueryRow(ctx, `SELECT state FROM notifications WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query notification state: %w", err)
	}
	return state, nil
}

// MarkRead transitions a notification to read for its recipient.
func (r *Repository) MarkRead(ctx context.Context, id, recipientID uuid.UUID) error {
	query := `
		UPDATE notifications
		SET state = $1, read_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND recipient_id = $3 AND state <> $4
	`

	result, err := r.db.Pool().Exec(ctx, query, StateRead, id, recipientID, StateSuppressed)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	return nil
}

// UnreadCount returns the number of unread, non-suppressed notifications.
func (r *Repository) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND state IN ($2, $3, $4)
	`
	err := r.db.Pool().QueryRow(ctx, query, recipientID, StatePending, StateDelivered, StateFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// RecordChannelAttempt upserts the delivery attempt row for one channel of a
// notification. A notification has at most one row per channel; repeated
// calls update state and attempt count in place.
func (r *Repository) RecordChannelAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (
			id, notification_id, channel, state, attempt, error_message, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (notification_id, channel) DO UPDATE
		SET state = EXCLUDED.state,
		    attempt = EXCLUDED.attempt,
		    error_message = EXCLUDED.error_message,
		    next_retry_at = EXCLUDED.next_retry_at,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, query,
		attempt.ID,
		attempt.NotificationID,
		attempt.Channel,
		attempt.State,
		attempt.Attempt,
		attempt.ErrorMessage,
		attempt.NextRetryAt,
	).Scan(&attempt.ID, &attempt.CreatedAt, &attempt.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to record channel attempt",
			zap.Error(err),
			zap.String("notification_id", attempt.NotificationID.String()),
			zap.String("channel", attempt.Channel),
		)
		return fmt.Errorf("record channel attempt: %w", err)
	}

	return nil
}

// ListChannelAttempts returns the per-channel attempt rows for a notification.
func (r *Repository) ListChannelAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, channel, state, attempt,
		       error_message, next_retry_at, created_at, updated_at
		FROM delivery_attempts
		WHERE notification_id = $1
		ORDER BY channel
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query channel attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.NotificationID,
			&a.Channel,
			&a.State,
			&a.Attempt,
			&a.ErrorMessage,
			&a.NextRetryAt,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan channel attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

// MarkChannelDelivered records a successful channel attempt and promotes the
// notification to delivered if it is still pending.
func (r *Repository) MarkChannelDelivered(ctx context.Context, notificationID uuid.UUID, channel string, attemptCount int) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts (id, notification_id, channel, state, attempt)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id, channel) DO UPDATE
		SET state = EXCLUDED.state,
		    attempt = EXCLUDED.attempt,
		    error_message = NULL,
		    next_retry_at = NULL,
		    updated_at = NOW()
	`, uuid.New(), notificationID, channel, AttemptDelivered, attemptCount)
	if err != nil {
		return fmt.Errorf("mark attempt delivered: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE notifications SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
	`, StateDelivered, notificationID, StatePending)
	if err != nil {
		return fmt.Errorf("promote notification: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// MarkChannelFailed records a terminal channel failure. If every eligible
// channel has now failed or been skipped, the notification itself moves to
// failed so the list surface can show a not-delivered indicator.
func (r *Repository) MarkChannelFailed(ctx context.Context, notificationID uuid.UUID, channel string, attemptCount int, lastError string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts (id, notification_id, channel, state, attempt, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (notification_id, channel) DO UPDATE
		SET state = EXCLUDED.state,
		    attempt = EXCLUDED.attempt,
		    error_message = EXCLUDED.error_message,
		    next_retry_at = NULL,
		    updated_at = NOW()
	`, uuid.New(), notificationID, channel, AttemptFailed, attemptCount, lastError)
	if err != nil {
		return fmt.Errorf("mark attempt failed: %w", err)
	}

	// Fail the notification only when no channel delivered and none is still
	// pending or deferred.
	_, err = tx.Exec(ctx, `
		UPDATE notifications SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
		AND NOT EXISTS (
			SELECT 1 FROM delivery_attempts
			WHERE notification_id = $2 AND state IN ($4, $5, $6)
		)
	`, StateFailed, notificationID, StatePending, AttemptDelivered, AttemptPending, AttemptDeferredDigest)
	if err != nil {
		return fmt.Errorf("fail notification: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("channel marked failed",
		zap.String("notification_id", notificationID.String()),
		zap.String("channel", channel),
		zap.String("last_error", lastError),
	)

	return nil
}

// GetPreference loads the (user, type) preference, lazily inserting platform
// defaults on first evaluation.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID, notifType string, defaults NotificationPreference) (*NotificationPreference, error) {
	insert := `
		INSERT INTO notification_preferences (
			user_id, type, socket_enabled, push_enabled, email_enabled,
			quiet_hours_start, quiet_hours_end, frequency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, type) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, insert,
		userID,
		notifType,
		defaults.SocketEnabled,
		defaults.PushEnabled,
		defaults.EmailEnabled,
		defaults.QuietHoursStart,
		defaults.QuietHoursEnd,
		defaults.Frequency,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure preference: %w", err)
	}

	query := `
		SELECT user_id, type, socket_enabled, push_enabled, email_enabled,
		       quiet_hours_start, quiet_hours_end, frequency, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND type = $2
	`

	var pref NotificationPreference
	err = r.db.Pool().QueryRow(ctx, query, userID, notifType).Scan(
		&pref.UserID,
		&pref.Type,
		&pref.SocketEnabled,
		&pref.PushEnabled,
		&pref.EmailEnabled,
		&pref.QuietHoursStart,
		&pref.QuietHoursEnd,
		&pref.Frequency,
		&pref.CreatedAt,
		&pref.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	return &pref, nil
}

// UpdatePreference overwrites a user's settings for one notification type.
func (r *Repository) UpdatePreference(ctx context.Context, pref *NotificationPreference) error {
	query := `
		INSERT INTO notification_preferences (
			user_id, type, socket_enabled, push_enabled, email_enabled,
			quiet_hours_start, quiet_hours_end, frequency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, type) DO UPDATE
		SET socket_enabled = EXCLUDED.socket_enabled,
		    push_enabled = EXCLUDED.push_enabled,
		    email_enabled = EXCLUDED.email_enabled,
		    quiet_hours_start = EXCLUDED.quiet_hours_start,
		    quiet_hours_end = EXCLUDED.quiet_hours_end,
		    frequency = EXCLUDED.frequency,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		pref.UserID,
		pref.Type,
		pref.SocketEnabled,
		pref.PushEnabled,
		pref.EmailEnabled,
		pref.QuietHoursStart,
		pref.QuietHoursEnd,
		pref.Frequency,
	).Scan(&pref.CreatedAt, &pref.UpdatedAt)

	if err != nil {
		return fmt.Errorf("update preference: %w", err)
	}

	r.logger.Info("preference updated",
		zap.String("user_id", pref.UserID.String()),
		zap.String("type", pref.Type),
	)

	return nil
}
