// Package delivery dispatches queued notification tasks to external
// providers, wrapped in idempotency, circuit breaking, and backoff retry.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is one unit of queued channel delivery. Tasks are retried, so
// processing must be idempotent on (NotificationID, Channel).
type Task struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	RecipientID    uuid.UUID       `json:"recipient_id"`
	Type           string          `json:"type"`
	Channel        string          `json:"channel"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	EnqueuedAt     int64           `json:"enqueued_at"`
}

// Sender is the unified interface for delivery providers.
type Sender interface {
	Send(ctx context.Context, task *Task) error
	SupportsChannel(channel string) bool
}

// PermanentError marks a provider rejection that retrying cannot fix
// (validation failures, malformed payloads). The channel is marked failed
// and no further attempts are made.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent rejection: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a non-retryable rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is terminal.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// EmailPayload is the provider-facing shape of an email channel task.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// PushPayload is the provider-facing shape of a push channel task.
type PushPayload struct {
	TargetARN string `json:"target_arn"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// LogSender logs tasks instead of contacting a provider. Used in
// development and as the fallback when AWS credentials are absent.
type LogSender struct {
	logger   *zap.Logger
	channels map[string]bool
}

// NewLogSender creates a sender that accepts the given channels.
func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &LogSender{logger: logger, channels: set}
}

func (s *LogSender) Send(ctx context.Context, task *Task) error {
	s.logger.Info("logging delivery (development mode)",
		zap.String("notification_id", task.NotificationID.String()),
		zap.String("channel", task.Channel),
		zap.String("recipient_id", task.RecipientID.String()),
		zap.Any("payload", task.Payload),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}

// MultiSender routes tasks to the first sender supporting the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the task to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, task *Task) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(task.Channel) {
			m.logger.Debug("routing task to sender",
				zap.String("channel", task.Channel),
				zap.String("notification_id", task.NotificationID.String()),
			)
			return sender.Send(ctx, task)
		}
	}

	return Permanent(fmt.Errorf("no sender found for channel: %s", task.Channel))
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// Age returns how long the task has been in flight.
func (t *Task) Age() time.Duration {
	if t.EnqueuedAt == 0 {
		return 0
	}
	return time.Since(time.Unix(0, t.EnqueuedAt))
}
