package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is the persisted record of a routed event. It exists
// regardless of which channels end up delivering it.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       string          `json:"state"`
	DedupKey    string          `json:"dedup_key"`
	ExpiresAt   time.Time       `json:"expires_at"` // end of the dedup window
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Notification state constants
const (
	StatePending    = "pending"
	StateDelivered  = "delivered"
	StateRead       = "read"
	StateSuppressed = "suppressed"
	StateFailed     = "failed"
)

// Channel constants
const (
	ChannelSocket = "socket"
	ChannelPush   = "push"
	ChannelEmail  = "email"
)

// Delivery attempt state constants
const (
	AttemptPending        = "pending"
	AttemptDelivered      = "delivered"
	AttemptSkippedOffline = "skipped_offline"
	AttemptSkippedQuiet   = "skipped_quiet_hours"
	AttemptDeferredDigest = "deferred_digest"
	AttemptFailed         = "failed"
)

// Preference frequency constants
const (
	FrequencyInstant = "instant"
	FrequencyDigest  = "digest"
)

// DeliveryAttempt records the outcome of one channel of a notification.
// A notification has at most one attempt row per channel.
type DeliveryAttempt struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Channel        string     `json:"channel"`
	State          string     `json:"state"`
	Attempt        int        `json:"attempt"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NotificationPreference holds one user's delivery settings for one
// notification type. Rows are created lazily with platform defaults the
// first time the router evaluates the (user, type) pair.
type NotificationPreference struct {
	UserID          uuid.UUID `json:"user_id"`
	Type            string    `json:"type"`
	SocketEnabled   bool      `json:"socket_enabled"`
	PushEnabled     bool      `json:"push_enabled"`
	EmailEnabled    bool      `json:"email_enabled"`
	QuietHoursStart *string   `json:"quiet_hours_start,omitempty"` // "15:04" local time
	QuietHoursEnd   *string   `json:"quiet_hours_end,omitempty"`
	Frequency       string    `json:"frequency"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// InQuietHours reports whether t falls inside the preference's quiet hours
// window. Windows may wrap past midnight (22:00 -> 07:00).
func (p *NotificationPreference) InQuietHours(t time.Time) bool {
	if p.QuietHoursStart == nil || p.QuietHoursEnd == nil {
		return false
	}

	start, err := time.Parse("15:04", *p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", *p.QuietHoursEnd)
	if err != nil {
		return false
	}

	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	nowMin := t.Hour()*60 + t.Minute()

	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Wraps midnight
	return nowMin >= startMin || nowMin < endMin
}
