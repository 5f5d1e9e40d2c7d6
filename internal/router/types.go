package router

import (
	"errors"

	"github.com/lumenhq/pulse/internal/db"
)

// ErrUnknownType is returned for events whose type is not registered.
var ErrUnknownType = errors.New("unknown notification type")

// Notification type constants. The set is closed: routing dispatches through
// the registry below, and unregistered types are rejected at ingest.
const (
	TypeMessage           = "message"
	TypeApplicationStatus = "application_status"
	TypeMentorshipRequest = "mentorship_request"
	TypeSystem            = "system"
)

// Definition describes how one notification type behaves before user
// preferences are applied.
type Definition struct {
	Type string

	// Channel defaults seeded into a user's preference row on first contact.
	DefaultSocket bool
	DefaultPush   bool
	DefaultEmail  bool

	// BypassDigest forces instant delivery even for users on a digest
	// frequency. Reserved for notifications that lose their value if
	// batched, like security and account notices.
	BypassDigest bool
}

var registry = map[string]Definition{
	TypeMessage: {
		Type:          TypeMessage,
		DefaultSocket: true,
		DefaultPush:   true,
		DefaultEmail:  false,
	},
	TypeApplicationStatus: {
		Type:          TypeApplicationStatus,
		DefaultSocket: true,
		DefaultPush:   true,
		DefaultEmail:  true,
	},
	TypeMentorshipRequest: {
		Type:          TypeMentorshipRequest,
		DefaultSocket: true,
		DefaultPush:   true,
		DefaultEmail:  true,
	},
	TypeSystem: {
		Type:          TypeSystem,
		DefaultSocket: true,
		DefaultPush:   true,
		DefaultEmail:  true,
		BypassDigest:  true,
	},
}

// Lookup returns the definition for a notification type.
func Lookup(notifType string) (Definition, error) {
	def, ok := registry[notifType]
	if !ok {
		return Definition{}, ErrUnknownType
	}
	return def, nil
}

// Types returns the registered type names. Used by the API surface to
// validate preference updates.
func Types() []string {
	return []string{TypeMessage, TypeApplicationStatus, TypeMentorshipRequest, TypeSystem}
}

// DefaultPreference builds the platform-default preference row seeded for a
// (user, type) pair on first evaluation.
func (d Definition) DefaultPreference() db.NotificationPreference {
	return db.NotificationPreference{
		Type:          d.Type,
		SocketEnabled: d.DefaultSocket,
		PushEnabled:   d.DefaultPush,
		EmailEnabled:  d.DefaultEmail,
		Frequency:     db.FrequencyInstant,
	}
}
