package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a notification. The set is closed:
// new kinds are added here, never through runtime configuration.
type Type string

const (
	TypeRecordCreated     Type = "record_created"
	TypeRecordTransferred Type = "record_transferred"
	TypeRecordPurchased   Type = "record_purchased"
	TypeRoleGranted       Type = "role_granted"
	TypeSystemMessage     Type = "system_message"
	// TypeUnknown is the fallback for any event shape the normalizer
	// does not recognize. The original payload is preserved verbatim.
	TypeUnknown Type = "unknown"
)

// Notification is the canonical record every raw event normalizes into.
// ID, Type, Payload and CreatedAt never change after construction;
// only Read mutates, and only through the Hub.
type Notification struct {
	ID        string
	Type      Type
	Payload   map[string]any
	CreatedAt time.Time
	Read      bool
}

// New builds a Notification with a fresh ID and CreatedAt stamped now.
// The timestamp is assigned here rather than taken from the event source,
// so skewed or missing upstream timestamps cannot leak into history order.
func New(t Type, payload map[string]any) Notification {
	if payload == nil {
		payload = map[string]any{}
	}
	return Notification{
		ID:        newID(),
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// newID returns an identifier unique within a session.
// Uniqueness does not need to survive restarts.
func newID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
