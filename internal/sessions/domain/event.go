package domain

import (
	"encoding/json"
	"time"
)

// EventRecord is the durable form of one event broadcast to a session's viewers.
// Payload is the event's full JSON encoding, Type its discriminator.
type EventRecord struct {
	Seq       int64
	SessionID string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}
