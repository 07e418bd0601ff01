package protocol

import (
	"time"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

// Record converts evt into its durable form for sessionID.
func Record(sessionID string, evt Event) (*domain.EventRecord, error) {
	payload, err := Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &domain.EventRecord{
		SessionID: sessionID,
		Type:      string(evt.Type()),
		Payload:   payload,
		CreatedAt: time.Now(),
	}, nil
}

// FromRecord decodes a stored event.
func FromRecord(rec domain.EventRecord) (Event, error) {
	return Unmarshal(rec.Payload)
}
