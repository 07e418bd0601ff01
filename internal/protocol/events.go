// Package protocol defines what travels between conduit and its WebSocket
// viewers: server events (Event) and client frames (Frame).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/wire"
)

// EventType is the "type" discriminator of a server event.
type EventType string

const (
	TypeError               EventType = "error"
	TypeMessage             EventType = "message"
	TypeSessionInfo         EventType = "session_info"
	TypeSessionUpdated      EventType = "session_updated"
	TypeInteractionRequest  EventType = "interaction_request"
	TypeInteractionResponse EventType = "interaction_response"
	TypeAdapterEvent        EventType = "adapter_event"
)

// Event is a server-to-client event. The set of implementations is closed.
type Event interface {
	Type() EventType
}

// ErrorEvent reports a failure to viewers.
type ErrorEvent struct {
	Message string `json:"message"`
}

// MessageEvent carries one transcript message.
type MessageEvent struct {
	Message chat.Message `json:"message"`
}

// SessionInfo is metadata reported by the subprocess. Exactly one field is set.
type SessionInfo struct {
	Init    *wire.InitEvent `json:"init,omitempty"`
	Summary *string         `json:"summary,omitempty"`
}

// SessionInfoEvent carries subprocess metadata.
type SessionInfoEvent struct {
	Info SessionInfo `json:"info"`
}

// SessionUpdatedEvent carries the session record after a change.
type SessionUpdatedEvent struct {
	Session SessionView `json:"session"`
}

// InteractionRequestEvent asks viewers to answer a question the assistant raised.
type InteractionRequestEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// InteractionResponseEvent records a viewer's answer.
type InteractionResponseEvent struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// AdapterEvent passes an unclassified subprocess frame through.
type AdapterEvent struct {
	Data json.RawMessage `json:"data"`
}

func (ErrorEvent) Type() EventType               { return TypeError }
func (MessageEvent) Type() EventType             { return TypeMessage }
func (SessionInfoEvent) Type() EventType         { return TypeSessionInfo }
func (SessionUpdatedEvent) Type() EventType      { return TypeSessionUpdated }
func (InteractionRequestEvent) Type() EventType  { return TypeInteractionRequest }
func (InteractionResponseEvent) Type() EventType { return TypeInteractionResponse }
func (AdapterEvent) Type() EventType             { return TypeAdapterEvent }

// SessionView is the JSON shape of a session sent to clients.
type SessionView struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Status               domain.SessionStatus `json:"status"`
	LastUserMessage      string               `json:"last_user_message,omitempty"`
	LastAssistantMessage string               `json:"last_assistant_message,omitempty"`
	Starred              bool                 `json:"starred"`
	Archived             bool                 `json:"archived"`
	Tags                 []string             `json:"tags,omitempty"`
	TokensIn             int64                `json:"tokens_in"`
	TokensOut            int64                `json:"tokens_out"`
	CostUSD              float64              `json:"cost_usd"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// ViewOf converts a domain session for the wire.
func ViewOf(s *domain.Session) SessionView {
	snap := s.Snapshot()
	return SessionView{
		ID:                   snap.ID,
		Title:                snap.Title,
		Status:               snap.Status,
		LastUserMessage:      snap.LastUserMessage,
		LastAssistantMessage: snap.LastAssistantMessage,
		Starred:              snap.Starred,
		Archived:             snap.Archived,
		Tags:                 snap.Tags,
		TokensIn:             snap.TokensIn,
		TokensOut:            snap.TokensOut,
		CostUSD:              snap.CostUSD,
		CreatedAt:            snap.CreatedAt,
		UpdatedAt:            snap.UpdatedAt,
	}
}

// Marshal encodes evt with its "type" discriminator alongside its fields.
func Marshal(evt Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("protocol: nil event")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", evt.Type(), err)
	}
	typ, _ := json.Marshal(evt.Type())

	// body is always a JSON object; splice the discriminator in front.
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode event: %w", err)
	}

	var evt Event
	var err error
	switch head.Type {
	case TypeError:
		evt, err = decodeAs[ErrorEvent](data)
	case TypeMessage:
		evt, err = decodeAs[MessageEvent](data)
	case TypeSessionInfo:
		evt, err = decodeAs[SessionInfoEvent](data)
	case TypeSessionUpdated:
		evt, err = decodeAs[SessionUpdatedEvent](data)
	case TypeInteractionRequest:
		evt, err = decodeAs[InteractionRequestEvent](data)
	case TypeInteractionResponse:
		evt, err = decodeAs[InteractionResponseEvent](data)
	case TypeAdapterEvent:
		evt, err = decodeAs[AdapterEvent](data)
	default:
		return nil, fmt.Errorf("protocol: unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", head.Type, err)
	}
	return evt, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
